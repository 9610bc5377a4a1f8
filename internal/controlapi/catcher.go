package controlapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/catcher"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
)

// CatcherState is the body of GET and PUT /catcher.
type CatcherState struct {
	State string      `json:"state"`
	PDUs  []CaughtPDU `json:"pdus,omitempty"`
}

type CaughtPDU struct {
	ID uint64 `json:"id"`
	proxy.Serialized
}

func (a *API) catcherRoutes(r chi.Router) {
	r.Get("/", a.getCatcher)
	r.Put("/", a.putCatcher)
	r.Route("/pdus/{id}", func(r chi.Router) {
		r.Get("/", a.getCaught)
		r.Post("/", a.forwardCaught)
		r.Delete("/", a.dropCaught)
	})
}

func (a *API) serializerOf(p *pdu.PDU) proxy.Serializer {
	if p.Proxy == nil {
		return nil
	}
	px, ok := a.proxies.Get(p.Proxy.Code())
	if !ok {
		return nil
	}
	return px.Serializer()
}

func (a *API) serialize(p *pdu.PDU) proxy.Serialized {
	return proxy.Serialize(p, a.serializerOf(p))
}

func (a *API) catcherState() CatcherState {
	out := CatcherState{State: a.catcher.State().String()}
	for _, c := range a.catcher.List() {
		out.PDUs = append(out.PDUs, CaughtPDU{ID: c.ID, Serialized: a.serialize(c.PDU)})
	}
	return out
}

func (a *API) getCatcher(rw http.ResponseWriter, _ *http.Request) {
	write(rw, http.StatusOK, a.catcherState())
}

func (a *API) putCatcher(rw http.ResponseWriter, r *http.Request) {
	var req CatcherState
	if !read(rw, r, &req) {
		return
	}
	// Held PDUs leave on the connections' own contexts.
	ctx := context.WithoutCancel(r.Context())
	switch req.State {
	case "on":
		a.catcher.Enable(ctx)
	case "off":
		a.catcher.Disable(ctx)
	default:
		write(rw, http.StatusBadRequest, Response{Message: "Invalid state.", Detail: req.State})
		return
	}
	write(rw, http.StatusOK, a.catcherState())
}

func caughtID(rw http.ResponseWriter, r *http.Request) (uint64, bool) {
	s := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		write(rw, http.StatusBadRequest, Response{Message: "Invalid PDU id.", Detail: s})
		return 0, false
	}
	return id, true
}

func (a *API) getCaught(rw http.ResponseWriter, r *http.Request) {
	id, ok := caughtID(rw, r)
	if !ok {
		return
	}
	p, ok := a.catcher.Get(id)
	if !ok {
		write(rw, http.StatusNotFound, Response{Message: "PDU not held.", Detail: strconv.FormatUint(id, 10)})
		return
	}
	write(rw, http.StatusOK, CaughtPDU{ID: id, Serialized: a.serialize(p)})
}

// forwardCaught releases a held PDU. A body replaces its content; proxy,
// connection and interceptor fields of the body are ignored.
func (a *API) forwardCaught(rw http.ResponseWriter, r *http.Request) {
	id, ok := caughtID(rw, r)
	if !ok {
		return
	}

	var edited *pdu.PDU
	var req proxy.Serialized
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	switch err := dec.Decode(&req); {
	case xerrors.Is(err, io.EOF):
	case err != nil:
		write(rw, http.StatusBadRequest, Response{Message: "Invalid request body.", Detail: err.Error()})
		return
	default:
		held, ok := a.catcher.Get(id)
		if !ok {
			write(rw, http.StatusNotFound, Response{Message: "PDU not held.", Detail: strconv.FormatUint(id, 10)})
			return
		}
		edited, err = proxy.Deserialize(req, a.serializerOf(held))
		if err != nil {
			write(rw, http.StatusBadRequest, Response{Message: "Invalid PDU.", Detail: err.Error()})
			return
		}
	}

	if err := a.catcher.Forward(context.WithoutCancel(r.Context()), id, edited); err != nil {
		write(rw, caughtStatus(err), Response{Message: "PDU not forwarded.", Detail: err.Error()})
		return
	}
	a.logger.Debug(r.Context(), "held pdu forwarded", slog.F("id", id), slog.F("edited", edited != nil))
	write(rw, http.StatusAccepted, Response{Message: "PDU accepted."})
}

func (a *API) dropCaught(rw http.ResponseWriter, r *http.Request) {
	id, ok := caughtID(rw, r)
	if !ok {
		return
	}
	if err := a.catcher.Drop(context.WithoutCancel(r.Context()), id); err != nil {
		write(rw, caughtStatus(err), Response{Message: "PDU not dropped.", Detail: err.Error()})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func caughtStatus(err error) int {
	switch {
	case xerrors.Is(err, catcher.ErrNotHeld):
		return http.StatusNotFound
	case xerrors.Is(err, catcher.ErrOutOfOrder):
		return http.StatusConflict
	case xerrors.Is(err, catcher.ErrDestinationChanged):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
