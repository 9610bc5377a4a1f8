// Package controlapi serves the HTTP control surface: listing proxies and
// connections, closing connections, injecting PDUs and reviewing the PDUs
// held by catcher interceptors.
package controlapi

import (
	"context"
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/catcher"
	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/proxy"
)

type Options struct {
	Logger     slog.Logger
	Proxies    *proxy.Manager
	Dispatcher *intercept.Dispatcher
	// Catcher, when set, enables the /catcher routes.
	Catcher *catcher.Controller
}

type API struct {
	logger     slog.Logger
	proxies    *proxy.Manager
	dispatcher *intercept.Dispatcher
	catcher    *catcher.Controller
}

func New(opts Options) *API {
	return &API{
		logger:     opts.Logger.Named("controlapi"),
		proxies:    opts.Proxies,
		dispatcher: opts.Dispatcher,
		catcher:    opts.Catcher,
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/proxies", func(r chi.Router) {
		r.Get("/", a.listProxies)
		r.Route("/{proxy}/connections", func(r chi.Router) {
			r.Get("/", a.listConnections)
			r.Delete("/{conn}", a.closeConnection)
		})
	})
	r.Route("/pdus", func(r chi.Router) {
		r.Post("/", a.injectPDU)
		r.Post("/send", a.sendPDU)
	})
	if a.catcher != nil {
		r.Route("/catcher", a.catcherRoutes)
	}
	return r
}

type Proxy struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	Addr        string `json:"addr,omitempty"`
	Connections int    `json:"connections"`
}

type Connection struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// Injection is the body of POST /pdus and POST /pdus/send. When the PDU
// names an interceptor, processing resumes right after it; otherwise Index
// is the chain position to start at.
type Injection struct {
	proxy.Serialized
	Index int `json:"index"`
}

func (a *API) listProxies(rw http.ResponseWriter, _ *http.Request) {
	list := a.proxies.List()
	out := make([]Proxy, 0, len(list))
	for _, p := range list {
		v := Proxy{Code: p.Code(), Type: p.Type(), Connections: p.Connections().Len()}
		if addr := p.Addr(); addr != nil {
			v.Addr = addr.String()
		}
		out = append(out, v)
	}
	write(rw, http.StatusOK, out)
}

func (a *API) proxy(rw http.ResponseWriter, r *http.Request) (proxy.Proxy, bool) {
	code := chi.URLParam(r, "proxy")
	p, ok := a.proxies.Get(code)
	if !ok {
		write(rw, http.StatusNotFound, Response{Message: "Proxy not found.", Detail: code})
	}
	return p, ok
}

func (a *API) listConnections(rw http.ResponseWriter, r *http.Request) {
	p, ok := a.proxy(rw, r)
	if !ok {
		return
	}
	list := p.Connections().List()
	out := make([]Connection, 0, len(list))
	for _, c := range list {
		out = append(out, Connection{Code: c.Code(), State: c.State().String()})
	}
	write(rw, http.StatusOK, out)
}

func (a *API) closeConnection(rw http.ResponseWriter, r *http.Request) {
	p, ok := a.proxy(rw, r)
	if !ok {
		return
	}
	code := chi.URLParam(r, "conn")
	c, ok := p.Connections().Get(code)
	if !ok {
		write(rw, http.StatusNotFound, Response{Message: "Connection not found.", Detail: code})
		return
	}
	c.Stop()
	a.logger.Info(r.Context(), "connection closed", slog.F("proxy", p.Code()), slog.F("conn", code))
	rw.WriteHeader(http.StatusNoContent)
}

func (a *API) injectPDU(rw http.ResponseWriter, r *http.Request) {
	a.dispatch(rw, r, a.dispatcher.Inject)
}

func (a *API) sendPDU(rw http.ResponseWriter, r *http.Request) {
	a.dispatch(rw, r, a.dispatcher.Send)
}

func (a *API) dispatch(rw http.ResponseWriter, r *http.Request, fn func(context.Context, intercept.Injection) error) {
	var req Injection
	if !read(rw, r, &req) {
		return
	}

	p, ok := a.proxies.Get(req.Proxy)
	if !ok {
		write(rw, http.StatusNotFound, Response{Message: "Proxy not found.", Detail: req.Proxy})
		return
	}
	pd, err := proxy.Deserialize(req.Serialized, p.Serializer())
	if err != nil {
		write(rw, http.StatusBadRequest, Response{Message: "Invalid PDU.", Detail: err.Error()})
		return
	}

	// The connection's own context is used downstream; the request may end
	// before the PDU is written.
	err = fn(context.WithoutCancel(r.Context()), intercept.Injection{
		Proxy:       req.Proxy,
		Connection:  req.Connection,
		Interceptor: req.Interceptor,
		Index:       req.Index,
		PDU:         pd,
	})
	if err != nil {
		write(rw, statusOf(err), Response{Message: "PDU rejected.", Detail: err.Error()})
		return
	}
	write(rw, http.StatusAccepted, Response{Message: "PDU accepted."})
}

func statusOf(err error) int {
	switch {
	case xerrors.Is(err, intercept.ErrUnknownProxy), xerrors.Is(err, intercept.ErrUnknownConnection):
		return http.StatusNotFound
	case xerrors.Is(err, intercept.ErrUnsupportedPDU), xerrors.Is(err, intercept.ErrIndexOutOfRange), xerrors.Is(err, intercept.ErrUnknownInterceptor):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
