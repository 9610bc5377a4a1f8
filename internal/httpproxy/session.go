package httpproxy

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/tcp"
	"github.com/die-net/wiretap/internal/wscodec"
)

// Codec reads HTTP/1.x on both sides of a connection and follows the
// connection into WebSocket after a successful upgrade.
type Codec struct {
	opts httpcodec.ReaderOptions
}

func NewCodec(cfg proxy.Config) *Codec {
	cfg = cfg.WithDefaults()
	return &Codec{opts: httpcodec.ReaderOptions{MaxBody: cfg.BufferSize, Charset: cfg.Charset}}
}

func (c *Codec) NewSession() tcp.Session {
	s := &session{decision: make(chan bool, 1)}
	s.requestOpts = c.opts
	s.responseOpts = c.opts
	s.responseOpts.SkipBody = s.skipBody
	return s
}

// session is shared by the four tasks of a connection. Reader state for a
// side is only touched by that side's reader; methods and the upgrade
// decision cross goroutines.
type session struct {
	requestOpts  httpcodec.ReaderOptions
	responseOpts httpcodec.ReaderOptions

	requests  *httpcodec.Reader
	responses *httpcodec.Reader

	clientWS bool
	serverWS bool
	pending  bool

	awaiting atomic.Bool
	decision chan bool

	mu      sync.Mutex
	methods []string
}

func (s *session) ReadPDU(ctx context.Context, dst pdu.Destination, r *bufio.Reader) (*pdu.PDU, error) {
	if dst == pdu.Server {
		return s.readRequest(ctx, r)
	}
	return s.readResponse(r)
}

func (s *session) readRequest(ctx context.Context, r *bufio.Reader) (*pdu.PDU, error) {
	if s.pending {
		s.pending = false
		select {
		case ok := <-s.decision:
			s.clientWS = ok
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.clientWS {
		return wscodec.ReadPDU(r, pdu.Server)
	}

	if s.requests == nil || s.requests.Buffered() != r {
		s.requests = httpcodec.NewRequestReader(r, s.requestOpts)
	}
	p, err := s.requests.ReadPDU()
	if err != nil {
		return nil, err
	}
	if req := httpcodec.RequestOf(p); req != nil && req.Version != "" && isWebSocketUpgrade(&req.Headers) {
		req.Headers.Del("Sec-WebSocket-Extensions")
		if !s.requests.InBody() {
			s.pending = true
			s.awaiting.Store(true)
		}
	}
	return p, nil
}

func (s *session) readResponse(r *bufio.Reader) (*pdu.PDU, error) {
	if s.serverWS {
		return wscodec.ReadPDU(r, pdu.Client)
	}

	if s.responses == nil || s.responses.Buffered() != r {
		s.responses = httpcodec.NewResponseReader(r, s.responseOpts)
	}
	p, err := s.responses.ReadPDU()
	if err != nil {
		return nil, err
	}
	if resp := httpcodec.ResponseOf(p); resp != nil && resp.Version != "" {
		switch {
		case resp.StatusCode == 101 && isWebSocketUpgrade(&resp.Headers):
			s.serverWS = true
			s.decide(true)
		case resp.StatusCode >= 200:
			s.decide(false)
		}
	}
	return p, nil
}

// decide releases a client reader waiting on an upgrade request.
func (s *session) decide(upgraded bool) {
	if s.awaiting.CompareAndSwap(true, false) {
		s.decision <- upgraded
	}
}

// skipBody pairs a final response with the oldest request written to the
// server. Responses to HEAD have no body.
func (s *session) skipBody(resp *httpcodec.Response) bool {
	if resp.StatusCode < 200 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.methods) == 0 {
		return false
	}
	method := s.methods[0]
	s.methods = s.methods[1:]
	return method == "HEAD"
}

func (s *session) WritePDU(_ context.Context, w io.Writer, p *pdu.PDU) error {
	switch ext := p.Ext.(type) {
	case *wscodec.Frame:
		return wscodec.WritePDU(w, p)
	case *httpcodec.Request:
		if ext.Version != "" {
			s.mu.Lock()
			s.methods = append(s.methods, ext.Method)
			s.mu.Unlock()
		}
		return httpcodec.WritePDU(w, p)
	case *httpcodec.Response:
		return httpcodec.WritePDU(w, p)
	}

	if p.Kind == pdu.KindWebSocket {
		return wscodec.WritePDU(w, p)
	}
	if p.Size() == 0 {
		return nil
	}
	if _, err := w.Write(p.Bytes()); err != nil {
		return xerrors.Errorf("write: %w", err)
	}
	return nil
}

func isWebSocketUpgrade(h *httpcodec.Headers) bool {
	return h.HasToken("Upgrade", "websocket")
}
