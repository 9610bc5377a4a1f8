// Package httpproxy is the HTTP/1.x proxy: a stream proxy that cuts traffic
// into requests and responses, and into WebSocket frames once a connection
// upgrades.
package httpproxy

import (
	"cdr.dev/slog/v3"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/tcp"
	"github.com/die-net/wiretap/internal/tlsfactory"
)

type Options struct {
	Config    proxy.Config
	Logger    slog.Logger
	Processor proxy.Processor
	TLS       *tlsfactory.Factory
	// Transparent dials the original destination of redirected clients.
	Transparent bool
	Listeners   []conn.Listener
}

func New(opts Options) *tcp.Proxy {
	cfg := opts.Config.WithDefaults()
	return tcp.New(tcp.Options{
		Config:      cfg,
		Logger:      opts.Logger.Named("http"),
		Processor:   opts.Processor,
		TLS:         opts.TLS,
		Type:        "http",
		Kind:        pdu.KindHTTP,
		Supports:    Supports,
		Codec:       NewCodec(cfg),
		Serializer:  Serializer{Charset: cfg.Charset},
		Transparent: opts.Transparent,
		Listeners:   opts.Listeners,
	})
}

// Supports accepts HTTP and WebSocket PDUs.
func Supports(p *pdu.PDU) bool {
	return p.Kind == pdu.KindHTTP || p.Kind == pdu.KindWebSocket
}
