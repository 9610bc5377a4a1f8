package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/tlsfactory"
	"github.com/die-net/wiretap/internal/tproxy"
)

// ErrNotStarted is returned by Stop on a proxy that never started.
var ErrNotStarted = xerrors.New("proxy not started")

type Options struct {
	Config    proxy.Config
	Logger    slog.Logger
	Processor proxy.Processor
	// TLS builds both sockets. Nil means plain TCP dialed directly.
	TLS *tlsfactory.Factory

	// Type is reported by Proxy.Type; "tcp" when empty.
	Type string
	// Kind is the PDU kind this proxy supports; tcp when empty.
	Kind pdu.Kind
	// Supports overrides the kind check of Proxy.Supports.
	Supports func(*pdu.PDU) bool
	// Codec defaults to a RawCodec.
	Codec      Codec
	Serializer proxy.Serializer

	// StartTLS upgrades both sides once the client starts a TLS handshake.
	// It requires the raw codec and a factory prepared with StartTLS.
	StartTLS bool
	// Transparent accepts redirected connections and dials their original
	// destination instead of Config.Target.
	Transparent bool

	Listeners []conn.Listener
}

// Proxy is a stream proxy.
type Proxy struct {
	cfg         proxy.Config
	typ         string
	kind        pdu.Kind
	logger      slog.Logger
	processor   proxy.Processor
	tls         *tlsfactory.Factory
	supports    func(*pdu.PDU) bool
	codec       Codec
	serializer  proxy.Serializer
	startTLS    bool
	transparent bool

	conns *conn.Manager

	mu       sync.Mutex
	ln       net.Listener
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	accepted chan struct{}
}

var _ proxy.Proxy = (*Proxy)(nil)

func New(opts Options) *Proxy {
	cfg := opts.Config.WithDefaults()
	p := &Proxy{
		cfg:         cfg,
		typ:         opts.Type,
		kind:        opts.Kind,
		logger:      opts.Logger.Named("tcp").With(slog.F("proxy", cfg.Code)),
		processor:   opts.Processor,
		tls:         opts.TLS,
		supports:    opts.Supports,
		codec:       opts.Codec,
		serializer:  opts.Serializer,
		startTLS:    opts.StartTLS,
		transparent: opts.Transparent,
	}
	if p.typ == "" {
		p.typ = "tcp"
	}
	if p.kind == "" {
		p.kind = pdu.KindTCP
	}
	if p.tls == nil {
		p.tls = tlsfactory.New(nil, nil, tlsfactory.Options{Logger: opts.Logger, KeepAlive: cfg.KeepAlive, StartTLS: opts.StartTLS})
	}
	if p.codec == nil {
		p.codec = NewRawCodec(p.kind, cfg)
	}
	if p.serializer == nil {
		p.serializer = proxy.RawSerializer{Kind: p.kind, Charset: cfg.Charset}
	}
	if p.processor == nil {
		p.processor = proxy.ProcessorFunc(func(_ context.Context, pd *pdu.PDU) { pd.Conn.Send(pd) })
	}
	p.conns = conn.NewManager(conn.ManagerOptions{Logger: p.logger, Listeners: opts.Listeners})
	return p
}

func (p *Proxy) Code() string { return p.cfg.Code }

func (p *Proxy) Type() string { return p.typ }

func (p *Proxy) Config() proxy.Config { return p.cfg }

func (p *Proxy) Connections() *conn.Manager { return p.conns }

func (p *Proxy) Serializer() proxy.Serializer { return p.serializer }

func (p *Proxy) Supports(pd *pdu.PDU) bool {
	if p.supports != nil {
		return p.supports(pd)
	}
	return pd.Kind == p.kind
}

func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *Proxy) Prepare(ctx context.Context) error {
	if p.cfg.Listen == "" {
		return xerrors.Errorf("proxy %s: no listen address", p.cfg.Code)
	}
	if p.cfg.Target == "" && !p.transparent {
		return xerrors.Errorf("proxy %s: no target address", p.cfg.Code)
	}
	if p.transparent && !tproxy.IsSupported {
		return xerrors.Errorf("proxy %s: transparent mode is not supported on this platform", p.cfg.Code)
	}
	if p.startTLS {
		if _, ok := p.codec.(*RawCodec); !ok {
			return xerrors.Errorf("proxy %s: starttls needs the raw codec", p.cfg.Code)
		}
	}
	if err := p.tls.Prepare(ctx); err != nil {
		return xerrors.Errorf("proxy %s: %w", p.cfg.Code, err)
	}
	return nil
}

// Start binds the listener and starts accepting in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return xerrors.Errorf("proxy %s: already started", p.cfg.Code)
	}

	var (
		ln  net.Listener
		err error
	)
	if p.transparent {
		ln, err = tproxy.ListenTransparentTCP(ctx, p.cfg.Listen, p.cfg.KeepAlive)
		if err == nil {
			ln = p.tls.WrapListener(ln)
		}
	} else {
		ln, err = p.tls.Listen(ctx, p.cfg.Listen)
	}
	if err != nil {
		return xerrors.Errorf("proxy %s: %w", p.cfg.Code, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.ln = ln
	p.cancel = cancel
	p.accepted = make(chan struct{})
	go p.acceptLoop(ctx, ln, p.accepted)
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		c, err := ln.Accept()
		if err != nil {
			if xerrors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Warn(ctx, "accept failed", slog.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.handlers.Add(1)
		go func() {
			defer p.handlers.Done()
			p.handle(ctx, c)
		}()
	}
}

func (p *Proxy) handle(ctx context.Context, client net.Conn) {
	code := p.conns.NextCode()
	logger := p.logger.With(slog.F("conn", code), slog.F("client", client.RemoteAddr().String()))

	target := p.cfg.Target
	if p.transparent {
		dst, ok := tproxy.OriginalDst(client)
		if !ok {
			logger.Warn(ctx, "no original destination")
			_ = client.Close()
			return
		}
		target = dst.String()
	}

	server, err := p.tls.Dial(ctx, target)
	if err != nil {
		logger.Warn(ctx, "dial target failed", slog.F("target", target), slog.Error(err))
		_ = client.Close()
		return
	}

	c := newConn(code, p, client, server, target)
	c.OnStop(func() { p.conns.Remove(c) })
	if err := c.Start(ctx); err != nil {
		logger.Warn(ctx, "start connection failed", slog.Error(err))
		c.Stop()
		return
	}
	if !p.conns.Add(c) {
		c.Stop()
		return
	}
	logger.Debug(ctx, "connection started", slog.F("target", target))
}

// Stop closes the listener, waits for the accept loop and stops every
// connection. The proxy can be started again afterwards.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	ln, cancel, accepted := p.ln, p.cancel, p.accepted
	p.mu.Unlock()
	if ln == nil {
		return ErrNotStarted
	}

	_ = ln.Close()
	<-accepted
	p.handlers.Wait()

	err := p.conns.Stop(ctx)
	cancel()

	p.mu.Lock()
	if p.ln == ln {
		p.ln, p.cancel, p.accepted = nil, nil, nil
	}
	p.mu.Unlock()
	return err
}
