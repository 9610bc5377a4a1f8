// Package core assembles a running wiretap from its configuration: the
// proxies, the interceptor chains and the dispatcher between them.
package core

import (
	"context"
	"net"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/catcher"
	"github.com/die-net/wiretap/internal/config"
	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/dialer"
	"github.com/die-net/wiretap/internal/httpproxy"
	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/metrics"
	"github.com/die-net/wiretap/internal/modifier"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/pdulog"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/tagger"
	"github.com/die-net/wiretap/internal/tcp"
	"github.com/die-net/wiretap/internal/tlsfactory"
	"github.com/die-net/wiretap/internal/udp"
)

const DefaultDialTimeout = 10 * time.Second

type Options struct {
	Config *config.Config
	Logger slog.Logger
	// Metrics, when set, observes dispatch and connections.
	Metrics   *metrics.Metrics
	KeepAlive net.KeepAliveConfig
}

type Core struct {
	logger     slog.Logger
	proxies    *proxy.Manager
	dispatcher *intercept.Dispatcher
	catcher    *catcher.Controller
}

func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, xerrors.New("no configuration")
	}
	c := &Core{logger: opts.Logger, catcher: catcher.NewController(opts.Logger)}

	c2s, err := c.buildChain(intercept.ClientToServer, opts.Config.Interceptors.ClientToServer)
	if err != nil {
		return nil, err
	}
	s2c, err := c.buildChain(intercept.ServerToClient, opts.Config.Interceptors.ServerToClient)
	if err != nil {
		return nil, err
	}

	dopts := intercept.Options{
		Logger:         opts.Logger,
		ClientToServer: c2s,
		ServerToClient: s2c,
		Resolve: func(code string) (intercept.Target, bool) {
			p, ok := c.proxies.Get(code)
			if !ok {
				return nil, false
			}
			return p, true
		},
	}
	if opts.Metrics != nil {
		dopts.Observer = opts.Metrics
	}
	c.dispatcher = intercept.NewDispatcher(dopts)
	c.catcher.Bind(c.dispatcher)

	proxies := make([]proxy.Proxy, 0, len(opts.Config.Proxies))
	for _, pc := range opts.Config.Proxies {
		p, err := c.buildProxy(pc, opts)
		if err != nil {
			return nil, xerrors.Errorf("proxy %s: %w", pc.Code, err)
		}
		proxies = append(proxies, p)
	}
	c.proxies, err = proxy.NewManager(opts.Logger, proxies...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) buildChain(dir intercept.Direction, cfgs []config.Interceptor) (*intercept.Chain, error) {
	ics := make([]intercept.Interceptor, 0, len(cfgs))
	for _, ic := range cfgs {
		i, err := c.newInterceptor(ic)
		if err != nil {
			return nil, xerrors.Errorf("%s interceptor %s: %w", dir, ic.Code, err)
		}
		ics = append(ics, i)
	}
	return intercept.NewChain(dir, ics...), nil
}

func (c *Core) newInterceptor(ic config.Interceptor) (intercept.Interceptor, error) {
	logger := c.logger
	switch ic.Type {
	case config.TypeTagger:
		var cfg tagger.Config
		if err := ic.Decode(&cfg); err != nil {
			return nil, err
		}
		return tagger.New(ic.Code, cfg, logger)
	case config.TypeModifier:
		var cfg modifier.Config
		if err := ic.Decode(&cfg); err != nil {
			return nil, err
		}
		return modifier.New(ic.Code, cfg, logger)
	case config.TypeLogger:
		var cfg pdulog.Config
		if err := ic.Decode(&cfg); err != nil {
			return nil, err
		}
		return pdulog.New(ic.Code, cfg, logger)
	case config.TypeCatcher:
		return catcher.New(ic.Code, c.catcher), nil
	default:
		return nil, xerrors.Errorf("unknown interceptor type %q", ic.Type)
	}
}

func (c *Core) buildProxy(pc config.Proxy, opts Options) (proxy.Proxy, error) {
	cfg := proxy.Config{
		Code:       pc.Code,
		Listen:     pc.Listen,
		Target:     pc.Target,
		BufferSize: pc.BufferSize,
		CloseDelay: pc.CloseDelay,
		KeepAlive:  opts.KeepAlive,
	}
	if cfg.CloseDelay == 0 {
		cfg.CloseDelay = proxy.DefaultCloseDelay
	}
	if pc.Charset != "" {
		cs, err := pdu.LookupCharset(pc.Charset)
		if err != nil {
			return nil, err
		}
		cfg.Charset = cs
	}

	var listeners []conn.Listener
	if opts.Metrics != nil {
		listeners = append(listeners, opts.Metrics.Listener(pc.Code))
	}

	if pc.Type == config.TypeUDP {
		return udp.New(udp.Options{
			Config:      cfg,
			Logger:      opts.Logger,
			Processor:   c.dispatcher,
			IdleTimeout: pc.IdleTimeout,
			Listeners:   listeners,
		}), nil
	}

	dialTimeout := pc.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	negotiation := pc.NegotiationTimeout
	if negotiation <= 0 {
		negotiation = dialTimeout
	}
	d, err := dialer.New(dialer.Config{
		DialTimeout:        dialTimeout,
		NegotiationTimeout: negotiation,
		KeepAlive:          opts.KeepAlive,
	}, pc.Upstream)
	if err != nil {
		return nil, xerrors.Errorf("upstream: %w", err)
	}

	topts := tlsfactory.Options{
		Logger:    opts.Logger,
		Dialer:    d,
		KeepAlive: opts.KeepAlive,
		StartTLS:  pc.StartTLS,
	}
	if pc.TLS.TrustEveryone {
		topts.Trust = tlsfactory.TrustEveryone{}
	}
	factory := tlsfactory.New(pc.TLS.Server, pc.TLS.Client, topts)

	switch pc.Type {
	case config.TypeTCP:
		return tcp.New(tcp.Options{
			Config:      cfg,
			Logger:      opts.Logger,
			Processor:   c.dispatcher,
			TLS:         factory,
			StartTLS:    pc.StartTLS,
			Transparent: pc.Transparent,
			Listeners:   listeners,
		}), nil
	case config.TypeHTTP:
		return httpproxy.New(httpproxy.Options{
			Config:      cfg,
			Logger:      opts.Logger,
			Processor:   c.dispatcher,
			TLS:         factory,
			Transparent: pc.Transparent,
			Listeners:   listeners,
		}), nil
	default:
		return nil, xerrors.Errorf("unknown type %q", pc.Type)
	}
}

func (c *Core) Proxies() *proxy.Manager { return c.proxies }

func (c *Core) Dispatcher() *intercept.Dispatcher { return c.dispatcher }

// Catcher controls every catcher interceptor of both chains.
func (c *Core) Catcher() *catcher.Controller { return c.catcher }

// Prepare prepares the interceptors, then the proxies. After a failure the
// interceptors are stopped again.
func (c *Core) Prepare(ctx context.Context) error {
	err := c.prepare(ctx)
	if err != nil {
		c.stopChains()
	}
	return err
}

func (c *Core) prepare(ctx context.Context) error {
	for _, dir := range []intercept.Direction{intercept.ClientToServer, intercept.ServerToClient} {
		if err := c.dispatcher.Chain(dir).Prepare(ctx); err != nil {
			return xerrors.Errorf("%s chain: %w", dir, err)
		}
	}
	return c.proxies.Prepare(ctx)
}

func (c *Core) stopChains() {
	c.dispatcher.Chain(intercept.ClientToServer).Stop()
	c.dispatcher.Chain(intercept.ServerToClient).Stop()
}

// Start starts every proxy. On failure the already started proxies are
// stopped again.
func (c *Core) Start(ctx context.Context) error {
	return c.proxies.Start(ctx)
}

// Stop stops the proxies, then the interceptors.
func (c *Core) Stop(ctx context.Context) error {
	err := c.proxies.Stop(ctx)
	c.stopChains()
	c.logger.Info(ctx, "stopped")
	return err
}
