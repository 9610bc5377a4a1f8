// Package udp implements the datagram proxy. Every client address gets a
// pseudo-connection with its own socket toward the target; datagrams from
// the target are sent back to the client through the shared listening
// socket. Idle pseudo-connections are torn down.
package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	// maxDatagram is the largest UDP payload.
	maxDatagram = 65535
)

var ErrNotStarted = xerrors.New("proxy not started")

type Options struct {
	Config    proxy.Config
	Logger    slog.Logger
	Processor proxy.Processor
	// IdleTimeout tears down a pseudo-connection without traffic in either
	// direction for this long.
	IdleTimeout time.Duration
	Listeners   []conn.Listener
}

type Proxy struct {
	cfg       proxy.Config
	logger    slog.Logger
	processor proxy.Processor
	idle      time.Duration
	pool      *proxy.BufferPool
	conns     *conn.Manager

	mu     sync.Mutex
	pc     *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

var _ proxy.Proxy = (*Proxy)(nil)

func New(opts Options) *Proxy {
	cfg := opts.Config.WithDefaults()
	p := &Proxy{
		cfg:       cfg,
		logger:    opts.Logger.Named("udp").With(slog.F("proxy", cfg.Code)),
		processor: opts.Processor,
		idle:      opts.IdleTimeout,
		pool:      proxy.NewBufferPool(maxDatagram),
	}
	if p.idle <= 0 {
		p.idle = DefaultIdleTimeout
	}
	if p.processor == nil {
		p.processor = proxy.ProcessorFunc(func(_ context.Context, pd *pdu.PDU) { pd.Conn.Send(pd) })
	}
	p.conns = conn.NewManager(conn.ManagerOptions{Logger: p.logger, Listeners: opts.Listeners})
	return p
}

func (p *Proxy) Code() string { return p.cfg.Code }

func (p *Proxy) Type() string { return "udp" }

func (p *Proxy) Connections() *conn.Manager { return p.conns }

func (p *Proxy) Serializer() proxy.Serializer {
	return proxy.RawSerializer{Kind: pdu.KindUDP, Charset: p.cfg.Charset}
}

func (p *Proxy) Supports(pd *pdu.PDU) bool { return pd.Kind == pdu.KindUDP }

func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return nil
	}
	return p.pc.LocalAddr()
}

func (p *Proxy) Prepare(context.Context) error {
	if p.cfg.Listen == "" {
		return xerrors.Errorf("proxy %s: no listen address", p.cfg.Code)
	}
	if p.cfg.Target == "" {
		return xerrors.Errorf("proxy %s: no target address", p.cfg.Code)
	}
	return nil
}

func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc != nil {
		return xerrors.Errorf("proxy %s: already started", p.cfg.Code)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", p.cfg.Listen)
	if err != nil {
		return xerrors.Errorf("proxy %s: listen %s: %w", p.cfg.Code, p.cfg.Listen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.pc = pc.(*net.UDPConn)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.receive(ctx, p.pc, p.done)
	return nil
}

// receive is the read-from-client loop shared by all pseudo-connections.
func (p *Proxy) receive(ctx context.Context, pc *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := p.pool.Get()
	defer p.pool.Put(buf)

	for {
		n, src, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if xerrors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Debug(ctx, "receive failed", slog.Error(err))
			continue
		}

		uc, err := p.route(ctx, pc, src)
		if err != nil {
			p.logger.Warn(ctx, "open pseudo-connection failed", slog.F("client", src.String()), slog.Error(err))
			continue
		}

		pd := pdu.New(pdu.KindUDP, pdu.Server, append([]byte(nil), buf[:n]...))
		pd.Charset = p.cfg.Charset
		uc.process(ctx, pd)
	}
}

// route returns the started pseudo-connection of src. A connection that is
// already closing is waited for and replaced.
func (p *Proxy) route(ctx context.Context, pc *net.UDPConn, src netip.AddrPort) (*Conn, error) {
	code := conn.AddrCode(src)
	for {
		c, err := p.conns.GetOrCreate(code, func() (conn.Connection, error) {
			c, err := p.open(ctx, pc, src)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		uc := c.(*Conn)
		uc.touch()
		if uc.State() == conn.Started {
			return uc, nil
		}
		select {
		case <-uc.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Proxy) open(ctx context.Context, pc *net.UDPConn, peer netip.AddrPort) (*Conn, error) {
	var d net.Dialer
	sc, err := d.DialContext(ctx, "udp", p.cfg.Target)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", p.cfg.Target, err)
	}

	c := newConn(conn.AddrCode(peer), p, pc, peer, sc.(*net.UDPConn))
	c.OnStop(func() { p.conns.Remove(c) })
	if err := c.Start(ctx); err != nil {
		_ = sc.Close()
		return nil, err
	}
	p.logger.Debug(ctx, "pseudo-connection opened", slog.F("conn", c.Code()))
	return c, nil
}

func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	pc, cancel, done := p.pc, p.cancel, p.done
	p.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}

	_ = pc.Close()
	<-done

	err := p.conns.Stop(ctx)
	cancel()

	p.mu.Lock()
	if p.pc == pc {
		p.pc, p.cancel, p.done = nil, nil, nil
	}
	p.mu.Unlock()
	return err
}
