package intercept

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
)

var (
	ErrUnknownProxy       = xerrors.New("unknown proxy")
	ErrUnknownConnection  = xerrors.New("unknown connection")
	ErrUnknownInterceptor = xerrors.New("unknown interceptor")
	ErrIndexOutOfRange    = xerrors.New("interceptor index out of range")
	ErrUnsupportedPDU     = xerrors.New("pdu not supported by proxy")
)

// Target is the part of a proxy injection needs.
type Target interface {
	Code() string
	Supports(p *pdu.PDU) bool
	Connections() *conn.Manager
}

// Resolver finds a proxy by code.
type Resolver func(code string) (Target, bool)

// Observer is told about the outcome of every dispatched PDU.
type Observer interface {
	Forwarded(p *pdu.PDU)
	Dropped(p *pdu.PDU, interceptor string)
	Injected(p *pdu.PDU)
}

type Options struct {
	Logger         slog.Logger
	ClientToServer *Chain
	ServerToClient *Chain
	Resolve        Resolver
	Observer       Observer
}

// Dispatcher walks PDUs through the chain of their direction.
type Dispatcher struct {
	logger   slog.Logger
	c2s      *Chain
	s2c      *Chain
	resolve  Resolver
	observer Observer
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		logger:   opts.Logger.Named("dispatch"),
		c2s:      opts.ClientToServer,
		s2c:      opts.ServerToClient,
		resolve:  opts.Resolve,
		observer: opts.Observer,
	}
	if d.c2s == nil {
		d.c2s = NewChain(ClientToServer)
	}
	if d.s2c == nil {
		d.s2c = NewChain(ServerToClient)
	}
	if d.resolve == nil {
		d.resolve = func(string) (Target, bool) { return nil, false }
	}
	return d
}

// Chain returns the chain of dir.
func (d *Dispatcher) Chain(dir Direction) *Chain {
	if dir == ClientToServer {
		return d.c2s
	}
	return d.s2c
}

// Process runs p from the top of its chain, or right after
// p.LastInterceptor when p already went through part of the same chain.
// The caller gives up p.
func (d *Dispatcher) Process(ctx context.Context, p *pdu.PDU) {
	chain := d.Chain(DirectionOf(p.Destination))
	start := 0
	if e, ok := p.LastInterceptor.(*entry); ok && e.dir == chain.dir {
		start = e.index + 1
	}
	d.run(ctx, chain, p, start)
}

// ProcessFrom runs p starting at index. index may equal the chain length,
// in which case p goes straight to its connection.
func (d *Dispatcher) ProcessFrom(ctx context.Context, p *pdu.PDU, index int) error {
	chain := d.Chain(DirectionOf(p.Destination))
	if index < 0 || index > chain.Len() {
		return xerrors.Errorf("index %d of %d in %s chain: %w", index, chain.Len(), chain.dir, ErrIndexOutOfRange)
	}
	d.run(ctx, chain, p, index)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, chain *Chain, p *pdu.PDU, start int) {
	for i := start; i < len(chain.entries); i++ {
		e := chain.entries[i]
		_, holds := e.Interceptor.(Holder)
		if holds {
			p.LastInterceptor = e
		}
		if !d.call(ctx, e, p) {
			if !holds && d.observer != nil {
				d.observer.Dropped(p, e.Code())
			}
			return
		}
		p.LastInterceptor = e
	}
	d.forward(ctx, p)
}

func (d *Dispatcher) call(ctx context.Context, e *entry, p *pdu.PDU) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "interceptor panicked, dropping pdu",
				slog.F("interceptor", e.Code()),
				slog.F("panic", r),
			)
			keep = false
		}
	}()
	return e.Intercept(ctx, p)
}

func (d *Dispatcher) forward(ctx context.Context, p *pdu.PDU) {
	if p.Conn == nil {
		d.logger.Warn(ctx, "pdu has no connection, dropping", slog.F("destination", p.Destination))
		return
	}
	if d.observer != nil {
		d.observer.Forwarded(p)
	}
	p.Conn.Send(p)
}

// Injection addresses a PDU that enters the pipeline from outside.
type Injection struct {
	Proxy      string
	Connection string
	// Interceptor, when set, resumes right after the named interceptor of
	// the PDU's chain and takes precedence over Index.
	Interceptor string
	// Index is the chain position to start at.
	Index int
	PDU   *pdu.PDU
}

// Inject validates inj, binds the PDU to its proxy and connection, and runs
// it through its chain from the requested position. Nothing is queued when
// validation fails.
func (d *Dispatcher) Inject(ctx context.Context, inj Injection) error {
	start, err := d.bind(inj)
	if err != nil {
		return err
	}
	if d.observer != nil {
		d.observer.Injected(inj.PDU)
	}
	d.run(ctx, d.Chain(DirectionOf(inj.PDU.Destination)), inj.PDU, start)
	return nil
}

// Send validates inj and queues the PDU on its connection without running
// any interceptor.
func (d *Dispatcher) Send(ctx context.Context, inj Injection) error {
	inj.Interceptor = ""
	inj.Index = 0
	if _, err := d.bind(inj); err != nil {
		return err
	}
	if d.observer != nil {
		d.observer.Injected(inj.PDU)
	}
	d.forward(ctx, inj.PDU)
	return nil
}

func (d *Dispatcher) bind(inj Injection) (int, error) {
	p := inj.PDU
	if p == nil {
		return 0, xerrors.New("inject: nil pdu")
	}

	t, ok := d.resolve(inj.Proxy)
	if !ok {
		return 0, xerrors.Errorf("inject into %q: %w", inj.Proxy, ErrUnknownProxy)
	}
	if !t.Supports(p) {
		return 0, xerrors.Errorf("inject %s pdu into %q: %w", p.Kind, inj.Proxy, ErrUnsupportedPDU)
	}
	c, ok := t.Connections().Get(inj.Connection)
	if !ok || c.State() != conn.Started {
		return 0, xerrors.Errorf("inject into %q connection %q: %w", inj.Proxy, inj.Connection, ErrUnknownConnection)
	}

	chain := d.Chain(DirectionOf(p.Destination))
	start := inj.Index
	if inj.Interceptor != "" {
		i := chain.IndexOf(inj.Interceptor)
		if i < 0 {
			return 0, xerrors.Errorf("inject after %q in %s chain: %w", inj.Interceptor, chain.dir, ErrUnknownInterceptor)
		}
		start = i + 1
	}
	if start < 0 || start > chain.Len() {
		return 0, xerrors.Errorf("index %d of %d in %s chain: %w", start, chain.Len(), chain.dir, ErrIndexOutOfRange)
	}

	p.Proxy = t
	p.Conn = c
	if start > 0 {
		p.LastInterceptor = chain.entries[start-1]
	} else {
		p.LastInterceptor = nil
	}
	return start, nil
}
