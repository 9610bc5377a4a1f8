// Package catcher holds PDUs for manual review. While the controller is on,
// every catcher interceptor keeps the PDUs that reach it until they are
// forwarded, optionally edited, or dropped through the control API. Turning
// the controller off forwards everything still held, oldest first.
//
// Tags steer a PDU around the catcher: no_catch_skip passes it straight
// through, no_catch forwards it on its own once it becomes the oldest held
// PDU, and catch overrides both.
package catcher

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
)

var (
	ErrNotHeld            = xerrors.New("pdu not held")
	ErrOutOfOrder         = xerrors.New("pdu is not the oldest held pdu")
	ErrDestinationChanged = xerrors.New("edited pdu changes destination")
)

type State int

const (
	Off State = iota
	On
	// Draining is the way from On to Off: held PDUs are being forwarded
	// and new ones queue up behind them.
	Draining
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case Draining:
		return "draining"
	default:
		return "off"
	}
}

// Processor resumes a released PDU after the interceptor that held it.
type Processor interface {
	Process(ctx context.Context, p *pdu.PDU)
}

// Caught is a snapshot of a held PDU.
type Caught struct {
	ID  uint64
	PDU *pdu.PDU
}

type held struct {
	id   uint64
	pdu  *pdu.PDU
	auto bool
}

// Controller is shared by all catcher interceptors of a wiretap.
type Controller struct {
	logger slog.Logger
	proc   Processor

	// release serializes everything that hands held PDUs back to proc.
	release sync.Mutex

	mu     sync.Mutex
	state  State
	nextID uint64
	held   []*held
}

func NewController(logger slog.Logger) *Controller {
	return &Controller{logger: logger.Named("catcher")}
}

// Bind sets the processor released PDUs go to. It must be called before
// any PDU is caught.
func (c *Controller) Bind(p Processor) {
	c.proc = p
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enable starts catching. It waits for a running drain to finish.
func (c *Controller) Enable(ctx context.Context) {
	c.release.Lock()
	defer c.release.Unlock()

	c.mu.Lock()
	changed := c.state != On
	c.state = On
	c.mu.Unlock()
	if changed {
		c.logger.Info(ctx, "catching enabled")
	}
}

// Disable stops catching and forwards every held PDU in order, including
// the ones caught while it runs.
func (c *Controller) Disable(ctx context.Context) {
	c.release.Lock()
	defer c.release.Unlock()

	c.mu.Lock()
	if c.state == Off {
		c.mu.Unlock()
		return
	}
	c.state = Draining
	c.mu.Unlock()

	n := 0
	for {
		c.mu.Lock()
		if len(c.held) == 0 {
			c.state = Off
			c.mu.Unlock()
			break
		}
		h := c.pop()
		c.mu.Unlock()

		c.proc.Process(ctx, h.pdu)
		n++
	}
	c.logger.Info(ctx, "catching disabled", slog.F("released", n))
}

// List returns copies of the held PDUs, oldest first.
func (c *Controller) List() []Caught {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Caught, 0, len(c.held))
	for _, h := range c.held {
		out = append(out, Caught{ID: h.id, PDU: h.pdu.Copy()})
	}
	return out
}

// Get returns a copy of the held PDU id.
func (c *Controller) Get(id uint64) (*pdu.PDU, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.held {
		if h.id == id {
			return h.pdu.Copy(), true
		}
	}
	return nil, false
}

// Forward releases the oldest held PDU, which must be id. A non-nil edited
// replaces its content but keeps its connection and chain position.
func (c *Controller) Forward(ctx context.Context, id uint64, edited *pdu.PDU) error {
	c.release.Lock()
	defer c.release.Unlock()

	c.mu.Lock()
	if err := c.checkHead(id); err != nil {
		c.mu.Unlock()
		return err
	}
	h := c.held[0]
	if edited != nil {
		if edited.Destination != h.pdu.Destination {
			c.mu.Unlock()
			return xerrors.Errorf("forward pdu %d: %w", id, ErrDestinationChanged)
		}
		edited.Proxy = h.pdu.Proxy
		edited.Conn = h.pdu.Conn
		edited.LastInterceptor = h.pdu.LastInterceptor
		h.pdu = edited
	}
	c.pop()
	auto := c.popAuto()
	c.mu.Unlock()

	c.proc.Process(ctx, h.pdu)
	for _, a := range auto {
		c.proc.Process(ctx, a.pdu)
	}
	return nil
}

// Drop discards the oldest held PDU, which must be id.
func (c *Controller) Drop(ctx context.Context, id uint64) error {
	c.release.Lock()
	defer c.release.Unlock()

	c.mu.Lock()
	if err := c.checkHead(id); err != nil {
		c.mu.Unlock()
		return err
	}
	h := c.pop()
	auto := c.popAuto()
	c.mu.Unlock()

	c.logger.Debug(ctx, "held pdu dropped", slog.F("id", h.id), slog.F("size", h.pdu.Size()))
	for _, a := range auto {
		c.proc.Process(ctx, a.pdu)
	}
	return nil
}

// catch decides whether p passes. It holds p and returns false otherwise.
func (c *Controller) catch(ctx context.Context, p *pdu.PDU) bool {
	explicit := p.HasTag(pdu.TagCatch)
	if p.HasTag(pdu.TagNoCatchSkip) && !explicit {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Off {
		return true
	}
	auto := p.HasTag(pdu.TagNoCatch) && !explicit
	if auto && c.state == On && len(c.held) == 0 {
		return true
	}
	c.nextID++
	c.held = append(c.held, &held{id: c.nextID, pdu: p, auto: auto})
	c.logger.Debug(ctx, "pdu caught", slog.F("id", c.nextID), slog.F("destination", p.Destination))
	return false
}

func (c *Controller) checkHead(id uint64) error {
	if len(c.held) > 0 && c.held[0].id == id {
		return nil
	}
	for _, h := range c.held {
		if h.id == id {
			return xerrors.Errorf("pdu %d: %w", id, ErrOutOfOrder)
		}
	}
	return xerrors.Errorf("pdu %d: %w", id, ErrNotHeld)
}

func (c *Controller) pop() *held {
	h := c.held[0]
	c.held[0] = nil
	c.held = c.held[1:]
	return h
}

// popAuto takes the leading run of PDUs that need no review.
func (c *Controller) popAuto() []*held {
	var out []*held
	for len(c.held) > 0 && c.held[0].auto {
		out = append(out, c.pop())
	}
	return out
}

// Interceptor is one catcher in a chain. Several may share a Controller.
type Interceptor struct {
	code string
	ctl  *Controller
}

var _ intercept.Holder = (*Interceptor)(nil)

func New(code string, ctl *Controller) *Interceptor {
	return &Interceptor{code: code, ctl: ctl}
}

func (i *Interceptor) Code() string { return i.code }

func (*Interceptor) Prepare(context.Context) error { return nil }

func (i *Interceptor) Intercept(ctx context.Context, p *pdu.PDU) bool {
	return i.ctl.catch(ctx, p)
}

func (*Interceptor) Holds() {}

func (*Interceptor) Stop() {}
