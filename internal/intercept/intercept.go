// Package intercept runs PDUs through the per-direction interceptor chains
// and hands them to their connection afterwards. It also validates PDUs that
// re-enter the pipeline from outside, such as replays or crafted traffic.
package intercept

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// Interceptor is one step of a chain.
type Interceptor interface {
	Code() string
	Prepare(ctx context.Context) error
	// Intercept inspects and may modify p in place. Returning false drops p.
	// It runs on the goroutine that delivered p and must not block for long.
	Intercept(ctx context.Context, p *pdu.PDU) bool
	Stop()
}

// Holder is an Interceptor whose false result keeps the PDU for a later
// Dispatcher.Process instead of dropping it. p.LastInterceptor points at the
// holder before Intercept is called, and the dispatcher does not touch p
// after a false result.
type Holder interface {
	Interceptor
	Holds()
}

// Func adapts a function to an Interceptor with no lifecycle.
type Func struct {
	Name string
	Fn   func(ctx context.Context, p *pdu.PDU) bool
}

func (f Func) Code() string { return f.Name }

func (Func) Prepare(context.Context) error { return nil }

func (f Func) Intercept(ctx context.Context, p *pdu.PDU) bool {
	return f.Fn(ctx, p)
}

func (Func) Stop() {}

// Direction selects a chain.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "c2s"
	}
	return "s2c"
}

// DirectionOf returns the chain a PDU travelling toward dst goes through.
func DirectionOf(dst pdu.Destination) Direction {
	if dst == pdu.Server {
		return ClientToServer
	}
	return ServerToClient
}

type entry struct {
	Interceptor
	index int
	dir   Direction
}

func (e *entry) Index() int { return e.index }

// Chain is an ordered list of interceptors. It is not modified after
// construction.
type Chain struct {
	dir     Direction
	entries []*entry
}

func NewChain(dir Direction, interceptors ...Interceptor) *Chain {
	c := &Chain{dir: dir, entries: make([]*entry, 0, len(interceptors))}
	for i, ic := range interceptors {
		c.entries = append(c.entries, &entry{Interceptor: ic, index: i, dir: dir})
	}
	return c
}

func (c *Chain) Direction() Direction { return c.dir }

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// At returns the interceptor at index i.
func (c *Chain) At(i int) Interceptor {
	return c.entries[i].Interceptor
}

// IndexOf returns the position of the interceptor with code, or -1.
func (c *Chain) IndexOf(code string) int {
	for _, e := range c.entries {
		if e.Code() == code {
			return e.index
		}
	}
	return -1
}

// Interceptors returns the chain members in order.
func (c *Chain) Interceptors() []Interceptor {
	out := make([]Interceptor, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Interceptor)
	}
	return out
}

func (c *Chain) Prepare(ctx context.Context) error {
	for _, e := range c.entries {
		if err := e.Prepare(ctx); err != nil {
			return xerrors.Errorf("prepare interceptor %s: %w", e.Code(), err)
		}
	}
	return nil
}

func (c *Chain) Stop() {
	for _, e := range c.entries {
		e.Stop()
	}
}
