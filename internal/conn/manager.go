package conn

import (
	"context"
	"net/netip"
	"sort"
	"strconv"
	"sync"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// Listener observes connections entering and leaving a Manager.
type Listener interface {
	ConnectionStarted(c Connection)
	ConnectionStopped(c Connection)
}

type ManagerOptions struct {
	Logger    slog.Logger
	Listeners []Listener
}

// Manager is the registry of live connections of one proxy. A code maps to
// at most one connection at a time.
type Manager struct {
	logger    slog.Logger
	listeners []Listener

	mu    sync.Mutex
	next  uint64
	conns map[string]Connection

	group singleflight.Group
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		logger:    opts.Logger,
		listeners: opts.Listeners,
		conns:     make(map[string]Connection),
	}
}

// NextCode returns the next sequential code. The first code is "1".
func (m *Manager) NextCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return strconv.FormatUint(m.next, 10)
}

// AddrCode derives the code of a connectionless peer from its address.
func AddrCode(ap netip.AddrPort) string {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}

// Add registers c. It fails if the code is taken or c is already closing.
func (m *Manager) Add(c Connection) bool {
	m.mu.Lock()
	if _, ok := m.conns[c.Code()]; ok || c.State() >= Closing {
		m.mu.Unlock()
		return false
	}
	m.conns[c.Code()] = c
	m.mu.Unlock()

	for _, l := range m.listeners {
		l.ConnectionStarted(c)
	}
	return true
}

func (m *Manager) Get(code string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[code]
	return c, ok
}

// Remove deregisters c if c itself is the connection mapped to its code.
func (m *Manager) Remove(c Connection) bool {
	m.mu.Lock()
	cur, ok := m.conns[c.Code()]
	if !ok || cur != c {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, c.Code())
	m.mu.Unlock()

	for _, l := range m.listeners {
		l.ConnectionStopped(c)
	}
	return true
}

// GetOrCreate returns the live connection for code or registers the one
// returned by create. create runs at most once per code at a time and must
// return a started connection.
func (m *Manager) GetOrCreate(code string, create func() (Connection, error)) (Connection, error) {
	if c, ok := m.Get(code); ok {
		return c, nil
	}

	v, err, _ := m.group.Do(code, func() (any, error) {
		if c, ok := m.Get(code); ok {
			return c, nil
		}
		c, err := create()
		if err != nil {
			return nil, err
		}
		if !m.Add(c) {
			c.Stop()
			return nil, xerrors.Errorf("register connection %s: closed before registration", code)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connection), nil
}

// List returns a snapshot of the live connections ordered by code.
func (m *Manager) List() []Connection {
	m.mu.Lock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return codeLess(out[i].Code(), out[j].Code())
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Stop stops every live connection and waits for all of them.
func (m *Manager) Stop(ctx context.Context) error {
	conns := m.List()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Stop()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return xerrors.Errorf("stop %d connections: %w", len(conns), ctx.Err())
	}

	m.mu.Lock()
	clear(m.conns)
	m.mu.Unlock()

	if len(conns) > 0 {
		m.logger.Debug(ctx, "stopped connections", slog.F("count", len(conns)))
	}
	return nil
}

func codeLess(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
