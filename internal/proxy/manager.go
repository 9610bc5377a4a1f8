package proxy

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Manager owns a set of proxies with unique codes.
type Manager struct {
	logger  slog.Logger
	proxies []Proxy
	byCode  map[string]Proxy
}

func NewManager(logger slog.Logger, proxies ...Proxy) (*Manager, error) {
	m := &Manager{logger: logger, byCode: make(map[string]Proxy, len(proxies))}
	for _, p := range proxies {
		if _, ok := m.byCode[p.Code()]; ok {
			return nil, xerrors.Errorf("duplicate proxy code %q", p.Code())
		}
		m.byCode[p.Code()] = p
		m.proxies = append(m.proxies, p)
	}
	return m, nil
}

func (m *Manager) Get(code string) (Proxy, bool) {
	p, ok := m.byCode[code]
	return p, ok
}

// List returns the proxies in configuration order.
func (m *Manager) List() []Proxy {
	return append([]Proxy(nil), m.proxies...)
}

func (m *Manager) Prepare(ctx context.Context) error {
	for _, p := range m.proxies {
		if err := p.Prepare(ctx); err != nil {
			return xerrors.Errorf("prepare proxy %s: %w", p.Code(), err)
		}
	}
	return nil
}

// Start starts every proxy in order. When one fails, the ones already
// started are stopped again.
func (m *Manager) Start(ctx context.Context) error {
	for i, p := range m.proxies {
		if err := p.Start(ctx); err != nil {
			started := &Manager{logger: m.logger, proxies: m.proxies[:i]}
			if serr := started.Stop(context.WithoutCancel(ctx)); serr != nil {
				m.logger.Error(ctx, "stop after failed start", slog.Error(serr))
			}
			return xerrors.Errorf("start proxy %s: %w", p.Code(), err)
		}
		m.logger.Info(ctx, "proxy started",
			slog.F("proxy", p.Code()),
			slog.F("type", p.Type()),
			slog.F("addr", p.Addr()),
		)
	}
	return nil
}

// Stop stops all proxies concurrently and waits for them.
func (m *Manager) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range m.proxies {
		g.Go(func() error {
			if err := p.Stop(ctx); err != nil {
				return xerrors.Errorf("stop proxy %s: %w", p.Code(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
