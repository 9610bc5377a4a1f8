// Package tlsfactory builds the listening and dialing sockets of a proxy,
// plain or wrapped in TLS.
package tlsfactory

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/dialer"
	"github.com/die-net/wiretap/internal/proxy"
)

// Config is the TLS setup of one side.
type Config struct {
	// MinVersion is "TLSv1", "TLSv1.1", "TLSv1.2" or "TLSv1.3".
	MinVersion string    `yaml:"min_version"`
	Keystore   *Keystore `yaml:"keystore"`
	// TrustStore is a PEM bundle of trusted CA certificates.
	TrustStore string `yaml:"trust_store"`
	// ServerName overrides the SNI and verification name of the client
	// side.
	ServerName string `yaml:"server_name"`
}

var versions = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// ParseVersion maps a protocol name to its crypto/tls constant. The empty
// string is TLS 1.2.
func ParseVersion(s string) (uint16, error) {
	if s == "" {
		return tls.VersionTLS12, nil
	}
	v, ok := versions[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, xerrors.Errorf("unknown tls version %q", s)
	}
	return v, nil
}

type Options struct {
	Logger slog.Logger
	// Trust is used for sides without a trust store. Nil selects
	// TrustEveryone.
	Trust TrustPolicy
	// Dialer opens the raw socket toward the server. Nil dials directly.
	Dialer    dialer.Dialer
	KeepAlive net.KeepAliveConfig
	// StartTLS prepares both sides but keeps Listen and Dial plain; the
	// caller upgrades with Server and Client.
	StartTLS bool
}

// Factory hands out sockets for one proxy. A nil side Config means that
// side is plain, unless StartTLS is set.
type Factory struct {
	server, client *Config
	opts           Options

	serverTLS *tls.Config
	clientTLS *tls.Config
}

func New(server, client *Config, opts Options) *Factory {
	if opts.Dialer == nil {
		opts.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: opts.KeepAlive})
	}
	if opts.StartTLS {
		if server == nil {
			server = &Config{}
		}
		if client == nil {
			client = &Config{}
		}
	}
	return &Factory{server: server, client: client, opts: opts}
}

// Prepare loads keystores and trust stores. Errors here are fatal to the
// proxy.
func (f *Factory) Prepare(_ context.Context) error {
	if f.server != nil {
		cfg, err := f.build(f.server, ServerSide)
		if err != nil {
			return err
		}
		f.serverTLS = cfg
	}
	if f.client != nil {
		cfg, err := f.build(f.client, ClientSide)
		if err != nil {
			return err
		}
		f.clientTLS = cfg
	}
	return nil
}

func (f *Factory) build(c *Config, side Side) (*tls.Config, error) {
	minVersion, err := ParseVersion(c.MinVersion)
	if err != nil {
		return nil, xerrors.Errorf("%s tls: %w", side, err)
	}
	cfg := &tls.Config{MinVersion: minVersion, ServerName: c.ServerName}

	switch {
	case c.Keystore != nil:
		cert, err := c.Keystore.Load()
		if err != nil {
			return nil, xerrors.Errorf("%s tls: %w", side, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case side == ServerSide:
		cert, err := SelfSigned("localhost", "127.0.0.1", "::1")
		if err != nil {
			return nil, xerrors.Errorf("%s tls: %w", side, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
		f.opts.Logger.Warn(context.Background(), "no keystore configured, using a generated self-signed certificate")
	}

	if c.TrustStore != "" {
		if _, explicit := f.opts.Trust.(TrustEveryone); explicit {
			return nil, xerrors.Errorf("%s tls: trust store %s conflicts with trust-everyone", side, c.TrustStore)
		}
		pool, err := LoadTrustStore(c.TrustStore)
		if err != nil {
			return nil, xerrors.Errorf("%s tls: %w", side, err)
		}
		pool.Apply(cfg, side)
		return cfg, nil
	}

	trust := f.opts.Trust
	if trust == nil {
		trust = TrustEveryone{}
	}
	if _, ok := trust.(TrustEveryone); ok && side == ClientSide {
		f.opts.Logger.Warn(context.Background(), "server certificates are not verified")
	}
	trust.Apply(cfg, side)
	return cfg, nil
}

// ServerTLS is the prepared server side config, nil when plain.
func (f *Factory) ServerTLS() *tls.Config { return f.serverTLS }

// ClientTLS is the prepared client side config, nil when plain.
func (f *Factory) ClientTLS() *tls.Config { return f.clientTLS }

// Listen binds addr and wraps accepted sockets in TLS when the server side
// is configured.
func (f *Factory) Listen(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := proxy.ListenTCP(ctx, "tcp", addr, f.opts.KeepAlive)
	if err != nil {
		return nil, err
	}
	return f.WrapListener(ln), nil
}

// WrapListener applies the server side to an already bound listener.
func (f *Factory) WrapListener(ln net.Listener) net.Listener {
	if f.serverTLS == nil || f.opts.StartTLS {
		return ln
	}
	return tls.NewListener(ln, f.serverTLS)
}

// Dial connects to addr and completes the TLS handshake when the client side
// is configured.
func (f *Factory) Dial(ctx context.Context, addr string) (net.Conn, error) {
	c, err := f.opts.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if f.clientTLS == nil || f.opts.StartTLS {
		return c, nil
	}

	tc := f.Client(c, addr)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, xerrors.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tc, nil
}

// Server wraps c as the TLS server side. The handshake runs on first use.
func (f *Factory) Server(c net.Conn) *tls.Conn {
	return tls.Server(c, f.serverConfig())
}

// Client wraps c as the TLS client side toward addr.
func (f *Factory) Client(c net.Conn, addr string) *tls.Conn {
	cfg := f.clientConfig()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	return tls.Client(c, cfg)
}

func (f *Factory) serverConfig() *tls.Config {
	if f.serverTLS != nil {
		return f.serverTLS
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (f *Factory) clientConfig() *tls.Config {
	if f.clientTLS != nil {
		return f.clientTLS
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	TrustEveryone{}.Apply(cfg, ClientSide)
	return cfg
}
