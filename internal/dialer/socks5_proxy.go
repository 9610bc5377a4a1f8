package dialer

import (
	"context"
	"net"
	"strings"

	"github.com/txthinking/socks5"
	"golang.org/x/xerrors"
)

// SOCKS5ProxyDialer dials TCP through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	user      string
	pass      string
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) Dialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, user: user, pass: pass}
}

// DialContext connects to address through the proxy. The library client has
// no context support, so a canceled ctx is only honored before dialing and
// through the configured timeouts.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, xerrors.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	tcpTimeout := 0
	if f.cfg.DialTimeout > 0 {
		tcpTimeout = int(f.cfg.DialTimeout.Seconds())
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(f.proxyAddr, f.user, f.pass, tcpTimeout, 0)
	if err != nil {
		return nil, xerrors.Errorf("socks5 proxy init: %w", err)
	}

	c, err := client.Dial("tcp", address)
	if err != nil {
		return nil, xerrors.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}
