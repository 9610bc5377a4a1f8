//go:build !linux

package tproxy

import (
	"context"
	"net"
	"net/netip"

	"golang.org/x/xerrors"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

func ListenTransparentTCP(_ context.Context, _ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, xerrors.New("transparent proxy is only supported on linux")
}

func OriginalDst(_ net.Conn) (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}
