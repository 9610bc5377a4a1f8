//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT enabled. The
// process needs CAP_NET_ADMIN, and redirect rules are still required.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
				return
			}
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// OriginalDst returns the destination a redirected IPv4 TCP connection was
// originally addressed to.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, false
	}

	var (
		dst   netip.AddrPort
		found bool
	)
	_ = rc.Control(func(fd uintptr) {
		// The kernel returns a sockaddr_in; IPv6Mreq is merely a 20 byte
		// buffer large enough to hold it.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		raw := mreq.Multiaddr
		if binary.LittleEndian.Uint16(raw[0:2]) != unix.AF_INET {
			return
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
		dst = netip.AddrPortFrom(addr, port)
		found = true
	})
	return dst, found
}
