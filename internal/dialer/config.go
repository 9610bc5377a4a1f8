package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds the upstream proxy handshake.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
