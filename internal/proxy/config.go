package proxy

import (
	"net"
	"time"

	"github.com/die-net/wiretap/internal/pdu"
)

const (
	DefaultBufferSize = 4096
	DefaultCloseDelay = 500 * time.Millisecond
)

// Config is shared by every proxy type.
type Config struct {
	Code string
	// Listen is the local address clients connect to.
	Listen string
	// Target is the address of the real server.
	Target string

	BufferSize int
	Charset    pdu.Charset
	CloseDelay time.Duration

	KeepAlive net.KeepAliveConfig
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.CloseDelay < 0 {
		c.CloseDelay = 0
	}
	return c
}
