package proxy

import (
	"context"
	"net"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
)

// Processor receives every PDU a proxy reads. intercept.Dispatcher is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, p *pdu.PDU)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(ctx context.Context, p *pdu.PDU)

func (f ProcessorFunc) Process(ctx context.Context, p *pdu.PDU) { f(ctx, p) }

// Proxy terminates one side of a protocol and manages its connections.
type Proxy interface {
	Code() string
	// Type is the factory name, such as "tcp" or "http".
	Type() string

	// Prepare builds everything that can fail before binding, such as TLS
	// material.
	Prepare(ctx context.Context) error
	// Start binds the listener and starts accepting.
	Start(ctx context.Context) error
	// Stop closes the listener and then stops every connection, returning
	// once all of them are done.
	Stop(ctx context.Context) error

	// Supports reports whether p belongs to this proxy.
	Supports(p *pdu.PDU) bool
	Connections() *conn.Manager
	Serializer() Serializer

	// Addr is the bound listener address, nil before Start.
	Addr() net.Addr
}
