package pdu

import (
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// ErrSizeOutOfRange is returned when a size does not fit the buffer it is
// paired with.
var ErrSizeOutOfRange = xerrors.New("pdu size out of range")

// Destination is the side a PDU travels toward.
type Destination int

const (
	Client Destination = iota
	Server
)

func (d Destination) String() string {
	switch d {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// ParseDestination parses "client" or "server", case-insensitively.
func ParseDestination(s string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return Client, nil
	case "server":
		return Server, nil
	default:
		return 0, xerrors.Errorf("invalid destination: %q", s)
	}
}

func (d Destination) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Destination) UnmarshalText(b []byte) error {
	v, err := ParseDestination(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Kind identifies the protocol family a PDU belongs to.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindUDP       Kind = "udp"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

// Well-known tags.
const (
	TagChunk      = "chunk"
	TagLastChunk  = "last_chunk"
	TagStartTLS   = "starttls"
	TagDrop       = "drop"
	TagNoTagger   = "no_tagger"
	TagNoModifier = "no_modifier"
	// TagTagger and TagModifier override TagNoTagger and TagNoModifier.
	TagTagger   = "tagger"
	TagModifier = "modifier"

	TagCatch       = "catch"
	TagNoCatch     = "no_catch"
	TagNoCatchSkip = "no_catch_skip"
)

// Extension carries protocol specific fields of a PDU, such as a parsed HTTP
// head or a WebSocket frame header.
type Extension interface {
	Clone() Extension
}

// ProxyRef is the non-owning reference a PDU keeps to its proxy.
type ProxyRef interface {
	Code() string
}

// ConnRef is the non-owning reference a PDU keeps to its connection.
type ConnRef interface {
	Code() string
	// Send queues p toward p.Destination. The caller gives up p.
	Send(p *PDU)
}

// InterceptorRef identifies an interceptor by code and chain position.
type InterceptorRef interface {
	Code() string
	Index() int
}

type payload struct {
	buf  []byte
	size int
}

// PDU is one discrete chunk of intercepted traffic.
type PDU struct {
	Kind        Kind
	Destination Destination
	Charset     Charset
	Ext         Extension

	Proxy ProxyRef
	Conn  ConnRef
	// LastInterceptor is nil until the PDU passed its first interceptor.
	LastInterceptor InterceptorRef

	data atomic.Pointer[payload]
	tags map[string]struct{}
}

// New returns a PDU holding data. The PDU owns data from now on.
func New(kind Kind, dst Destination, data []byte) *PDU {
	p := &PDU{Kind: kind, Destination: dst, Charset: DefaultCharset}
	p.data.Store(&payload{buf: data, size: len(data)})
	return p
}

// Buffer returns the whole backing buffer, which may be longer than Size.
func (p *PDU) Buffer() []byte {
	return p.load().buf
}

// Size returns the logical length of the data.
func (p *PDU) Size() int {
	return p.load().size
}

// Bytes returns the logical data, Buffer()[:Size()].
func (p *PDU) Bytes() []byte {
	d := p.load()
	return d.buf[:d.size]
}

// SetBuffer replaces the buffer and size together.
func (p *PDU) SetBuffer(buf []byte, size int) error {
	if size < 0 || size > len(buf) {
		return xerrors.Errorf("size %d, buffer %d: %w", size, len(buf), ErrSizeOutOfRange)
	}
	p.data.Store(&payload{buf: buf, size: size})
	return nil
}

// SetData replaces the data with b.
func (p *PDU) SetData(b []byte) {
	p.data.Store(&payload{buf: b, size: len(b)})
}

// Resize grows the backing buffer to at least n bytes, keeping the data.
func (p *PDU) Resize(n int) {
	d := p.load()
	if n <= len(d.buf) {
		return
	}
	buf := make([]byte, n)
	copy(buf, d.buf[:d.size])
	p.data.Store(&payload{buf: buf, size: d.size})
}

func (p *PDU) load() *payload {
	if d := p.data.Load(); d != nil {
		return d
	}
	return &payload{}
}

func (p *PDU) AddTag(tag string) {
	if p.tags == nil {
		p.tags = make(map[string]struct{})
	}
	p.tags[tag] = struct{}{}
}

func (p *PDU) RemoveTag(tag string) {
	delete(p.tags, tag)
}

func (p *PDU) HasTag(tag string) bool {
	_, ok := p.tags[tag]
	return ok
}

// Tags returns the tags in sorted order.
func (p *PDU) Tags() []string {
	out := make([]string, 0, len(p.tags))
	for t := range p.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Copy returns a deep copy of p sharing only the back references.
func (p *PDU) Copy() *PDU {
	data := append([]byte(nil), p.Bytes()...)
	c := New(p.Kind, p.Destination, data)
	c.Charset = p.Charset
	c.Proxy = p.Proxy
	c.Conn = p.Conn
	c.LastInterceptor = p.LastInterceptor
	if p.Ext != nil {
		c.Ext = p.Ext.Clone()
	}
	for t := range p.tags {
		c.AddTag(t)
	}
	return c
}
