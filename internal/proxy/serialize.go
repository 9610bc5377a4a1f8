package proxy

import (
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// Serialized is the external form of a PDU, as exchanged with history
// storage or the control API. Only a proxy's Serializer interprets
// Metadata.
type Serialized struct {
	Proxy       string            `json:"proxy"`
	Connection  string            `json:"connection"`
	Interceptor string            `json:"interceptor,omitempty"`
	Destination pdu.Destination   `json:"destination"`
	Buffer      []byte            `json:"buffer"`
	Charset     string            `json:"charset,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Serializer converts the protocol specific part of a PDU to and from the
// metadata map.
type Serializer interface {
	Metadata(p *pdu.PDU) map[string]string
	// Build returns a PDU of the serializer's protocol carrying data and
	// the fields stored in metadata.
	Build(dst pdu.Destination, data []byte, metadata map[string]string) (*pdu.PDU, error)
}

// Serialize renders p with the metadata of its proxy.
func Serialize(p *pdu.PDU, s Serializer) Serialized {
	out := Serialized{
		Destination: p.Destination,
		Buffer:      append([]byte(nil), p.Bytes()...),
		Charset:     p.Charset.Name(),
		Tags:        p.Tags(),
	}
	if p.Proxy != nil {
		out.Proxy = p.Proxy.Code()
	}
	if p.Conn != nil {
		out.Connection = p.Conn.Code()
	}
	if p.LastInterceptor != nil {
		out.Interceptor = p.LastInterceptor.Code()
	}
	if s != nil {
		out.Metadata = s.Metadata(p)
	}
	return out
}

// Deserialize builds a PDU from its external form. References to proxy,
// connection and interceptor are resolved by the caller.
func Deserialize(in Serialized, s Serializer) (*pdu.PDU, error) {
	if s == nil {
		return nil, xerrors.Errorf("deserialize pdu for %q: no serializer", in.Proxy)
	}
	p, err := s.Build(in.Destination, append([]byte(nil), in.Buffer...), in.Metadata)
	if err != nil {
		return nil, xerrors.Errorf("deserialize pdu for %q: %w", in.Proxy, err)
	}
	if in.Charset != "" {
		cs, err := pdu.LookupCharset(in.Charset)
		if err != nil {
			return nil, xerrors.Errorf("deserialize pdu for %q: %w", in.Proxy, err)
		}
		p.Charset = cs
	}
	for _, t := range in.Tags {
		p.AddTag(t)
	}
	return p, nil
}

// RawSerializer serves protocols without structured fields.
type RawSerializer struct {
	Kind    pdu.Kind
	Charset pdu.Charset
}

func (RawSerializer) Metadata(*pdu.PDU) map[string]string { return nil }

func (s RawSerializer) Build(dst pdu.Destination, data []byte, _ map[string]string) (*pdu.PDU, error) {
	p := pdu.New(s.Kind, dst, data)
	p.Charset = s.Charset
	return p, nil
}
