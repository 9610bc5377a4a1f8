package tagger

import (
	"bytes"
	"strings"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/pdu"
)

type predicate func(p *pdu.PDU) bool

// SubruleConfig is one condition of a rule. Fields besides Type and Not
// apply to some types only.
type SubruleConfig struct {
	Type string `yaml:"type"`
	// Not inverts the result.
	Not bool `yaml:"not"`

	// Value is the text of contains, starts_with and ends_with, the tag of
	// has_tag, the proxy code of proxy and the header value searched by
	// header_contains.
	Value string `yaml:"value"`
	// Header names the header of has_header and header_contains.
	Header string `yaml:"header"`
	// Destination is "client" or "server".
	Destination string `yaml:"destination"`
	// Op is one of eq, lt, gt, le, ge; eq by default.
	Op   string `yaml:"op"`
	Size int    `yaml:"size"`
}

func (sc SubruleConfig) compile() (predicate, error) {
	s, err := sc.base()
	if err != nil {
		return nil, err
	}
	if sc.Not {
		return func(p *pdu.PDU) bool { return !s(p) }, nil
	}
	return s, nil
}

func (sc SubruleConfig) base() (predicate, error) {
	switch sc.Type {
	case "contains":
		return textPredicate(sc.Value, bytes.Contains)
	case "starts_with":
		return textPredicate(sc.Value, bytes.HasPrefix)
	case "ends_with":
		return textPredicate(sc.Value, bytes.HasSuffix)
	case "destination":
		dst, err := pdu.ParseDestination(sc.Destination)
		if err != nil {
			return nil, err
		}
		return func(p *pdu.PDU) bool { return p.Destination == dst }, nil
	case "size":
		return sizePredicate(sc.Op, sc.Size)
	case "has_tag":
		if sc.Value == "" {
			return nil, xerrors.New("has_tag: no tag")
		}
		return func(p *pdu.PDU) bool { return p.HasTag(sc.Value) }, nil
	case "proxy":
		return func(p *pdu.PDU) bool { return p.Proxy != nil && p.Proxy.Code() == sc.Value }, nil
	case "is_http":
		return func(p *pdu.PDU) bool { return p.Kind == pdu.KindHTTP }, nil
	case "is_websocket":
		return func(p *pdu.PDU) bool { return p.Kind == pdu.KindWebSocket }, nil
	case "has_header":
		if sc.Header == "" {
			return nil, xerrors.New("has_header: no header")
		}
		return func(p *pdu.PDU) bool {
			h := httpcodec.HeadersOf(p)
			return h != nil && h.Has(sc.Header)
		}, nil
	case "header_contains":
		if sc.Header == "" {
			return nil, xerrors.New("header_contains: no header")
		}
		return func(p *pdu.PDU) bool {
			h := httpcodec.HeadersOf(p)
			if h == nil {
				return false
			}
			v, ok := h.Get(sc.Header)
			return ok && strings.Contains(v, sc.Value)
		}, nil
	default:
		return nil, xerrors.Errorf("unknown subrule type %q", sc.Type)
	}
}

// textPredicate matches the payload against value encoded in the PDU
// charset.
func textPredicate(value string, match func(b, sub []byte) bool) (predicate, error) {
	if value == "" {
		return nil, xerrors.New("empty value")
	}
	return func(p *pdu.PDU) bool {
		want, err := p.Charset.Encode(value)
		if err != nil {
			return false
		}
		return match(p.Bytes(), want)
	}, nil
}

func sizePredicate(op string, size int) (predicate, error) {
	var cmp func(n int) bool
	switch op {
	case "", "eq":
		cmp = func(n int) bool { return n == size }
	case "lt":
		cmp = func(n int) bool { return n < size }
	case "gt":
		cmp = func(n int) bool { return n > size }
	case "le":
		cmp = func(n int) bool { return n <= size }
	case "ge":
		cmp = func(n int) bool { return n >= size }
	default:
		return nil, xerrors.Errorf("size: unknown op %q", op)
	}
	return func(p *pdu.PDU) bool { return cmp(p.Size()) }, nil
}
