package pdu

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/xerrors"
)

// Charset is a named text encoding used to render and build PDU text.
type Charset struct {
	name string
	enc  encoding.Encoding
}

var (
	UTF8     = Charset{name: "UTF-8", enc: unicode.UTF8}
	ISO88591 = Charset{name: "ISO-8859-1", enc: charmap.ISO8859_1}

	// DefaultCharset is used when a proxy does not configure one.
	DefaultCharset = ISO88591
)

// LookupCharset resolves an IANA charset name or alias.
func LookupCharset(name string) (Charset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Charset{}, xerrors.New("empty charset name")
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return Charset{}, xerrors.Errorf("charset %q: %w", name, err)
	}
	if enc == nil {
		return Charset{}, xerrors.Errorf("charset %q: unsupported", name)
	}
	canonical, err := ianaindex.MIME.Name(enc)
	if err != nil {
		canonical, err = ianaindex.IANA.Name(enc)
		if err != nil {
			canonical = name
		}
	}
	return Charset{name: canonical, enc: enc}, nil
}

// Name returns the canonical name, or the default charset's name for the zero
// value.
func (c Charset) Name() string {
	if c.enc == nil {
		return DefaultCharset.name
	}
	return c.name
}

func (c Charset) String() string {
	return c.Name()
}

func (c Charset) encoding() encoding.Encoding {
	if c.enc == nil {
		return DefaultCharset.enc
	}
	return c.enc
}

// Decode converts b from the charset to a Go string.
func (c Charset) Decode(b []byte) (string, error) {
	out, err := c.encoding().NewDecoder().Bytes(b)
	if err != nil {
		return "", xerrors.Errorf("decode %s: %w", c.Name(), err)
	}
	return string(out), nil
}

// Encode converts s to bytes in the charset.
func (c Charset) Encode(s string) ([]byte, error) {
	out, err := c.encoding().NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, xerrors.Errorf("encode %s: %w", c.Name(), err)
	}
	return out, nil
}

// Equal reports whether both charsets have the same name.
func (c Charset) Equal(o Charset) bool {
	return strings.EqualFold(c.Name(), o.Name())
}
