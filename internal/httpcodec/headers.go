package httpcodec

import (
	"net/textproto"
	"strings"
)

// Header is one header field.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list with canonical, unique names. Values of
// repeated fields are joined with ", ".
type Headers struct {
	list []Header
}

// CanonicalName returns the canonical form of a header name, such as
// "Content-Type" for "content-type".
func CanonicalName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
}

func (h *Headers) index(name string) int {
	name = CanonicalName(name)
	for i := range h.list {
		if h.list[i].Name == name {
			return i
		}
	}
	return -1
}

func (h *Headers) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.list[i].Value, true
	}
	return "", false
}

func (h *Headers) Has(name string) bool {
	return h.index(name) >= 0
}

// Add appends a field, joining the value onto an existing field of the same
// name.
func (h *Headers) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		h.list[i].Value += ", " + value
		return
	}
	h.list = append(h.list, Header{Name: CanonicalName(name), Value: value})
}

// Set replaces the value of name, keeping its position, or appends it.
func (h *Headers) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.list[i].Value = value
		return
	}
	h.list = append(h.list, Header{Name: CanonicalName(name), Value: value})
}

// Del removes name and reports whether it was present.
func (h *Headers) Del(name string) bool {
	i := h.index(name)
	if i < 0 {
		return false
	}
	h.list = append(h.list[:i], h.list[i+1:]...)
	return true
}

func (h *Headers) Len() int { return len(h.list) }

// All returns a copy of the fields in order.
func (h *Headers) All() []Header {
	return append([]Header(nil), h.list...)
}

func (h *Headers) Clone() Headers {
	return Headers{list: h.All()}
}

// HasToken reports whether the comma separated value of name contains
// token, case-insensitively.
func (h *Headers) HasToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	for _, t := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}
