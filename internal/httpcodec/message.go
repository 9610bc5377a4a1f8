package httpcodec

import (
	"github.com/die-net/wiretap/internal/pdu"
)

// Request is the head of an HTTP request PDU. Version is empty on body
// continuations, which carry neither a request line nor headers.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers Headers
}

func (r *Request) Clone() pdu.Extension {
	c := *r
	c.Headers = r.Headers.Clone()
	return &c
}

// Response is the head of an HTTP response PDU. Version is empty on body
// continuations.
type Response struct {
	Version       string
	StatusCode    int
	StatusMessage string
	Headers       Headers
	// NoBody marks a response that never carries a body whatever its
	// framing headers say: the answer to a HEAD request or a bodyless
	// status. Its Content-Length is written unchanged.
	NoBody bool
}

func (r *Response) Clone() pdu.Extension {
	c := *r
	c.Headers = r.Headers.Clone()
	return &c
}

func RequestOf(p *pdu.PDU) *Request {
	r, _ := p.Ext.(*Request)
	return r
}

func ResponseOf(p *pdu.PDU) *Response {
	r, _ := p.Ext.(*Response)
	return r
}

// HeadersOf returns the headers of an HTTP PDU, or nil for other PDUs.
func HeadersOf(p *pdu.PDU) *Headers {
	switch ext := p.Ext.(type) {
	case *Request:
		return &ext.Headers
	case *Response:
		return &ext.Headers
	default:
		return nil
	}
}

// IsContinuation reports whether p is a body part following the PDU that
// carried the message head.
func IsContinuation(p *pdu.PDU) bool {
	switch ext := p.Ext.(type) {
	case *Request:
		return ext.Version == ""
	case *Response:
		return ext.Version == ""
	default:
		return false
	}
}

// BodylessStatus reports whether a response with status never has a body.
func BodylessStatus(status int) bool {
	return status/100 == 1 || status == 204 || status == 304
}
