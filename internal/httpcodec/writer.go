package httpcodec

import (
	"io"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// AppendHead appends the start line and header block of p to b. Nothing is
// appended for body continuations. Content-Length, when present, is
// rewritten to the PDU size unless the response has no body.
func AppendHead(b []byte, p *pdu.PDU) []byte {
	var (
		h      *Headers
		keepCL bool
	)
	switch ext := p.Ext.(type) {
	case *Request:
		if ext.Version == "" {
			return b
		}
		b = append(b, ext.Method...)
		b = append(b, ' ')
		b = append(b, ext.Path...)
		b = append(b, ' ')
		b = append(b, ext.Version...)
		h = &ext.Headers
	case *Response:
		if ext.Version == "" {
			return b
		}
		b = append(b, ext.Version...)
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(ext.StatusCode), 10)
		if ext.StatusMessage != "" {
			b = append(b, ' ')
			b = append(b, ext.StatusMessage...)
		}
		h = &ext.Headers
		keepCL = ext.NoBody || BodylessStatus(ext.StatusCode)
	default:
		return b
	}
	b = append(b, "\r\n"...)

	for _, f := range h.list {
		b = append(b, f.Name...)
		b = append(b, ": "...)
		if f.Name == "Content-Length" && !keepCL {
			b = strconv.AppendInt(b, int64(p.Size()), 10)
		} else {
			b = append(b, f.Value...)
		}
		b = append(b, "\r\n"...)
	}
	return append(b, "\r\n"...)
}

// AppendBody appends the body of p, chunk framed when p is tagged chunk or
// last_chunk. A last_chunk PDU also appends the terminating zero chunk.
func AppendBody(b []byte, p *pdu.PDU) []byte {
	data := p.Bytes()
	chunk, last := p.HasTag(pdu.TagChunk), p.HasTag(pdu.TagLastChunk)
	if !chunk && !last {
		return append(b, data...)
	}

	if len(data) > 0 {
		b = strconv.AppendInt(b, int64(len(data)), 16)
		b = append(b, "\r\n"...)
		b = append(b, data...)
		b = append(b, "\r\n"...)
	}
	if last {
		b = append(b, "0\r\n\r\n"...)
	}
	return b
}

// WritePDU writes p, an HTTP request or response PDU, to w in one write.
func WritePDU(w io.Writer, p *pdu.PDU) error {
	b := make([]byte, 0, 256+p.Size())
	b = AppendHead(b, p)
	b = AppendBody(b, p)
	if _, err := w.Write(b); err != nil {
		return xerrors.Errorf("write http: %w", err)
	}
	return nil
}
