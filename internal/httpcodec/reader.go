package httpcodec

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

var (
	// ErrMalformed is returned for start lines, headers or chunk framing
	// that cannot be parsed.
	ErrMalformed = xerrors.New("malformed http message")
	// ErrLineTooLong is returned when a head line exceeds MaxLineLength.
	ErrLineTooLong = xerrors.New("http line too long")
)

// MaxLineLength bounds a start line, header line or chunk size line.
const MaxLineLength = 64 << 10

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
)

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	// MaxBody caps the body bytes carried by one PDU.
	MaxBody int
	// Charset is used when Content-Type names none.
	Charset pdu.Charset
	// SkipBody is called for every response head; returning true means
	// the response has no body regardless of its framing headers. Responses
	// with a bodyless status never have one.
	SkipBody func(*Response) bool
}

// Reader turns one direction of an HTTP/1.x stream into PDUs. A message
// whose body exceeds MaxBody is emitted as a head PDU followed by body
// continuations.
type Reader struct {
	r        *bufio.Reader
	dst      pdu.Destination
	requests bool
	opts     ReaderOptions

	mode      bodyMode
	remaining int64
	split     bool
	chunkLeft int64
	charset   pdu.Charset
}

// NewRequestReader reads requests, destined to the server.
func NewRequestReader(r *bufio.Reader, opts ReaderOptions) *Reader {
	return newReader(r, pdu.Server, true, opts)
}

// NewResponseReader reads responses, destined to the client.
func NewResponseReader(r *bufio.Reader, opts ReaderOptions) *Reader {
	return newReader(r, pdu.Client, false, opts)
}

func newReader(r *bufio.Reader, dst pdu.Destination, requests bool, opts ReaderOptions) *Reader {
	if opts.MaxBody <= 0 {
		opts.MaxBody = 4096
	}
	return &Reader{r: r, dst: dst, requests: requests, opts: opts}
}

// InBody reports whether the next PDU continues a message body.
func (r *Reader) InBody() bool {
	return r.mode != bodyNone
}

// Buffered returns the underlying reader, for switching protocols mid
// stream.
func (r *Reader) Buffered() *bufio.Reader { return r.r }

// ReadPDU returns the next PDU. io.EOF means the peer closed between
// messages.
func (r *Reader) ReadPDU() (*pdu.PDU, error) {
	if r.mode != bodyNone {
		p := pdu.New(pdu.KindHTTP, r.dst, nil)
		if r.requests {
			p.Ext = &Request{}
		} else {
			p.Ext = &Response{}
		}
		p.Charset = r.charset
		if err := r.readBody(p); err != nil {
			return nil, err
		}
		return p, nil
	}

	p := pdu.New(pdu.KindHTTP, r.dst, nil)
	var h *Headers
	if r.requests {
		req, err := r.readRequestLine()
		if err != nil {
			return nil, err
		}
		p.Ext = req
		h = &req.Headers
	} else {
		resp, err := r.readStatusLine()
		if err != nil {
			return nil, err
		}
		p.Ext = resp
		h = &resp.Headers
	}

	if err := r.readHeaders(h); err != nil {
		return nil, err
	}
	r.charset = r.charsetOf(h)
	p.Charset = r.charset

	if err := r.startBody(p, h); err != nil {
		return nil, err
	}
	if r.mode != bodyNone {
		if err := r.readBody(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.r.ReadSlice('\n')
		if sb.Len()+len(chunk) > MaxLineLength {
			return "", ErrLineTooLong
		}
		sb.Write(chunk)
		switch {
		case err == nil:
			line := sb.String()
			line = strings.TrimSuffix(line, "\n")
			return strings.TrimSuffix(line, "\r"), nil
		case xerrors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
}

// readStartLine skips empty lines before a message.
func (r *Reader) readStartLine() (string, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

func (r *Reader) readRequestLine() (*Request, error) {
	line, err := r.readStartLine()
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	path, version, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || version == "" {
		return nil, xerrors.Errorf("request line %q: %w", line, ErrMalformed)
	}
	return &Request{Method: method, Path: path, Version: version}, nil
}

func (r *Reader) readStatusLine() (*Response, error) {
	line, err := r.readStartLine()
	if err != nil {
		return nil, err
	}
	version, rest, ok := strings.Cut(line, " ")
	code, message, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if !ok || version == "" || err != nil || status < 100 || status > 999 {
		return nil, xerrors.Errorf("status line %q: %w", line, ErrMalformed)
	}
	return &Response{Version: version, StatusCode: status, StatusMessage: message}, nil
}

func (r *Reader) readHeaders(h *Headers) error {
	var last string
	for {
		line, err := r.readLine()
		if err != nil {
			return eofInMessage(err)
		}
		if line == "" {
			return nil
		}

		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			v, _ := h.Get(last)
			h.Set(last, v+" "+strings.TrimSpace(line))
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return xerrors.Errorf("header line %q: %w", line, ErrMalformed)
		}
		last = CanonicalName(name)
		h.Add(last, strings.TrimSpace(value))
	}
}

func (r *Reader) charsetOf(h *Headers) pdu.Charset {
	ct, ok := h.Get("Content-Type")
	if !ok {
		return r.opts.Charset
	}
	i := strings.Index(strings.ToLower(ct), "charset=")
	if i < 0 {
		return r.opts.Charset
	}
	name := ct[i+len("charset="):]
	if j := strings.IndexByte(name, ';'); j >= 0 {
		name = name[:j]
	}
	cs, err := pdu.LookupCharset(strings.Trim(strings.TrimSpace(name), `"`))
	if err != nil {
		return r.opts.Charset
	}
	return cs
}

func (r *Reader) startBody(p *pdu.PDU, h *Headers) error {
	r.mode = bodyNone
	r.split = false

	if resp := ResponseOf(p); resp != nil {
		skip := r.opts.SkipBody != nil && r.opts.SkipBody(resp)
		if skip || BodylessStatus(resp.StatusCode) {
			resp.NoBody = true
			return nil
		}
	}

	if h.HasToken("Transfer-Encoding", "chunked") {
		h.Del("Content-Length")
		r.mode = bodyChunked
		r.chunkLeft = 0
		return nil
	}

	v, ok := h.Get("Content-Length")
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return xerrors.Errorf("content-length %q: %w", v, ErrMalformed)
	}
	if n == 0 {
		return nil
	}

	r.mode = bodyLength
	r.remaining = n
	if n > int64(r.opts.MaxBody) {
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
		r.split = true
	}
	return nil
}

func (r *Reader) readBody(p *pdu.PDU) error {
	switch r.mode {
	case bodyLength:
		return r.readLengthBody(p)
	case bodyChunked:
		return r.readChunkedBody(p)
	default:
		return nil
	}
}

func (r *Reader) readLengthBody(p *pdu.PDU) error {
	n := min(r.remaining, int64(r.opts.MaxBody))
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return xerrors.Errorf("read body: %w", eofInMessage(err))
	}
	p.SetData(buf)

	r.remaining -= n
	if r.remaining == 0 {
		r.mode = bodyNone
	}
	if r.split {
		if r.mode == bodyNone {
			p.AddTag(pdu.TagLastChunk)
		} else {
			p.AddTag(pdu.TagChunk)
		}
	}
	return nil
}

// readChunkedBody collects chunk payloads into one PDU of at most MaxBody
// bytes. The zero chunk ends the body; trailers are consumed.
func (r *Reader) readChunkedBody(p *pdu.PDU) error {
	buf := make([]byte, 0, r.opts.MaxBody)
	for len(buf) < r.opts.MaxBody {
		if r.chunkLeft == 0 {
			size, err := r.readChunkSize()
			if err != nil {
				return err
			}
			if size == 0 {
				if err := r.readTrailers(); err != nil {
					return err
				}
				p.SetData(buf)
				p.AddTag(pdu.TagLastChunk)
				r.mode = bodyNone
				return nil
			}
			r.chunkLeft = size
		}

		n := min(r.chunkLeft, int64(r.opts.MaxBody-len(buf)))
		start := len(buf)
		buf = buf[:start+int(n)]
		if _, err := io.ReadFull(r.r, buf[start:]); err != nil {
			return xerrors.Errorf("read chunk: %w", eofInMessage(err))
		}
		r.chunkLeft -= n
		if r.chunkLeft == 0 {
			line, err := r.readLine()
			if err != nil {
				return xerrors.Errorf("read chunk end: %w", eofInMessage(err))
			}
			if line != "" {
				return xerrors.Errorf("chunk not terminated by CRLF: %w", ErrMalformed)
			}
		}
	}

	p.SetData(buf)
	p.AddTag(pdu.TagChunk)
	return nil
}

func (r *Reader) readChunkSize() (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, xerrors.Errorf("read chunk size: %w", eofInMessage(err))
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return 0, xerrors.Errorf("chunk size %q: %w", line, ErrMalformed)
	}
	return size, nil
}

func (r *Reader) readTrailers() error {
	for {
		line, err := r.readLine()
		if err != nil {
			return xerrors.Errorf("read trailers: %w", eofInMessage(err))
		}
		if line == "" {
			return nil
		}
	}
}

func eofInMessage(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
