package tcp

import (
	"bufio"
	"context"
	"io"

	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
)

// Codec turns the two byte streams of a connection into PDUs. A new
// Session is created for every connection.
type Codec interface {
	NewSession() Session
}

// Session holds the per-connection codec state. ReadPDU is called from the
// reader of each side and WritePDU from the writer of each side, so a
// session shared by both directions must synchronize its own state.
type Session interface {
	// ReadPDU reads the next PDU traveling toward dst.
	ReadPDU(ctx context.Context, dst pdu.Destination, r *bufio.Reader) (*pdu.PDU, error)
	WritePDU(ctx context.Context, w io.Writer, p *pdu.PDU) error
}

// RawCodec emits whatever a single read returns, up to the buffer size.
type RawCodec struct {
	kind    pdu.Kind
	charset pdu.Charset
	pool    *proxy.BufferPool
}

func NewRawCodec(kind pdu.Kind, cfg proxy.Config) *RawCodec {
	cfg = cfg.WithDefaults()
	return &RawCodec{kind: kind, charset: cfg.Charset, pool: proxy.NewBufferPool(cfg.BufferSize)}
}

func (c *RawCodec) NewSession() Session { return c }

func (c *RawCodec) ReadPDU(_ context.Context, dst pdu.Destination, r *bufio.Reader) (*pdu.PDU, error) {
	data, err := c.pool.ReadPDUData(r)
	if err != nil {
		return nil, err
	}
	p := pdu.New(c.kind, dst, data)
	p.Charset = c.charset
	return p, nil
}

func (c *RawCodec) WritePDU(_ context.Context, w io.Writer, p *pdu.PDU) error {
	if p.Size() == 0 {
		return nil
	}
	if _, err := w.Write(p.Bytes()); err != nil {
		return xerrors.Errorf("write: %w", err)
	}
	return nil
}
