package tcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// replayConn reads from r before falling through to the connection, so
// bytes consumed while looking for a handshake are seen again by TLS.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// isClientHello reports whether p starts with a TLS handshake record.
func isClientHello(p *pdu.PDU) bool {
	b := p.Bytes()
	return len(b) >= 2 && b[0] == 0x16 && b[1] == 0x03
}

func isUpgradeMarker(p *pdu.PDU) bool {
	return p.Size() == 0 && p.HasTag(pdu.TagStartTLS)
}

// upgradeClient switches the client side to TLS. The bytes of hello are
// replayed into the handshake, and an empty PDU tagged starttls is sent
// toward the server so its writer upgrades the server side in order.
// Returns the reader over the TLS connection.
func (c *Conn) upgradeClient(ctx context.Context, hello *pdu.PDU, br *bufio.Reader) *bufio.Reader {
	c.Logger().Debug(ctx, "client started tls")
	c.upgrade.client = true

	marker := pdu.New(c.proxy.kind, pdu.Server, nil)
	marker.Charset = c.proxy.cfg.Charset
	marker.AddTag(pdu.TagStartTLS)
	c.process(ctx, marker)

	c.mu.Lock()
	plain := c.client
	tc := c.proxy.tls.Server(&replayConn{Conn: plain, r: io.MultiReader(bytes.NewReader(hello.Bytes()), br)})
	c.client = tc
	c.mu.Unlock()

	return bufio.NewReaderSize(tc, c.readBufferSize())
}

// tlsUpgrade is the STARTTLS state of a connection. On the server side it
// coordinates the writer, which performs the upgrade,
// with the server reader, which has to stop reading plain bytes first.
type tlsUpgrade struct {
	// client is only touched by the client reader.
	client bool

	active atomic.Bool
	done   atomic.Bool
	ack    chan *bufio.Reader
	resume chan *bufio.Reader
}

func newTLSUpgrade() *tlsUpgrade {
	return &tlsUpgrade{
		ack:    make(chan *bufio.Reader),
		resume: make(chan *bufio.Reader),
	}
}

// pausing reports whether err is the read deadline set by the writer to
// interrupt the reader.
func (u *tlsUpgrade) pausing(err error) bool {
	return u.active.Load() && xerrors.Is(err, os.ErrDeadlineExceeded)
}

// handOver gives the plain reader to the writer and waits for the reader
// over the upgraded connection.
func (u *tlsUpgrade) handOver(ctx context.Context, br *bufio.Reader) (*bufio.Reader, error) {
	select {
	case u.ack <- br:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case next := <-u.resume:
		return next, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) upgradeServer(ctx context.Context) error {
	u := c.upgrade
	if u.done.Load() {
		return nil
	}

	plain := c.serverConn()
	u.active.Store(true)
	_ = plain.SetReadDeadline(time.Now())

	var br *bufio.Reader
	select {
	case br = <-u.ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	u.active.Store(false)
	u.done.Store(true)
	_ = plain.SetReadDeadline(time.Time{})

	tc := c.proxy.tls.Client(&replayConn{Conn: plain, r: br}, c.target)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Logger().Debug(ctx, "server tls handshake failed", slog.Error(err))
		return xerrors.Errorf("starttls handshake with %s: %w", c.target, err)
	}

	c.mu.Lock()
	c.server = tc
	c.mu.Unlock()
	c.Logger().Debug(ctx, "server upgraded to tls")

	select {
	case u.resume <- bufio.NewReaderSize(tc, c.readBufferSize()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
