package dialer

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/wiretap/internal/testutil"
)

// serveCONNECT answers one CONNECT request with reply, then relays to the
// requested target when the reply is 2xx. The request is sent on reqs.
func serveCONNECT(reqs chan<- *http.Request, reply string) func(net.Conn) {
	return func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		reqs <- req

		if _, err := io.WriteString(c, reply); err != nil || reply[9] != '2' {
			return
		}

		var d net.Dialer
		dst, err := d.Dial("tcp", req.Host)
		if err != nil {
			return
		}
		defer dst.Close()
		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.Close()
		}()
		_, _ = io.Copy(c, dst)
	}
}

func TestHTTPProxyDialer(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t)
	echo := testutil.StartEchoTCPServer(t, ctx)

	reqs := make(chan *http.Request, 1)
	up, wait := testutil.StartSingleAcceptServer(t, ctx, serveCONNECT(reqs, "HTTP/1.1 200 Connection Established\r\n\r\n"))

	d, err := NewHTTPProxyDialer(Config{DialTimeout: time.Second, NegotiationTimeout: time.Second},
		&url.URL{Scheme: "http", Host: up.Addr().String()}, "user", "pass")
	require.NoError(t, err)

	c, err := d.DialContext(ctx, "tcp", echo.Addr().String())
	require.NoError(t, err)

	req := testutil.RequireReceive(ctx, t, reqs)
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, echo.Addr().String(), req.Host)
	assert.Equal(t, "Basic dXNlcjpwYXNz", req.Header.Get("Proxy-Authorization"))

	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()
	wait()
}

// Bytes the proxy sends right behind its reply must not be lost.
func TestHTTPProxyDialerBufferedBytes(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t)
	up, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\nbanner")
	})

	d, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: up.Addr().String()}, "", "")
	require.NoError(t, err)

	c, err := d.DialContext(ctx, "tcp", "example.com:25")
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, len("banner"))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "banner", string(buf))
	wait()
}

func TestHTTPProxyDialerRefused(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t)
	reqs := make(chan *http.Request, 1)
	up, wait := testutil.StartSingleAcceptServer(t, ctx, serveCONNECT(reqs, "HTTP/1.1 403 Forbidden\r\n\r\n"))

	d, err := NewHTTPProxyDialer(Config{DialTimeout: time.Second}, &url.URL{Scheme: "http", Host: up.Addr().String()}, "", "")
	require.NoError(t, err)

	_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Empty(t, testutil.RequireReceive(ctx, t, reqs).Header.Get("Proxy-Authorization"))
	wait()
}

func TestHTTPProxyDialerRejects(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPProxyDialer(Config{}, nil, "", "")
	require.Error(t, err)
	_, err = NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "ftp", Host: "proxy.example:21"}, "", "")
	require.Error(t, err)

	d, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: "proxy.example:80"}, "", "")
	require.NoError(t, err)
	_, err = d.DialContext(testutil.Context(t), "udp", "example.com:53")
	require.Error(t, err)
}
