package httpproxy_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/httpproxy"
	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/tcp"
	"github.com/die-net/wiretap/internal/testutil"
	"github.com/die-net/wiretap/internal/wscodec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startProxy(t *testing.T, ctx context.Context, target string, c2s, s2c []intercept.Interceptor) *tcp.Proxy {
	t.Helper()

	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, c2s...),
		ServerToClient: intercept.NewChain(intercept.ServerToClient, s2c...),
	})
	p := httpproxy.New(httpproxy.Options{
		Config:    proxy.Config{Code: "http", Listen: "127.0.0.1:0", Target: target, CloseDelay: 10 * time.Millisecond},
		Logger:    testutil.Logger(t),
		Processor: d,
	})
	require.NoError(t, p.Prepare(ctx))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func dial(t *testing.T, ctx context.Context, p *tcp.Proxy) (net.Conn, *bufio.Reader) {
	t.Helper()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", p.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(testutil.WaitShort)))
	return c, bufio.NewReader(c)
}

func TestRequestsAndResponses(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Header().Set("X-Seen", r.Header.Get("X-Wiretap"))
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(backend.Close)

	methods := make(chan string, 4)
	p := startProxy(t, ctx, backend.Listener.Addr().String(),
		[]intercept.Interceptor{intercept.Func{Name: "mark", Fn: func(_ context.Context, p *pdu.PDU) bool {
			if req := httpcodec.RequestOf(p); req != nil && req.Version != "" {
				methods <- req.Method
				req.Headers.Set("X-Wiretap", "1")
			}
			return true
		}}},
		nil,
	)
	c, br := dial(t, ctx, p)

	// HEAD is answered with a Content-Length but no body; the following
	// GET on the same connection must still parse.
	_, err := fmt.Fprintf(c, "HEAD / HTTP/1.1\r\nHost: backend\r\n\r\nGET / HTTP/1.1\r\nHost: backend\r\n\r\n")
	require.NoError(t, err)

	head, err := http.ReadResponse(br, &http.Request{Method: http.MethodHead})
	require.NoError(t, err)
	require.NoError(t, head.Body.Close())
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Equal(t, "1", head.Header.Get("X-Seen"))
	assert.EqualValues(t, 5, head.ContentLength, "HEAD keeps the length of the body it omits")

	get, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	require.NoError(t, err)
	body, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	assert.Equal(t, "HEAD", testutil.RequireReceive(ctx, t, methods))
	assert.Equal(t, "GET", testutil.RequireReceive(ctx, t, methods))
}

func TestWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t)
	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = c.SetDeadline(time.Now().Add(testutil.WaitShort))
		if _, err := ws.Upgrade(c); err != nil {
			return
		}
		for {
			f, err := ws.ReadFrame(c)
			if err != nil {
				return
			}
			if f.Header.OpCode == ws.OpClose {
				return
			}
			if f.Header.Masked {
				ws.Cipher(f.Payload, f.Header.Mask, 0)
			}
			if err := ws.WriteFrame(c, ws.NewFrame(f.Header.OpCode, true, f.Payload)); err != nil {
				return
			}
		}
	})
	t.Cleanup(wait)

	frames := make(chan *wscodec.Frame, 4)
	extensions := make(chan bool, 1)
	p := startProxy(t, ctx, ln.Addr().String(),
		[]intercept.Interceptor{intercept.Func{Name: "spy", Fn: func(_ context.Context, p *pdu.PDU) bool {
			if req := httpcodec.RequestOf(p); req != nil && req.Version != "" {
				extensions <- req.Headers.Has("Sec-WebSocket-Extensions")
			}
			if f := wscodec.FrameOf(p); f != nil {
				frames <- f
			}
			return true
		}}},
		nil,
	)
	c, br := dial(t, ctx, p)

	_, err := fmt.Fprintf(c, "GET /chat HTTP/1.1\r\nHost: backend\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n"+
		"Sec-WebSocket-Extensions: permessage-deflate\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.False(t, testutil.RequireReceive(ctx, t, extensions))

	for _, msg := range []string{"PING", "second message"} {
		f := ws.MaskFrame(ws.NewTextFrame([]byte(msg)))
		require.NoError(t, ws.WriteFrame(c, f))

		got, err := ws.ReadFrame(br)
		require.NoError(t, err)
		assert.Equal(t, ws.OpText, got.Header.OpCode)
		assert.False(t, got.Header.Masked)
		assert.Equal(t, msg, string(got.Payload))

		seen := testutil.RequireReceive(ctx, t, frames)
		assert.True(t, seen.Masked)
		assert.Equal(t, ws.OpText, seen.OpCode)
	}

	require.NoError(t, ws.WriteFrame(c, ws.MaskFrame(ws.NewCloseFrame(nil))))
}

func TestSupports(t *testing.T) {
	t.Parallel()

	p := httpproxy.New(httpproxy.Options{Logger: testutil.Logger(t)})
	assert.Equal(t, "http", p.Type())
	assert.True(t, p.Supports(pdu.New(pdu.KindHTTP, pdu.Server, nil)))
	assert.True(t, p.Supports(pdu.New(pdu.KindWebSocket, pdu.Server, nil)))
	assert.False(t, p.Supports(pdu.New(pdu.KindTCP, pdu.Server, nil)))
}

func TestSerializer(t *testing.T) {
	t.Parallel()

	s := httpproxy.Serializer{Charset: pdu.DefaultCharset}

	t.Run("request", func(t *testing.T) {
		t.Parallel()

		p := pdu.New(pdu.KindHTTP, pdu.Server, []byte("a=1"))
		req := &httpcodec.Request{Method: "POST", Path: "/form", Version: "HTTP/1.1"}
		req.Headers.Add("Host", "example.com")
		req.Headers.Add("Content-Type", "application/x-www-form-urlencoded")
		p.Ext = req

		out := proxy.Serialize(p, s)
		assert.Equal(t, map[string]string{
			"method":              "POST",
			"path":                "/form",
			"version":             "HTTP/1.1",
			"header.Host":         "example.com",
			"header.Content-Type": "application/x-www-form-urlencoded",
		}, out.Metadata)

		back, err := proxy.Deserialize(out, s)
		require.NoError(t, err)
		got := httpcodec.RequestOf(back)
		require.NotNil(t, got)
		assert.Equal(t, "POST", got.Method)
		assert.Equal(t, "/form", got.Path)
		assert.Equal(t, []httpcodec.Header{
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
			{Name: "Host", Value: "example.com"},
		}, got.Headers.All())
		assert.Equal(t, "a=1", string(back.Bytes()))
	})

	t.Run("response", func(t *testing.T) {
		t.Parallel()

		back, err := s.Build(pdu.Client, []byte("nope"), map[string]string{
			"version": "HTTP/1.0",
			"status":  "404",
			"message": "Not Found",
		})
		require.NoError(t, err)
		resp := httpcodec.ResponseOf(back)
		require.NotNil(t, resp)
		assert.Equal(t, 404, resp.StatusCode)
		assert.Equal(t, "Not Found", resp.StatusMessage)
		assert.Equal(t, "HTTP/1.0", s.Metadata(back)["version"])
	})

	t.Run("response without body", func(t *testing.T) {
		t.Parallel()

		md := map[string]string{"version": "HTTP/1.1", "status": "200", "message": "OK", "no_body": "true", "header.Content-Length": "1234"}
		back, err := s.Build(pdu.Client, nil, md)
		require.NoError(t, err)
		assert.True(t, httpcodec.ResponseOf(back).NoBody)
		assert.Equal(t, md, s.Metadata(back))

		var buf bytes.Buffer
		require.NoError(t, httpcodec.WritePDU(&buf, back))
		assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n", buf.String())
	})

	t.Run("continuation", func(t *testing.T) {
		t.Parallel()

		back, err := s.Build(pdu.Client, []byte("more"), nil)
		require.NoError(t, err)
		assert.True(t, httpcodec.IsContinuation(back))
	})

	t.Run("websocket", func(t *testing.T) {
		t.Parallel()

		p := wscodec.NewPDU(pdu.Server, wscodec.Frame{Fin: true, Rsv1: true, OpCode: ws.OpText, Masked: true, Mask: [4]byte{1, 2, 3, 4}}, []byte("hi"))
		md := s.Metadata(p)
		assert.Equal(t, map[string]string{
			"fin": "true", "rsv1": "true", "rsv2": "false", "rsv3": "false",
			"opcode": "1", "masked": "true", "mask": "01020304",
		}, md)

		back, err := s.Build(pdu.Server, []byte("hi"), md)
		require.NoError(t, err)
		assert.Equal(t, pdu.KindWebSocket, back.Kind)
		assert.Equal(t, wscodec.FrameOf(p), wscodec.FrameOf(back))
		assert.True(t, back.Charset.Equal(pdu.UTF8))
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()

		for _, md := range []map[string]string{
			{"version": "HTTP/1.1", "method": "GET"},
			{"opcode": "x"},
			{"opcode": "2", "fin": "maybe"},
			{"opcode": "2", "mask": "0102"},
		} {
			_, err := s.Build(pdu.Server, nil, md)
			assert.Error(t, err, "%v", md)
		}
		_, err := s.Build(pdu.Client, nil, map[string]string{"version": "HTTP/1.1", "status": "abc"})
		assert.Error(t, err)
	})
}
