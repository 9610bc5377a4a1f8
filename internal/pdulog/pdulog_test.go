package pdulog_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/httpproxy"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/pdulog"
	"github.com/die-net/wiretap/internal/proxy"
	"github.com/die-net/wiretap/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// lumberjack leaves its mill goroutine running after Close.
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).mill.func1"),
	)
}

type fakeProxy struct{ s proxy.Serializer }

func (fakeProxy) Code() string                   { return "web" }
func (f fakeProxy) Serializer() proxy.Serializer { return f.s }

type fakeConn string

func (c fakeConn) Code() string { return string(c) }
func (fakeConn) Send(*pdu.PDU)  {}

func readLog(t *testing.T, cfg pdulog.Config, pdus ...*pdu.PDU) string {
	t.Helper()

	l, err := pdulog.New("log", cfg, testutil.Logger(t))
	require.NoError(t, err)
	require.NoError(t, l.Prepare(context.Background()))
	for _, p := range pdus {
		require.True(t, l.Intercept(context.Background(), p))
	}
	l.Stop()
	l.Stop()

	b, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	return string(b)
}

func TestHexRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pdus.log")

	raw := pdu.New(pdu.KindTCP, pdu.Server, []byte("PING"))
	raw.Conn = fakeConn("7")
	raw.AddTag("b")
	raw.AddTag("a")

	req := pdu.New(pdu.KindHTTP, pdu.Server, nil)
	req.Ext = &httpcodec.Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}
	req.Proxy = fakeProxy{s: httpproxy.Serializer{}}

	out := readLog(t, pdulog.Config{Path: path}, raw, req)

	assert.Contains(t, out, "proxy=- conn=7 dst=server size=4 charset=ISO-8859-1 tags=a,b\n")
	assert.Contains(t, out, hex.Dump([]byte("PING")))
	assert.Contains(t, out, `proxy=web conn=- dst=server size=0 charset=ISO-8859-1 method="GET" path="/" version="HTTP/1.1"`+"\n")

	// The intercepted PDU is left untouched.
	assert.Equal(t, "PING", string(raw.Bytes()))
}

func TestTextRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pdus.log")
	p := pdu.New(pdu.KindTCP, pdu.Client, []byte{'c', 'a', 'f', 0xe9})
	p.Charset = pdu.ISO88591

	out := readLog(t, pdulog.Config{Path: path, Format: pdulog.FormatText}, p)
	assert.Contains(t, out, "dst=client size=4")
	assert.Contains(t, out, "\ncafé\n")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := pdulog.New("log", pdulog.Config{}, testutil.Logger(t))
	assert.Error(t, err)
	_, err = pdulog.New("log", pdulog.Config{Path: "x", Format: "json"}, testutil.Logger(t))
	assert.Error(t, err)

	l, err := pdulog.New("log", pdulog.Config{Path: filepath.Join(t.TempDir(), "x")}, testutil.Logger(t))
	require.NoError(t, err)
	l.Stop()
}
