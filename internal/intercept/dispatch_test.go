package intercept_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/intercept"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/testutil"
)

type idleConn struct{ *conn.Base }

func (c *idleConn) Start(ctx context.Context) error {
	return c.Base.Start(ctx, []conn.Task{{Name: "idle", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}})
}

type fakeProxy struct {
	code  string
	kind  pdu.Kind
	conns *conn.Manager
}

func (p *fakeProxy) Code() string { return p.code }

func (p *fakeProxy) Supports(x *pdu.PDU) bool { return x.Kind == p.kind }

func (p *fakeProxy) Connections() *conn.Manager { return p.conns }

func newFakeProxy(t *testing.T) (*fakeProxy, *idleConn) {
	t.Helper()

	m := conn.NewManager(conn.ManagerOptions{Logger: testutil.Logger(t)})
	c := &idleConn{Base: conn.NewBase(m.NextCode(), conn.BaseOptions{Logger: testutil.Logger(t)})}
	c.OnStop(func() { m.Remove(c) })
	require.NoError(t, c.Start(context.Background()))
	require.True(t, m.Add(c))
	t.Cleanup(c.Stop)

	return &fakeProxy{code: "tcp", kind: pdu.KindTCP, conns: m}, c
}

func resolverFor(p *fakeProxy) intercept.Resolver {
	return func(code string) (intercept.Target, bool) {
		if code != p.code {
			return nil, false
		}
		return p, true
	}
}

// recorder appends its code to the PDU data; drop makes it reject.
type recorder struct {
	code  string
	drop  bool
	calls atomic.Int32
}

func (r *recorder) Code() string { return r.code }

func (r *recorder) Prepare(context.Context) error { return nil }

func (r *recorder) Stop() {}

func (r *recorder) Intercept(_ context.Context, p *pdu.PDU) bool {
	r.calls.Add(1)
	p.SetData(append(append([]byte(nil), p.Bytes()...), r.code...))
	return !r.drop
}

type counter struct {
	forwarded, dropped, injected atomic.Int32
	lastDrop                     atomic.Value
}

func (c *counter) Forwarded(*pdu.PDU) { c.forwarded.Add(1) }
func (c *counter) Injected(*pdu.PDU)  { c.injected.Add(1) }
func (c *counter) Dropped(_ *pdu.PDU, ic string) {
	c.dropped.Add(1)
	c.lastDrop.Store(ic)
}

func take(t *testing.T, q *pdu.Queue) *pdu.PDU {
	t.Helper()
	p, ok := q.Take(testutil.Context(t))
	require.True(t, ok)
	return p
}

func TestEmptyChainForwards(t *testing.T) {
	t.Parallel()

	_, c := newFakeProxy(t)
	d := intercept.NewDispatcher(intercept.Options{Logger: testutil.Logger(t)})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte("PING"))
	p.Conn = c
	d.Process(context.Background(), p)

	got := take(t, c.ToServer())
	assert.Equal(t, "PING", string(got.Bytes()))
	assert.Equal(t, 0, c.ToClient().Len())
}

func TestChainOrderAndResume(t *testing.T) {
	t.Parallel()

	_, c := newFakeProxy(t)
	a, b, z := &recorder{code: "a"}, &recorder{code: "b"}, &recorder{code: "z"}
	obs := &counter{}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, a, b),
		ServerToClient: intercept.NewChain(intercept.ServerToClient, z),
		Observer:       obs,
	})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte(">"))
	p.Conn = c
	d.Process(context.Background(), p)
	got := take(t, c.ToServer())
	assert.Equal(t, ">ab", string(got.Bytes()))
	require.NotNil(t, got.LastInterceptor)
	assert.Equal(t, "b", got.LastInterceptor.Code())
	assert.Equal(t, 1, got.LastInterceptor.Index())

	// A PDU that already passed "a" resumes at "b".
	q := pdu.New(pdu.KindTCP, pdu.Server, []byte(">"))
	q.Conn = c
	require.NoError(t, d.ProcessFrom(context.Background(), q, 1))
	assert.Equal(t, ">b", string(take(t, c.ToServer()).Bytes()))

	r := pdu.New(pdu.KindTCP, pdu.Client, []byte("<"))
	r.Conn = c
	d.Process(context.Background(), r)
	assert.Equal(t, "<z", string(take(t, c.ToClient()).Bytes()))

	assert.Equal(t, int32(3), obs.forwarded.Load())
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestDropStopsChain(t *testing.T) {
	t.Parallel()

	_, c := newFakeProxy(t)
	a, b := &recorder{code: "a", drop: true}, &recorder{code: "b"}
	obs := &counter{}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, a, b),
		Observer:       obs,
	})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte("x"))
	p.Conn = c
	d.Process(context.Background(), p)

	assert.Equal(t, int32(0), b.calls.Load())
	assert.Equal(t, 0, c.ToServer().Len())
	assert.Equal(t, int32(1), obs.dropped.Load())
	assert.Equal(t, "a", obs.lastDrop.Load())
}

// keeper holds every PDU it sees.
type keeper struct {
	recorder
	held []*pdu.PDU
}

func (k *keeper) Holds() {}

func (k *keeper) Intercept(_ context.Context, p *pdu.PDU) bool {
	k.calls.Add(1)
	k.held = append(k.held, p)
	return false
}

func TestHeldPDUResumesAfterHolder(t *testing.T) {
	t.Parallel()

	_, c := newFakeProxy(t)
	a, k, b := &recorder{code: "a"}, &keeper{recorder: recorder{code: "k"}}, &recorder{code: "b"}
	obs := &counter{}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, a, k, b),
		Observer:       obs,
	})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte(">"))
	p.Conn = c
	d.Process(context.Background(), p)
	require.Len(t, k.held, 1)
	assert.Equal(t, 0, c.ToServer().Len())
	assert.Equal(t, int32(0), obs.dropped.Load())
	require.NotNil(t, p.LastInterceptor)
	assert.Equal(t, "k", p.LastInterceptor.Code())

	d.Process(context.Background(), k.held[0])
	assert.Equal(t, ">ab", string(take(t, c.ToServer()).Bytes()))
	assert.Equal(t, int32(1), k.calls.Load())
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestPanicIsDrop(t *testing.T) {
	t.Parallel()

	_, c := newFakeProxy(t)
	boom := intercept.Func{Name: "boom", Fn: func(context.Context, *pdu.PDU) bool {
		panic("bad frame")
	}}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, boom),
	})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte("x"))
	p.Conn = c
	require.NotPanics(t, func() { d.Process(context.Background(), p) })
	assert.Equal(t, 0, c.ToServer().Len())
}

func TestProcessFromOutOfRange(t *testing.T) {
	t.Parallel()

	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, &recorder{code: "a"}),
	})
	p := pdu.New(pdu.KindTCP, pdu.Server, nil)
	err := d.ProcessFrom(context.Background(), p, 2)
	require.True(t, xerrors.Is(err, intercept.ErrIndexOutOfRange))
	err = d.ProcessFrom(context.Background(), p, -1)
	require.True(t, xerrors.Is(err, intercept.ErrIndexOutOfRange))
}

func TestInjectValidation(t *testing.T) {
	t.Parallel()

	fp, c := newFakeProxy(t)
	a, b := &recorder{code: "a"}, &recorder{code: "b"}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, a, b),
		Resolve:        resolverFor(fp),
	})

	tests := []struct {
		name string
		inj  intercept.Injection
		want error
	}{
		{
			name: "unknown proxy",
			inj:  intercept.Injection{Proxy: "nope", Connection: c.Code()},
			want: intercept.ErrUnknownProxy,
		},
		{
			name: "unknown connection",
			inj:  intercept.Injection{Proxy: "tcp", Connection: "999"},
			want: intercept.ErrUnknownConnection,
		},
		{
			name: "index past chain",
			inj:  intercept.Injection{Proxy: "tcp", Connection: c.Code(), Index: 3},
			want: intercept.ErrIndexOutOfRange,
		},
		{
			name: "negative index",
			inj:  intercept.Injection{Proxy: "tcp", Connection: c.Code(), Index: -1},
			want: intercept.ErrIndexOutOfRange,
		},
		{
			name: "unknown interceptor",
			inj:  intercept.Injection{Proxy: "tcp", Connection: c.Code(), Interceptor: "zz"},
			want: intercept.ErrUnknownInterceptor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.inj.PDU = pdu.New(pdu.KindTCP, pdu.Server, []byte("x"))
			err := d.Inject(context.Background(), tt.inj)
			require.Error(t, err)
			assert.True(t, xerrors.Is(err, tt.want), err.Error())
			assert.Nil(t, tt.inj.PDU.Conn)
		})
	}

	udp := pdu.New(pdu.KindUDP, pdu.Server, []byte("x"))
	err := d.Inject(context.Background(), intercept.Injection{Proxy: "tcp", Connection: c.Code(), PDU: udp})
	assert.True(t, xerrors.Is(err, intercept.ErrUnsupportedPDU))

	assert.Equal(t, 0, c.ToServer().Len())
	assert.Equal(t, 0, c.ToClient().Len())
	assert.Equal(t, int32(0), a.calls.Load()+b.calls.Load())
}

func TestInjectResume(t *testing.T) {
	t.Parallel()

	fp, c := newFakeProxy(t)
	a, b := &recorder{code: "a"}, &recorder{code: "b"}
	obs := &counter{}
	d := intercept.NewDispatcher(intercept.Options{
		Logger:         testutil.Logger(t),
		ClientToServer: intercept.NewChain(intercept.ClientToServer, a, b),
		Resolve:        resolverFor(fp),
		Observer:       obs,
	})

	p := pdu.New(pdu.KindTCP, pdu.Server, []byte(">"))
	require.NoError(t, d.Inject(context.Background(), intercept.Injection{
		Proxy: "tcp", Connection: c.Code(), Interceptor: "a", PDU: p,
	}))
	got := take(t, c.ToServer())
	assert.Equal(t, ">b", string(got.Bytes()))
	assert.Same(t, fp, got.Proxy)

	p = pdu.New(pdu.KindTCP, pdu.Server, []byte(">"))
	require.NoError(t, d.Inject(context.Background(), intercept.Injection{
		Proxy: "tcp", Connection: c.Code(), Index: 2, PDU: p,
	}))
	assert.Equal(t, ">", string(take(t, c.ToServer()).Bytes()))

	p = pdu.New(pdu.KindTCP, pdu.Server, []byte("raw"))
	require.NoError(t, d.Send(context.Background(), intercept.Injection{
		Proxy: "tcp", Connection: c.Code(), Index: 99, PDU: p,
	}))
	assert.Equal(t, "raw", string(take(t, c.ToServer()).Bytes()))

	assert.Equal(t, int32(0), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, int32(3), obs.injected.Load())
}
