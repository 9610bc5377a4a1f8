package conn

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// ErrAlreadyStarted is returned by Start on a connection that left Created.
var ErrAlreadyStarted = xerrors.New("connection already started")

// State is the lifecycle position of a connection.
type State int32

const (
	Created State = iota
	Started
	Closing
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Closing:
		return "closing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Connection is one peer session under a proxy.
type Connection interface {
	pdu.ConnRef
	Start(ctx context.Context) error
	// Stop tears the connection down and waits until it is done. Only the
	// first call does the work. It must not be called from the connection's
	// own tasks; use StopAsync there.
	Stop()
	StopAsync()
	State() State
	Done() <-chan struct{}
}

// Task is one worker goroutine of a connection. The first task to return
// schedules the connection for teardown.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type BaseOptions struct {
	Logger slog.Logger
	// CloseDelay is how long the watchdog waits after the first task exits
	// before stopping, giving the remaining direction time to flush.
	CloseDelay time.Duration
}

// Base is the runner composed into every connection type. It owns the queue
// toward each side, the tasks and the stop sequence.
type Base struct {
	code       string
	logger     slog.Logger
	closeDelay time.Duration

	toClient *pdu.Queue
	toServer *pdu.Queue

	state atomic.Int32

	mu      sync.Mutex
	closers []io.Closer
	onStop  []func()
	cancel  context.CancelFunc

	wg       sync.WaitGroup
	exited   chan struct{}
	exitOnce sync.Once
	watchdog chan struct{}
	done     chan struct{}
}

func NewBase(code string, opts BaseOptions) *Base {
	return &Base{
		code:       code,
		logger:     opts.Logger.With(slog.F("conn", code)),
		closeDelay: opts.CloseDelay,
		toClient:   pdu.NewQueue(),
		toServer:   pdu.NewQueue(),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (b *Base) Code() string { return b.code }

func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) Logger() slog.Logger { return b.logger }

// Done is closed once the stop sequence finished.
func (b *Base) Done() <-chan struct{} { return b.done }

// ToClient is the queue drained by the writer toward the client.
func (b *Base) ToClient() *pdu.Queue { return b.toClient }

// ToServer is the queue drained by the writer toward the server.
func (b *Base) ToServer() *pdu.Queue { return b.toServer }

// Send queues p toward its destination. The caller gives up p.
func (b *Base) Send(p *pdu.PDU) {
	if p.Destination == pdu.Server {
		b.toServer.Add(p)
		return
	}
	b.toClient.Add(p)
}

// Track registers c to be closed by Stop.
func (b *Base) Track(c io.Closer) {
	b.mu.Lock()
	b.closers = append(b.closers, c)
	b.mu.Unlock()
}

// OnStop registers fn to run once after the connection is torn down and
// before Done is closed.
func (b *Base) OnStop(fn func()) {
	b.mu.Lock()
	b.onStop = append(b.onStop, fn)
	b.mu.Unlock()
}

// Start runs tasks and the watchdog. closers are tracked as with Track.
//
// The state flips to Started under mu, together with the fields Stop reads,
// so a concurrent Stop sees either a Created connection or a fully started
// one.
func (b *Base) Start(ctx context.Context, tasks []Task, closers ...io.Closer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CompareAndSwap(int32(Created), int32(Started)) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.closers = append(b.closers, closers...)
	b.watchdog = make(chan struct{})

	for _, t := range tasks {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.exitOnce.Do(func() { close(b.exited) })

			err := t.Run(ctx)
			if err != nil && b.State() == Started && !isClosedErr(err) {
				b.logger.Debug(ctx, "task ended", slog.F("task", t.Name), slog.Error(err))
			}
		}()
	}

	go b.watch(ctx)
	return nil
}

func (b *Base) watch(ctx context.Context) {
	defer close(b.watchdog)

	select {
	case <-b.exited:
		if b.closeDelay > 0 {
			t := time.NewTimer(b.closeDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			t.Stop()
		}
	case <-ctx.Done():
	}
	b.stop(true)
}

// Stop tears the connection down. Concurrent and repeated calls are safe;
// every caller returns after the teardown finished.
func (b *Base) Stop() {
	b.stop(false)
}

// StopAsync starts Stop in a new goroutine.
func (b *Base) StopAsync() {
	go b.stop(false)
}

func (b *Base) stop(fromWatchdog bool) {
	started := b.state.CompareAndSwap(int32(Started), int32(Closing))
	if !started && !b.state.CompareAndSwap(int32(Created), int32(Closing)) {
		<-b.done
		return
	}

	b.mu.Lock()
	cancel := b.cancel
	closers := b.closers
	watchdog := b.watchdog
	b.closers = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.toServer.Close()
	b.toClient.Close()

	for _, c := range closers {
		if err := c.Close(); err != nil && !isClosedErr(err) {
			b.logger.Debug(context.Background(), "close", slog.Error(err))
		}
	}

	b.wg.Wait()

	b.mu.Lock()
	hooks := b.onStop
	b.onStop = nil
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	b.state.Store(int32(Stopped))
	close(b.done)

	if started && !fromWatchdog && watchdog != nil {
		<-watchdog
	}
}

func isClosedErr(err error) bool {
	return xerrors.Is(err, net.ErrClosed) || xerrors.Is(err, io.EOF) || xerrors.Is(err, context.Canceled)
}
