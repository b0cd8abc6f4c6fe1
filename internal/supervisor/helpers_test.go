package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/wire"
	"github.com/loykin/sidekick/internal/worker"
)

// fakeWorker serves the reference worker in-process on a unix socket and
// mimics a process handle.
type fakeWorker struct {
	pid    int
	srv    *http.Server
	done   chan struct{}
	exitMu sync.Once

	// hang keeps the worker alive after /stop and SIGTERM; only Kill ends it.
	hang       bool
	terminated atomic.Bool
	killed     atomic.Bool
	released   atomic.Bool
	stopCalls  atomic.Int32
}

var nextPID atomic.Int32

func (f *fakeWorker) PID() int              { return f.pid }
func (f *fakeWorker) Done() <-chan struct{} { return f.done }

func (f *fakeWorker) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeWorker) WaitExit(d time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (f *fakeWorker) Terminate() error {
	f.terminated.Store(true)
	if !f.hang {
		f.exit()
	}
	return nil
}

func (f *fakeWorker) Kill() error {
	f.killed.Store(true)
	f.exit()
	return nil
}

func (f *fakeWorker) Release() error {
	f.released.Store(true)
	if !f.WaitExit(time.Second) {
		return errors.New("not exited")
	}
	return nil
}

// exit simulates the process going away.
func (f *fakeWorker) exit() {
	f.exitMu.Do(func() {
		if f.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = f.srv.Shutdown(ctx)
			cancel()
		}
		close(f.done)
	})
}

type fakeLauncher struct {
	t        *testing.T
	socket   string
	launches atomic.Int32
	// listen=false spawns a worker that never answers.
	listen     bool
	hang       bool
	listenWait time.Duration
	err        error

	mu      sync.Mutex
	workers []*fakeWorker
}

func (l *fakeLauncher) Launch(_ context.Context) (Worker, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	f := &fakeWorker{pid: int(nextPID.Add(1)) + 1000, done: make(chan struct{}), hang: l.hang}
	l.mu.Lock()
	l.workers = append(l.workers, f)
	l.mu.Unlock()
	if !l.listen {
		return f, nil
	}
	ws := worker.New(nil)
	f.srv = &http.Server{Handler: countStops(ws.Handler(), &f.stopCalls)}
	serve := func() {
		ln, err := worker.Listen(wire.Endpoint{Network: "unix", Address: l.socket})
		if err != nil {
			l.t.Errorf("fake worker listen: %v", err)
			return
		}
		go func() { _ = f.srv.Serve(ln) }()
		if !f.hang {
			go func() {
				select {
				case <-ws.Stopping():
					// let the stop reply flush before going away
					time.Sleep(10 * time.Millisecond)
					f.exit()
				case <-f.done:
				}
			}()
		}
	}
	if l.listenWait > 0 {
		time.AfterFunc(l.listenWait, serve)
	} else {
		serve()
	}
	return f, nil
}

func (l *fakeLauncher) last() *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.workers) == 0 {
		return nil
	}
	return l.workers[len(l.workers)-1]
}

func (l *fakeLauncher) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		w.exit()
	}
}

func countStops(h http.Handler, n *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stop" {
			n.Add(1)
		}
		h.ServeHTTP(w, r)
	})
}

// recorder keeps every published event.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

// waitFor polls until match returns true for some event.
func (r *recorder) waitFor(t *testing.T, what string, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range r.all() {
			if match(e) {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; got %d events", what, r.count())
	return events.Event{}
}

func isLifecycle(typ string) func(events.Event) bool {
	return func(e events.Event) bool {
		return e.Stream == events.StreamLifecycle && e.Payload.Type == typ
	}
}

func isStream(s events.Stream) func(events.Event) bool {
	return func(e events.Event) bool { return e.Stream == s }
}

// fakeClock is a manually advanced clock that keeps a monotonic base.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	events   *recorder
	clock    *fakeClock
	socket   string
	client   *wire.Client
}

func socketPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are length-limited, t.TempDir can be too deep
	dir, err := os.MkdirTemp("", "sup")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "w.sock")
}

func newHarness(t *testing.T, mutate func(*fakeLauncher, *Options)) *harness {
	t.Helper()
	h := &harness{events: &recorder{}, clock: newFakeClock(), socket: socketPath(t)}
	h.launcher = &fakeLauncher{t: t, socket: h.socket, listen: true}
	opts := Options{
		IdleTimeout:   300 * time.Second,
		PollInterval:  10 * time.Millisecond,
		ReadyRetries:  50,
		ReadyInterval: 10 * time.Millisecond,
		GracePeriod:   200 * time.Millisecond,
		TermWait:      50 * time.Millisecond,
		SocketPath:    h.socket,
		Now:           h.clock.Now,
	}
	if mutate != nil {
		mutate(h.launcher, &opts)
	}
	h.client = wire.NewClient(wire.Endpoint{Network: "unix", Address: h.socket}, wire.Options{Timeout: time.Second})
	h.sup = New(h.launcher, h.client, h.events, opts)
	t.Cleanup(func() {
		_ = h.sup.Stop(context.Background())
		h.launcher.cleanup()
	})
	return h
}

// failingInput wraps a transport and fails every input call.
type failingInput struct {
	Transport
}

func (failingInput) Input(context.Context, string) ([]byte, error) {
	return nil, &net.OpError{Op: "dial", Err: errors.New("refused")}
}

// countingTransport counts health calls, refuses the first failHealth of
// them and runs onInput before forwarding an input call.
type countingTransport struct {
	Transport
	failHealth int32
	health     atomic.Int32
	onInput    func()
}

func (c *countingTransport) Health(ctx context.Context) error {
	if n := c.health.Add(1); n <= c.failHealth {
		return fmt.Errorf("%w: attempt %d", wire.ErrConnect, n)
	}
	return c.Transport.Health(ctx)
}

func (c *countingTransport) Input(ctx context.Context, text string) ([]byte, error) {
	if c.onInput != nil {
		c.onInput()
	}
	return c.Transport.Input(ctx, text)
}
