package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/sidekick/internal/events"
)

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.sup.Start(ctx))
	st := h.sup.Snapshot()
	assert.Equal(t, Running, st.Phase)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, h.launcher.last().PID(), st.PID)
	assert.Equal(t, 300*time.Second, st.IdleRemaining)

	require.NoError(t, h.sup.SendInput(ctx, "hello"))
	ev := h.events.waitFor(t, "input result", isStream(events.StreamInput))
	assert.Equal(t, "You said: hello", ev.Payload.Message)
	assert.Equal(t, "hll", ev.Payload.Output)
	assert.Equal(t, st.RunID, ev.RunID)

	status := h.events.waitFor(t, "status event", isStream(events.StreamStatus))
	assert.Contains(t, status.Payload.Message, "lucky number")

	require.NoError(t, h.sup.Stop(ctx))
	assert.Equal(t, Stopped, h.sup.Phase())
	assert.Zero(t, h.sup.PID())

	w := h.launcher.last()
	assert.Equal(t, int32(1), w.stopCalls.Load(), "stop request sent")
	assert.False(t, w.killed.Load(), "graceful stop should not kill")
	assert.True(t, w.released.Load())
	_, err := os.Stat(h.socket)
	assert.True(t, os.IsNotExist(err), "socket removed after stop")

	last := h.events.all()[h.events.count()-1]
	assert.Equal(t, events.StreamLifecycle, last.Stream)
	assert.Equal(t, "stopped", last.Payload.Type)
	assert.Equal(t, "manual", last.Payload.Status)
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))
	runID := h.sup.Snapshot().RunID
	require.NoError(t, h.sup.Start(ctx))
	assert.Equal(t, int32(1), h.launcher.launches.Load())
	assert.Equal(t, runID, h.sup.Snapshot().RunID)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, _ *Options) { l.listenWait = 50 * time.Millisecond })
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error { return h.sup.Start(context.Background()) })
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), h.launcher.launches.Load())
	// callers that found Starting return before readiness; wait for it
	h.events.waitFor(t, "running", isLifecycle("running"))
	assert.Equal(t, Running, h.sup.Phase())
}

func TestStartupTimeout(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.listen = false
		o.ReadyRetries = 3
	})
	err := h.sup.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, NotStarted, h.sup.Phase())
	w := h.launcher.last()
	assert.True(t, w.killed.Load(), "unready worker is killed")
	assert.True(t, w.released.Load())
	assert.Zero(t, h.sup.PID())
	h.events.waitFor(t, "start failure", func(e events.Event) bool {
		return e.Stream == events.StreamError && e.Payload.Type == "start"
	})
}

func TestReadinessBudgetExhausted(t *testing.T) {
	const retries, interval = 4, 20 * time.Millisecond
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.listen = false
		o.ReadyRetries = retries
		o.ReadyInterval = interval
	})
	ct := &countingTransport{Transport: h.client}
	h.sup = New(h.launcher, ct, h.events, h.sup.opts)

	begin := time.Now()
	err := h.sup.Start(context.Background())
	elapsed := time.Since(begin)
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, int32(retries), ct.health.Load())
	assert.GreaterOrEqual(t, elapsed, (retries-1)*interval)
	assert.Less(t, elapsed, (retries-1)*interval+2*time.Second)
}

func TestReadyOnAttemptK(t *testing.T) {
	const k, interval = 4, 20 * time.Millisecond
	h := newHarness(t, func(_ *fakeLauncher, o *Options) {
		o.ReadyRetries = 20
		o.ReadyInterval = interval
	})
	ct := &countingTransport{Transport: h.client, failHealth: k - 1}
	h.sup = New(h.launcher, ct, h.events, h.sup.opts)

	begin := time.Now()
	require.NoError(t, h.sup.Start(context.Background()))
	elapsed := time.Since(begin)
	assert.Equal(t, Running, h.sup.Phase())
	assert.Equal(t, int32(k), ct.health.Load())
	assert.GreaterOrEqual(t, elapsed, (k-1)*interval)
	assert.Less(t, elapsed, (k-1)*interval+2*time.Second)
}

func TestStartupWorkerExits(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.listen = false
		o.ReadyRetries = 1000
	})
	go func() {
		for h.launcher.last() == nil {
			time.Sleep(time.Millisecond)
		}
		h.launcher.last().exit()
	}()
	err := h.sup.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	require.ErrorIs(t, err, ErrWorkerExited)
	assert.Equal(t, NotStarted, h.sup.Phase())
}

func TestStartContextCancelled(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.listen = false
		o.ReadyRetries = 1000
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.sup.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, NotStarted, h.sup.Phase())
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, _ *Options) { l.err = errors.New("exec format error") })
	err := h.sup.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawn)
	assert.Contains(t, err.Error(), "exec format error")
	assert.Equal(t, NotStarted, h.sup.Phase())
}

func TestStopWhileStarting(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.listen = false
		o.ReadyRetries = 1000
		o.GracePeriod = 20 * time.Millisecond
	})
	startErr := make(chan error, 1)
	go func() { startErr <- h.sup.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.sup.Phase() == Starting }, 5*time.Second, time.Millisecond)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, Stopped, h.sup.Phase())
	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, Stopped, h.sup.Phase())
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, NotStarted, h.sup.Phase())
	assert.Zero(t, h.events.count())
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))
	first := h.sup.Snapshot().RunID
	require.NoError(t, h.sup.Stop(ctx))
	require.NoError(t, h.sup.Start(ctx))
	st := h.sup.Snapshot()
	assert.Equal(t, Running, st.Phase)
	assert.NotEqual(t, first, st.RunID)
	assert.Equal(t, int32(2), h.launcher.launches.Load())
}

func TestSendInputNotRunning(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.sup.SendInput(context.Background(), "x"), ErrNotRunning)
	_, err := h.sup.SendInputSync(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendInputFailureIsPublished(t *testing.T) {
	h := newHarness(t, nil)
	h.sup = New(h.launcher, failingInput{h.client}, h.events, h.sup.opts)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))

	require.NoError(t, h.sup.SendInput(ctx, "hello"))
	ev := h.events.waitFor(t, "input error", func(e events.Event) bool {
		return e.Stream == events.StreamError && e.Payload.Type == "input"
	})
	assert.Contains(t, ev.Error, "refused")
	assert.Equal(t, Running, h.sup.Phase())

	_, err := h.sup.SendInputSync(ctx, "again")
	assert.Error(t, err)
}

func TestSendInputResetsActivity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))
	h.clock.Advance(200 * time.Second)
	require.NoError(t, h.sup.SendInput(ctx, "ping"))
	assert.Equal(t, h.clock.Now(), h.sup.Snapshot().LastActivity)
	assert.Equal(t, 300*time.Second, h.sup.Snapshot().IdleRemaining)
}

func TestSendInputTouchesBeforeCall(t *testing.T) {
	h := newHarness(t, nil)
	ct := &countingTransport{Transport: h.client}
	h.sup = New(h.launcher, ct, h.events, h.sup.opts)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))

	var atCall time.Time
	ct.onInput = func() { atCall = h.sup.Snapshot().LastActivity }
	h.clock.Advance(200 * time.Second)
	want := h.clock.Now()

	require.NoError(t, h.sup.SendInput(ctx, "ping"))
	assert.Equal(t, want, atCall)
}

func TestIdleBoundary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start(context.Background()))

	h.clock.Advance(299 * time.Second)
	// several ticks pass at 299s without stopping
	seen := h.events.count()
	require.Eventually(t, func() bool { return h.events.count() >= seen+3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, h.sup.Phase())

	h.clock.Advance(2 * time.Second)
	ev := h.events.waitFor(t, "idle timeout", func(e events.Event) bool {
		return e.Stream == events.StreamStatus && e.Payload.Type == "idle_timeout"
	})
	assert.NotEmpty(t, ev.RunID)
	assert.Equal(t, Stopped, h.sup.Phase())
	stopped := h.events.waitFor(t, "stopped", isLifecycle("stopped"))
	assert.Equal(t, "idle", stopped.Payload.Status)
	assert.Equal(t, int32(1), h.launcher.last().stopCalls.Load())

	// the terminal idle event is the last thing published
	time.Sleep(50 * time.Millisecond)
	all := h.events.all()
	assert.Equal(t, "idle_timeout", all[len(all)-1].Payload.Type)

	// a later Stop is a no-op
	require.NoError(t, h.sup.Stop(context.Background()))
}

func TestRecordActivityPostponesIdleStop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start(context.Background()))
	h.clock.Advance(200 * time.Second)
	h.sup.RecordActivity()
	h.clock.Advance(200 * time.Second)
	seen := h.events.count()
	require.Eventually(t, func() bool { return h.events.count() >= seen+3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, h.sup.Phase())
}

func TestStopForcesKillWhenWorkerHangs(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, o *Options) {
		l.hang = true
		o.GracePeriod = 30 * time.Millisecond
		o.TermWait = 30 * time.Millisecond
	})
	require.NoError(t, h.sup.Start(context.Background()))
	require.NoError(t, h.sup.Stop(context.Background()))
	w := h.launcher.last()
	assert.Equal(t, int32(1), w.stopCalls.Load())
	assert.True(t, w.terminated.Load())
	assert.True(t, w.killed.Load())
	assert.Equal(t, Stopped, h.sup.Phase())
}

func TestStopRequestFailureStillShutsDown(t *testing.T) {
	h := newHarness(t, func(_ *fakeLauncher, o *Options) {
		o.GracePeriod = 20 * time.Millisecond
	})
	require.NoError(t, h.sup.Start(context.Background()))
	w := h.launcher.last()
	// stop the server without ending the "process": /stop will fail to connect
	require.NoError(t, w.srv.Close())
	require.NoError(t, h.sup.Stop(context.Background()))
	assert.True(t, w.terminated.Load())
	assert.Equal(t, Stopped, h.sup.Phase())
}

func TestWorkerExitIsDetected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start(context.Background()))
	h.launcher.last().exit()

	ev := h.events.waitFor(t, "worker exit error", func(e events.Event) bool {
		return e.Stream == events.StreamError && e.Payload.Type == "worker"
	})
	assert.Contains(t, ev.Error, ErrWorkerExited.Error())
	stopped := h.events.waitFor(t, "stopped", isLifecycle("stopped"))
	assert.Equal(t, "exited", stopped.Payload.Status)
	require.Eventually(t, func() bool { return h.sup.Phase() == Stopped }, 5*time.Second, time.Millisecond)
}

func TestNothingPublishedAfterStopped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start(context.Background()))
	h.events.waitFor(t, "status", isStream(events.StreamStatus))
	require.NoError(t, h.sup.Stop(context.Background()))
	n := h.events.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, h.events.count())
	all := h.events.all()
	assert.Equal(t, "stopped", all[len(all)-1].Payload.Type)
}

func TestStatusFailureKeepsPolling(t *testing.T) {
	h := newHarness(t, func(l *fakeLauncher, _ *Options) { l.hang = true })
	require.NoError(t, h.sup.Start(context.Background()))
	w := h.launcher.last()
	require.NoError(t, w.srv.Close())
	h.events.waitFor(t, "status error", func(e events.Event) bool {
		return e.Stream == events.StreamError && e.Payload.Type == "status"
	})
	n := h.events.count()
	require.Eventually(t, func() bool { return h.events.count() > n }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, h.sup.Phase())
}

func TestPhaseText(t *testing.T) {
	for p := NotStarted; p <= Stopped; p++ {
		b, err := p.MarshalText()
		require.NoError(t, err)
		var back Phase
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, p, back)
	}
	assert.Equal(t, "unknown", Phase(42).String())
	_, err := ParsePhase("bogus")
	assert.Error(t, err)
}

func TestSnapshotJSONOmitsUnsetTimes(t *testing.T) {
	h := newHarness(t, nil)
	b, err := json.Marshal(h.sup.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"not_started"}`, string(b))

	require.NoError(t, h.sup.Start(context.Background()))
	b, err = json.Marshal(h.sup.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"started_at"`)
	assert.Contains(t, string(b), `"last_activity"`)
}

func TestCloseClosesSink(t *testing.T) {
	h := newHarness(t, nil)
	cs := &closingSink{}
	h.sup = New(h.launcher, h.client, cs, h.sup.opts)
	require.NoError(t, h.sup.Start(context.Background()))
	require.NoError(t, h.sup.Close(context.Background()))
	assert.True(t, cs.closed)
	assert.Equal(t, Stopped, h.sup.Phase())
}

type closingSink struct {
	recorder
	closed bool
}

func (c *closingSink) Close() error {
	c.closed = true
	return nil
}
