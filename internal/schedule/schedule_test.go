package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorder struct {
	mu      sync.Mutex
	calls   []Action
	failErr error
	block   chan struct{}
}

func (r *recorder) record(a Action) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a)
	return r.failErr
}

func (r *recorder) Start(context.Context) error { return r.record(ActionStart) }
func (r *recorder) Stop(context.Context) error  { return r.record(ActionStop) }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestEntryValidate(t *testing.T) {
	cases := []struct {
		name  string
		entry Entry
		ok    bool
	}{
		{"five fields", Entry{Name: "warm", Cron: "0 9 * * 1-5", Action: ActionStart}, true},
		{"six fields", Entry{Name: "warm", Cron: "30 0 9 * * *", Action: ActionStart}, true},
		{"descriptor", Entry{Name: "nightly", Cron: "@daily", Action: ActionStop}, true},
		{"every", Entry{Name: "e", Cron: "@every 10m", Action: ActionStop}, true},
		{"timezone", Entry{Name: "tz", Cron: "0 9 * * *", Action: ActionStart, TimeZone: "UTC"}, true},
		{"no name", Entry{Cron: "@daily", Action: ActionStop}, false},
		{"bad action", Entry{Name: "x", Cron: "@daily", Action: "restart"}, false},
		{"no cron", Entry{Name: "x", Action: ActionStop}, false},
		{"bad cron", Entry{Name: "x", Cron: "61 * * * *", Action: ActionStop}, false},
		{"bad timezone", Entry{Name: "x", Cron: "@daily", Action: ActionStop, TimeZone: "Mars/Base"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewRejectsDuplicatesAndInvalid(t *testing.T) {
	_, err := New(&recorder{}, []Entry{
		{Name: "a", Cron: "@daily", Action: ActionStart},
		{Name: "a", Cron: "@hourly", Action: ActionStop},
	}, Options{})
	require.ErrorContains(t, err, "duplicate")

	_, err = New(&recorder{}, []Entry{{Name: "a", Cron: "nope", Action: ActionStart}}, Options{})
	require.Error(t, err)
}

func TestRunDispatchesAction(t *testing.T) {
	r := &recorder{}
	s, err := New(r, nil, Options{})
	require.NoError(t, err)

	s.run(Entry{Name: "warm", Action: ActionStart})
	s.run(Entry{Name: "cool", Action: ActionStop})
	r.failErr = errors.New("boom")
	s.run(Entry{Name: "warm", Action: ActionStart})

	assert.Equal(t, []Action{ActionStart, ActionStop, ActionStart}, r.calls)
}

func TestNextAndUnknown(t *testing.T) {
	s, err := New(&recorder{}, []Entry{{Name: "daily", Cron: "@daily", Action: ActionStop}}, Options{})
	require.NoError(t, err)
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	next := s.Next("daily")
	require.False(t, next.IsZero())
	assert.True(t, next.After(time.Now()))
	assert.True(t, s.Next("missing").IsZero())
}

func TestSchedulerFires(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &recorder{}
	s, err := New(r, []Entry{{Name: "tick", Cron: "@every 1s", Action: ActionStart}}, Options{Timeout: time.Second})
	require.NoError(t, err)
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return r.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStopWaitsForRunningAction(t *testing.T) {
	r := &recorder{block: make(chan struct{})}
	s, err := New(r, []Entry{{Name: "slow", Cron: "@every 1s", Action: ActionStop}}, Options{})
	require.NoError(t, err)
	s.Start()

	// wait for the first run to be in flight
	time.Sleep(1200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(r.block)
	require.Eventually(t, func() bool { return r.count() >= 1 }, time.Second, 10*time.Millisecond)
}
