package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink receives published events. Publish must not block the caller; slow
// consumers drop or buffer on their own side.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout publishes to every member in order.
type Fanout []Sink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

// ChannelSink delivers events on a buffered channel and drops them when the
// buffer is full.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewChannelSink creates a sink with the given buffer size (minimum 1).
// onDrop, if non-nil, is called for every dropped event.
func NewChannelSink(size int, onDrop func(Event)) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Event, size), onDrop: onDrop}
}

func (s *ChannelSink) Publish(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop(e)
		}
	}
}

// C returns the receive side.
func (s *ChannelSink) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// Broadcaster hands each event to every current subscriber without
// blocking; a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*ChannelSink
	nextID uint64
	onDrop func(Event)
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(onDrop func(Event)) *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*ChannelSink), onDrop: onDrop}
}

// Subscribe registers a subscriber with buffer size buf. The returned
// cancel function unregisters it; the channel is never closed so readers
// should select on their own done signal.
func (b *Broadcaster) Subscribe(buf int) (<-chan Event, func()) {
	s := NewChannelSink(buf, b.onDrop)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()
	var once sync.Once
	return s.C(), func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.Publish(e)
	}
}

// LogSink writes events to a slog logger: error events at warn level,
// everything else at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelDebug
	if e.Stream == StreamError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("stream", string(e.Stream)),
		slog.String("run_id", e.RunID),
	}
	if e.Payload.Message != "" {
		attrs = append(attrs, slog.String("message", e.Payload.Message))
	}
	if e.Payload.Count != 0 {
		attrs = append(attrs, slog.Int64("count", e.Payload.Count))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	l.LogAttrs(context.Background(), level, "worker event", attrs...)
}
