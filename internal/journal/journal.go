// Package journal persists published events to a database.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/metrics"
)

// DefaultQueueSize is used when NewWriter is given a non-positive size.
const DefaultQueueSize = 1024

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("journal closed")

// Record is the flattened row written for one event.
type Record struct {
	OccurredAt time.Time `json:"occurred_at"`
	Stream     string    `json:"stream"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Count      int64     `json:"count"`
	Error      string    `json:"error,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

// FromEvent flattens e into a Record.
func FromEvent(e events.Event) Record {
	msg := e.Payload.Message
	if msg == "" {
		msg = e.Payload.Status
	}
	errText := e.Error
	if errText == "" {
		errText = e.Payload.Error
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		OccurredAt: at.UTC(),
		Stream:     string(e.Stream),
		RunID:      e.RunID,
		Type:       e.Payload.Type,
		Message:    msg,
		Count:      e.Payload.Count,
		Error:      errText,
		Raw:        string(e.Raw),
	}
}

// Store appends records.
type Store interface {
	Append(ctx context.Context, r Record) error
	Close() error
}

// Reader is implemented by stores that can list what they wrote, newest
// first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Writer is an events.Sink that hands events to a Store on its own
// goroutine. Publish never blocks; events are dropped when the queue is
// full.
type Writer struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}
}

type item struct {
	rec   Record
	flush chan struct{}
}

// NewWriter starts a writer over store.
func NewWriter(store Store, queueSize int, log *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		store:   store,
		log:     log.With("component", "journal"),
		timeout: 5 * time.Second,
		queue:   make(chan item, queueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Store returns the underlying store.
func (w *Writer) Store() Store { return w.store }

func (w *Writer) Publish(e events.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- item{rec: FromEvent(e)}:
	default:
		metrics.IncEventDropped("journal")
		w.log.Warn("journal queue full, event dropped", "stream", e.Stream, "run_id", e.RunID)
	}
}

// Flush blocks until every event queued before the call has been written
// or ctx is done.
func (w *Writer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.queue <- item{flush: ack}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the store.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
	return w.store.Close()
}

func (w *Writer) run() {
	defer close(w.done)
	for it := range w.queue {
		if it.flush != nil {
			close(it.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.Append(ctx, it.rec)
		cancel()
		metrics.IncJournalWrite(err)
		if err != nil {
			w.log.Error("journal write failed", "stream", it.rec.Stream, "run_id", it.rec.RunID, "error", err)
		}
	}
}
