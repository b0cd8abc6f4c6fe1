package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// maxLine caps a buffered partial line; longer lines are emitted in pieces.
const maxLine = 64 * 1024

// LineWriter turns a byte stream (a worker's stdout or stderr) into one log
// record per line and optionally tees the raw bytes to another writer.
type LineWriter struct {
	mu     sync.Mutex
	log    *slog.Logger
	level  slog.Level
	stream string
	tee    io.WriteCloser
	buf    bytes.Buffer
}

// NewLineWriter relays lines to log at level, tagged with stream. tee may be
// nil; it is closed together with the LineWriter.
func NewLineWriter(log *slog.Logger, level slog.Level, stream string, tee io.WriteCloser) *LineWriter {
	if log == nil {
		log = slog.Default()
	}
	return &LineWriter{log: log, level: level, stream: stream, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		if _, err := w.tee.Write(p); err != nil {
			w.log.Debug("worker output tee failed", "stream", w.stream, "error", err)
		}
	}
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			if w.buf.Len() > maxLine {
				w.emit(w.buf.Next(maxLine))
			}
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(line[:i])
	}
	return len(p), nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, string(line), "stream", w.stream)
}

// Close flushes a trailing partial line and closes the tee.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	if w.tee != nil {
		err := w.tee.Close()
		w.tee = nil
		return err
	}
	return nil
}
