// Package pidfile records the running worker's PID so a restarted daemon can
// find and stop a worker left behind by a crash.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// File is a PID file at Path. The first line holds the PID, the optional
// second line a JSON meta object with the process start time, which guards
// against PID reuse.
type File struct {
	Path string
}

// Entry is the content of a PID file.
type Entry struct {
	PID       int
	StartUnix int64
}

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records pid together with its start time.
func (f File) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	mb, _ := json.Marshal(meta{StartUnix: procStartUnix(pid)})
	content := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	return os.WriteFile(f.Path, []byte(content), 0o600)
}

// Read parses the file. A missing file returns an error wrapping os.ErrNotExist.
func (f File) Read() (Entry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Entry{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Entry{}, fmt.Errorf("invalid pid in %s: %q", f.Path, lines[0])
	}
	e := Entry{PID: pid}
	if len(lines) > 1 {
		var m meta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil {
			e.StartUnix = m.StartUnix
		}
	}
	return e, nil
}

// Alive reports whether the recorded process still runs. A PID whose start
// time differs from the recorded one belongs to another process.
func (f File) Alive() (Entry, bool, error) {
	e, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if e.StartUnix > 0 {
		if cur := procStartUnix(e.PID); cur > 0 && cur != e.StartUnix {
			return e, false, nil
		}
	}
	return e, pidAlive(e.PID), nil
}

// Remove deletes the file. A missing file is not an error.
func (f File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reap terminates the recorded process if it is still alive, escalating to
// a kill after grace, then removes the file. It returns the PID it stopped,
// or 0 when there was nothing to stop.
func (f File) Reap(grace time.Duration) (int, error) {
	e, alive, err := f.Alive()
	if err != nil {
		// unreadable content cannot point at a live worker
		return 0, f.Remove()
	}
	if !alive {
		return 0, f.Remove()
	}
	_ = terminate(e.PID)
	if !waitGone(e.PID, grace) {
		if err := kill(e.PID); err != nil {
			return e.PID, fmt.Errorf("kill orphaned worker %d: %w", e.PID, err)
		}
		if !waitGone(e.PID, time.Second) {
			return e.PID, fmt.Errorf("orphaned worker %d did not exit", e.PID)
		}
	}
	return e.PID, f.Remove()
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for pidAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}
