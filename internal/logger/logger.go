package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config is the single logging configuration: Slog drives the supervisor's
// own structured log, File holds rotated files for the daemon log and the
// worker's stdout/stderr.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

type SlogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format Format `mapstructure:"format"` // text or json
	Color  bool   `mapstructure:"color"`  // ANSI level colors for text output
	Path   string `mapstructure:"path"`   // daemon log file; empty means stderr
}

// FileConfig describes rotated log files. If StdoutPath/StderrPath are empty
// and Dir is set, worker output goes to Dir/<name>.stdout.log and
// Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: "info", Format: FormatText}}
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the supervisor logger. When Slog.Path is set output goes
// to a rotated file and colors are disabled. The returned closer releases the
// file and is a no-op otherwise.
func (c Config) NewSlogger(stderr io.Writer) (*slog.Logger, io.Closer) {
	var w io.Writer = stderr
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	color := c.Slog.Color
	if c.Slog.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.Slog.Path), 0o750)
		f := c.File.rotating(c.Slog.Path)
		w, closer, color = f, f, false
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ProcessWriters returns rotated writers for a worker's stdout and stderr.
// Either writer is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers resolves the stdout/stderr paths for name and opens lumberjack
// writers for them.
func (f FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := f.StdoutPath, f.StderrPath
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(f.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(f.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
