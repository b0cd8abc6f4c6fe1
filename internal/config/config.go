package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sidekick/internal/env"
	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/resolver"
	"github.com/loykin/sidekick/internal/schedule"
	"github.com/loykin/sidekick/internal/wire"
)

// EnvPrefix prefixes environment overrides, e.g. SIDEKICK_SUPERVISOR_IDLE_TIMEOUT.
const EnvPrefix = "SIDEKICK"

const (
	DefaultWorkerName = "sidekick-worker"
	DefaultSocketPath = "/tmp/sidekick-worker.sock"
	DefaultSocketEnv  = "SIDEKICK_SOCKET"
	DefaultListen     = "127.0.0.1:7788"
	DefaultBasePath   = "/api"
)

// Config represents the top-level TOML structure.
type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.Config    `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Journal    JournalConfig    `mapstructure:"journal"`
	// Schedules start or stop the worker on cron expressions ([[schedule]]).
	Schedules []schedule.Entry `mapstructure:"schedule"`
}

type WorkerConfig struct {
	Name string `mapstructure:"name"`
	// Dir holds executables named <name>-<arch>-<os-triple>[.exe].
	Dir string `mapstructure:"dir"`
	// Executables overrides the default naming, keyed by "goos/goarch".
	Executables map[string]string `mapstructure:"executables"`
	Args        []string          `mapstructure:"args"`
	WorkDir     string            `mapstructure:"workdir"`
	Env         map[string]string `mapstructure:"env"`
	EnvFiles    []string          `mapstructure:"env_files"`
	InheritEnv  bool              `mapstructure:"inherit_env"`
	// Endpoint is where the worker listens: unix:///path or tcp://127.0.0.1:port.
	Endpoint string `mapstructure:"endpoint"`
	// SocketEnv names the variable that hands a unix socket path to the worker.
	SocketEnv string `mapstructure:"socket_env"`
	// PIDFile records the running worker; an orphan found there is stopped
	// before the next spawn.
	PIDFile string `mapstructure:"pid_file"`
}

type SupervisorConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReadyRetries  int           `mapstructure:"ready_retries"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	EventBuffer   int           `mapstructure:"event_buffer"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string    `mapstructure:"token"`
	TLS   TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the control API over HTTPS. Explicit cert/key files win
// over Dir, which holds tls.crt and tls.key.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type JournalConfig struct {
	// DSN selects the store: sqlite://path, postgres://..., clickhouse://...
	// Empty disables the journal.
	DSN       string `mapstructure:"dsn"`
	QueueSize int    `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.name", DefaultWorkerName)
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.inherit_env", true)
	v.SetDefault("worker.endpoint", "unix://"+DefaultSocketPath)
	v.SetDefault("worker.socket_env", DefaultSocketEnv)
	v.SetDefault("worker.pid_file", "")

	v.SetDefault("supervisor.idle_timeout", 300*time.Second)
	v.SetDefault("supervisor.poll_interval", time.Second)
	v.SetDefault("supervisor.ready_retries", 20)
	v.SetDefault("supervisor.ready_interval", 500*time.Millisecond)
	v.SetDefault("supervisor.grace_period", 500*time.Millisecond)
	v.SetDefault("supervisor.call_timeout", wire.DefaultTimeout)
	v.SetDefault("supervisor.event_buffer", 256)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.token", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sample_interval", 5*time.Second)

	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.queue_size", 1024)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in configuration with environment overrides
// applied. It fails only when an override cannot be decoded.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads the TOML file at path on top of the defaults. An empty path
// loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// resolvePaths anchors relative worker and env file paths at the config
// file's directory.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Worker.Dir = abs(c.Worker.Dir)
	c.Worker.PIDFile = abs(c.Worker.PIDFile)
	for i, f := range c.Worker.EnvFiles {
		c.Worker.EnvFiles[i] = abs(f)
	}
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
}

// Validate checks values that would otherwise fail late at start time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := wire.ParseEndpoint(c.Worker.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("worker.endpoint: %w", err))
	}
	if c.Worker.Name == "" && len(c.Worker.Executables) == 0 {
		errs = append(errs, errors.New("worker: name or executables is required"))
	}
	for key := range c.Worker.Executables {
		if _, err := resolver.ParsePlatform(key); err != nil {
			errs = append(errs, fmt.Errorf("worker.executables: %w", err))
		}
	}
	s := c.Supervisor
	if s.IdleTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.idle_timeout must be positive"))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, errors.New("supervisor.poll_interval must be positive"))
	}
	if s.ReadyRetries < 1 {
		errs = append(errs, errors.New("supervisor.ready_retries must be at least 1"))
	}
	if s.ReadyInterval < 0 || s.GracePeriod < 0 || s.CallTimeout < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	switch c.Log.Slog.Format {
	case logger.FormatText, logger.FormatJSON, "":
	default:
		errs = append(errs, fmt.Errorf("log.slog.format: unknown format %q", c.Log.Slog.Format))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled {
		if t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls: cert_file and key_file, or dir, are required"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version: unsupported %q", t.MinVersion))
		}
	}
	seen := make(map[string]bool, len(c.Schedules))
	for _, e := range c.Schedules {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", e.Name))
		}
		seen[e.Name] = true
	}
	return errors.Join(errs...)
}

// Resolver returns the executable resolver for the worker section.
func (w WorkerConfig) Resolver() resolver.Resolver {
	return resolver.Resolver{Name: w.Name, Dir: w.Dir, Table: w.Executables}
}

// Environment composes the worker environment: the OS environment (when
// inherit_env), env files in order, then the env table. extra entries
// ("K=V") are applied last.
func (w WorkerConfig) Environment(extra ...string) ([]string, error) {
	e := env.New(w.InheritEnv)
	for _, p := range w.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for k, v := range w.Env {
		// viper lowercases map keys; environment names are conventionally upper
		e.Set(strings.ToUpper(k), v)
	}
	return e.Merge(extra...), nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = strings.TrimSpace(v)
			}
		}
	}
	return m, nil
}
