package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "cpu_percent",
		Help:      "CPU usage of the worker process.",
	})
	workerRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "memory_rss_bytes",
		Help:      "Resident set size of the worker process.",
	})
	workerThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "threads",
		Help:      "Thread count of the worker process.",
	})
	workerFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "open_fds",
		Help:      "Open file descriptors of the worker process (Unix only).",
	})
)

// ResourceSample holds CPU and memory figures for the worker process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads the current resource usage of pid.
func Sample(pid int32) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := ResourceSample{
		PID:       pid,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: time.Now(),
	}
	// CPUPercent and thread counts are best effort
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// Sampler periodically samples the worker process and publishes gauges.
type Sampler struct {
	interval time.Duration
	pid      func() int
	log      *slog.Logger

	mu     sync.RWMutex
	latest *ResourceSample
}

// NewSampler samples the pid returned by pid every interval. A pid of zero
// means no worker is running and clears the last sample.
func NewSampler(interval time.Duration, pid func() int, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{interval: interval, pid: pid, log: log}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	pid := s.pid()
	if pid <= 0 {
		s.store(nil)
		return
	}
	sample, err := Sample(int32(pid))
	if err != nil {
		s.log.Debug("Failed to sample worker resources", "pid", pid, "error", err)
		s.store(nil)
		return
	}
	s.store(&sample)
}

func (s *Sampler) store(sample *ResourceSample) {
	s.mu.Lock()
	s.latest = sample
	s.mu.Unlock()
	if !regOK.Load() {
		return
	}
	if sample == nil {
		workerCPU.Set(0)
		workerRSS.Set(0)
		workerThreads.Set(0)
		workerFDs.Set(0)
		return
	}
	workerCPU.Set(sample.CPUPercent)
	workerRSS.Set(float64(sample.MemoryRSS))
	workerThreads.Set(float64(sample.NumThreads))
	workerFDs.Set(float64(sample.NumFDs))
}

// Latest returns the most recent sample, if any.
func (s *Sampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return ResourceSample{}, false
	}
	return *s.latest, true
}
