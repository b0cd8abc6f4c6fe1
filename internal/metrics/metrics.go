package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sidekick"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Worker start attempts by result (ok, timeout, spawn_error, aborted).",
		}, []string{"result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Worker shutdowns by reason (manual, idle, exited).",
		}, []string{"reason"},
	)
	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "forced_kills_total",
			Help:      "Shutdowns where the worker outlived the grace period and was killed.",
		},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the worker answered the health check.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "phase_transitions_total",
			Help:      "Number of supervisor phase transitions.",
		}, []string{"from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_phase",
			Help:      "Current supervisor phase (1 = active, 0 = inactive).",
		}, []string{"phase"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "probe_attempts_total",
			Help:      "Readiness health checks by result (ok, fail).",
		}, []string{"result"},
	)
	workerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "calls_total",
			Help:      "Protocol calls to the worker by operation and result.",
		}, []string{"op", "result"},
	)
	workerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "call_duration_seconds",
			Help:      "Latency of protocol calls to the worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by stream.",
		}, []string{"stream"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped by a full sink buffer.",
		}, []string{"sink"},
	)
	journalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Journal store writes by result (ok, error).",
		}, []string{"result"},
	)
	scheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Scheduled actions by entry, action and result (ok, error).",
		}, []string{"name", "action", "result"},
	)
	scheduleNext = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time of the next scheduled run per entry.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		starts, stops, forcedKills, startDuration, phaseTransitions, currentPhase,
		probeAttempts, workerCalls, workerCallDuration, eventsPublished, eventsDropped,
		journalWrites, scheduleRuns, scheduleNext, workerCPU, workerRSS, workerThreads, workerFDs,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(result string) {
	if regOK.Load() {
		starts.WithLabelValues(result).Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		stops.WithLabelValues(reason).Inc()
	}
}

func IncForcedKill() {
	if regOK.Load() {
		forcedKills.Inc()
	}
}

func ObserveStartDuration(d time.Duration) {
	if regOK.Load() {
		startDuration.Observe(d.Seconds())
	}
}

// RecordPhaseTransition counts from→to and flips the current_phase gauge.
func RecordPhaseTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	phaseTransitions.WithLabelValues(from, to).Inc()
	currentPhase.WithLabelValues(from).Set(0)
	currentPhase.WithLabelValues(to).Set(1)
}

func IncProbeAttempt(ok bool) {
	if regOK.Load() {
		probeAttempts.WithLabelValues(result(ok)).Inc()
	}
}

func ObserveWorkerCall(op string, d time.Duration, err error) {
	if !regOK.Load() {
		return
	}
	workerCalls.WithLabelValues(op, result(err == nil)).Inc()
	workerCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncEventPublished(stream string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(stream).Inc()
	}
}

func IncEventDropped(sink string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(sink).Inc()
	}
}

func IncJournalWrite(err error) {
	if regOK.Load() {
		journalWrites.WithLabelValues(resultErr(err)).Inc()
	}
}

func IncScheduleRun(name, action string, err error) {
	if regOK.Load() {
		scheduleRuns.WithLabelValues(name, action, resultErr(err)).Inc()
	}
}

func SetScheduleNext(name string, next time.Time) {
	if regOK.Load() && !next.IsZero() {
		scheduleNext.WithLabelValues(name).Set(float64(next.Unix()))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func resultErr(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
