package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops (graceful or kill).",
		}, []string{"name"},
	)
	serviceForcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "service",
			Name:      "forced_kills_total",
			Help:      "Number of stops that escalated to SIGKILL after the grace period.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle transitions between service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "itharness",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	readinessWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "itharness",
			Subsystem: "readiness",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a service to become ready.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"name", "outcome"},
	)
	scenarioResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "scenario",
			Name:      "results_total",
			Help:      "Scenario outcomes by failure kind (none = passed).",
		}, []string{"kind"},
	)
	scenarioDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "itharness",
			Subsystem: "scenario",
			Name:      "duration_seconds",
			Help:      "Wall time of each scenario including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "itharness",
			Subsystem: "run",
			Name:      "total",
			Help:      "Completed harness runs by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceForcedKills, stateTransitions, currentStates, readinessWait, scenarioResults, scenarioDuration, runs}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile dumps every metric gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncForcedKill(name string) {
	if regOK.Load() {
		serviceForcedKills.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

// ObserveReadiness records how long a readiness wait took; ok selects the
// "ready" or "timeout" outcome label.
func ObserveReadiness(name string, seconds float64, ok bool) {
	if regOK.Load() {
		outcome := "ready"
		if !ok {
			outcome = "timeout"
		}
		readinessWait.WithLabelValues(name, outcome).Observe(seconds)
	}
}

func ObserveScenario(name, kind string, seconds float64) {
	if regOK.Load() {
		scenarioResults.WithLabelValues(kind).Inc()
		scenarioDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncRun(outcome string) {
	if regOK.Load() {
		runs.WithLabelValues(outcome).Inc()
	}
}
