package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcphub"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server launches.",
		}, []string{"server"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "launch_failures_total",
			Help:      "Number of launches refused by the OS or rejected before spawning.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of requested stops that completed.",
		}, []string{"server"},
	)
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "unexpected_exits_total",
			Help:      "Number of processes that exited without a stop request.",
		}, []string{"server"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "forced_kills_total",
			Help:      "Number of stops that needed a force-kill after the grace period.",
		}, []string{"server"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "running",
			Help:      "Number of servers with a registered live process.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle transitions between server states.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current lifecycle state of servers (1 = in this state).",
		}, []string{"server", "state"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health probes by result.",
		}, []string{"server", "status"},
	)
	healthLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Duration of health probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a server's dispatch queue was full.",
		}, []string{"kind"},
	)
	subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Push-channel subscribers per server.",
		}, []string{"server"},
	)
)

var allStates = []string{"inactive", "starting", "active", "stopping", "error"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, launchFailures, serverStops, serverExits, forcedKills, runningServers,
		stateTransitions, currentStates, healthChecks, healthLatency, eventsDropped, subscribers,
	}
	for _, c := range cs {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}

func IncLaunchFailure(server string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(server).Inc()
	}
}

func IncStop(server string) {
	if regOK.Load() {
		serverStops.WithLabelValues(server).Inc()
	}
}

func IncUnexpectedExit(server string) {
	if regOK.Load() {
		serverExits.WithLabelValues(server).Inc()
	}
}

func IncForcedKill(server string) {
	if regOK.Load() {
		forcedKills.WithLabelValues(server).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServers.Set(float64(n))
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

// SetCurrentState marks state as the only current state of server.
func SetCurrentState(server, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(server, s).Set(v)
	}
}

// ForgetServer drops every per-server series of a deleted server.
func ForgetServer(server string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"server": server}
	serverStarts.DeletePartialMatch(l)
	launchFailures.DeletePartialMatch(l)
	serverStops.DeletePartialMatch(l)
	serverExits.DeletePartialMatch(l)
	forcedKills.DeletePartialMatch(l)
	stateTransitions.DeletePartialMatch(l)
	currentStates.DeletePartialMatch(l)
	healthChecks.DeletePartialMatch(l)
	healthLatency.DeletePartialMatch(l)
	subscribers.DeletePartialMatch(l)
}

func ObserveHealth(server, status string, seconds float64) {
	if regOK.Load() {
		healthChecks.WithLabelValues(server, status).Inc()
		healthLatency.WithLabelValues(server).Observe(seconds)
	}
}

func IncEventDropped(kind string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(kind).Inc()
	}
}

func SetSubscribers(server string, n int) {
	if regOK.Load() {
		subscribers.WithLabelValues(server).Set(float64(n))
	}
}

func DeleteSubscribers(server string) {
	if regOK.Load() {
		subscribers.DeleteLabelValues(server)
	}
}
