// Package metrics exposes the Prometheus collectors shared by the API and the heartbeat worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cosplans"

var (
	heartbeatProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_probes_total",
			Help:      "Heartbeat probes issued, partitioned by result status and error code.",
		},
		[]string{"status", "error_code"},
	)

	heartbeatProbeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_probe_seconds",
			Help:      "Heartbeat probe latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	heartbeatRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_runs_total",
			Help:      "Heartbeat runs, partitioned by outcome (complete, partial, error).",
		},
		[]string{"outcome"},
	)

	degradedConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_connections",
			Help:      "Connections found degraded by the most recent heartbeat run.",
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incident lifecycle events, partitioned by event type.",
		},
		[]string{"event"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Credential verifications, partitioned by failure code (empty on success).",
		},
		[]string{"failure_code"},
	)
)

// Register attaches the collectors to reg. Already-registered collectors are ignored so
// that tests and multiple binaries can call it repeatedly.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		heartbeatProbesTotal,
		heartbeatProbeSeconds,
		heartbeatRunsTotal,
		degradedConnections,
		incidentsTotal,
		verificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveProbe(status, errorCode string, duration time.Duration) {
	heartbeatProbesTotal.WithLabelValues(status, errorCode).Inc()
	heartbeatProbeSeconds.Observe(duration.Seconds())
}

func ObserveRun(outcome string, degraded int) {
	heartbeatRunsTotal.WithLabelValues(outcome).Inc()
	degradedConnections.Set(float64(degraded))
}

func ObserveIncident(event string) {
	incidentsTotal.WithLabelValues(event).Inc()
}

func ObserveVerification(failureCode string) {
	verificationsTotal.WithLabelValues(failureCode).Inc()
}
