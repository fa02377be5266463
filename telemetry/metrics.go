package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors services report to.
type Metrics struct {
	AuthEvents        *prometheus.CounterVec
	GatewayOutcomes   *prometheus.CounterVec
	SpoofAttempts     prometheus.Counter
	ProjectionSeconds *prometheus.HistogramVec
	ProjectionDropped *prometheus.CounterVec
	SignalsBroadcast  prometheus.Counter
	ChannelsOpen      prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketgate",
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Identity authority outcomes by event.",
		}, []string{"event"}),
		GatewayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketgate",
			Subsystem: "gateway",
			Name:      "invocations_total",
			Help:      "Ledger writes by terminal outcome.",
		}, []string{"outcome"}),
		SpoofAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketgate",
			Subsystem: "gateway",
			Name:      "identity_spoof_attempts_total",
			Help:      "Requests whose body signer differed from the session identity.",
		}),
		ProjectionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketgate",
			Subsystem: "projector",
			Name:      "duration_seconds",
			Help:      "Time to compute a projection.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"view"}),
		ProjectionDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketgate",
			Subsystem: "projector",
			Name:      "dropped_total",
			Help:      "Candidates dropped during ground-truth enrichment.",
		}, []string{"reason"}),
		SignalsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketgate",
			Subsystem: "notifier",
			Name:      "signals_total",
			Help:      "Invalidation signals broadcast.",
		}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketgate",
			Subsystem: "notifier",
			Name:      "channels_open",
			Help:      "Connected real-time channels on this instance.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AuthEvents,
			m.GatewayOutcomes,
			m.SpoofAttempts,
			m.ProjectionSeconds,
			m.ProjectionDropped,
			m.SignalsBroadcast,
			m.ChannelsOpen,
		)
	}
	return m
}

// NopMetrics returns unregistered collectors, for tests.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
