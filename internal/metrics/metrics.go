package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the safeguarding pipeline's Prometheus metrics. The privacy
// violation counter exists because the invariant demands violations be
// counted, not just returned to the caller.
type Collector struct {
	PrivacyViolations   *prometheus.CounterVec
	EventsRecorded      *prometheus.CounterVec
	AlertsCreated       *prometheus.CounterVec
	TransitionsRejected prometheus.Counter
	AccessDenied        prometheus.Counter
	AggregationRuns     *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewCollector() *Collector {
	c := &Collector{
		PrivacyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeguard_privacy_violations_total",
				Help: "Blocked writes against private conversations, by write kind",
			},
			[]string{"kind"},
		),
		EventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeguard_safety_events_total",
				Help: "Safety events recorded, by category",
			},
			[]string{"category"},
		),
		AlertsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeguard_alerts_created_total",
				Help: "Alerts created, by type and severity",
			},
			[]string{"type", "severity"},
		),
		TransitionsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "safeguard_alert_transitions_rejected_total",
				Help: "Alert state transitions rejected as invalid",
			},
		),
		AccessDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "safeguard_alert_access_denied_total",
				Help: "Alert detail accesses denied for insufficient authorization",
			},
		),
		AggregationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeguard_aggregation_runs_total",
				Help: "Monthly aggregation runs, by outcome",
			},
			[]string{"outcome"},
		),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.PrivacyViolations,
		c.EventsRecorded,
		c.AlertsCreated,
		c.TransitionsRejected,
		c.AccessDenied,
		c.AggregationRuns,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
