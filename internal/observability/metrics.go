package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	TurnsRecorded      *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	PipelineStages     *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	CheckinsScheduled  prometheus.Counter
	CheckinsDispatched *prometheus.CounterVec
	CollaboratorErrors *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions in the ephemeral cache.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "Durable turns appended by speaker.",
		}, []string{"speaker"}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by normalized type.",
		}, []string{"event"}),
		PipelineStages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stages_total",
			Help:      "Post-call pipeline stage results by stage and outcome.",
		}, []string{"stage", "outcome"}),
		PipelineDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of one full pipeline run.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		CheckinsScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_scheduled_total",
			Help:      "Check-ins created by the low-mood decision stage.",
		}),
		CheckinsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_dispatched_total",
			Help:      "Check-in delivery attempts by final status.",
		}, []string{"status"}),
		CollaboratorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Collaborator call failures by collaborator and kind.",
		}, []string{"collaborator", "kind"}),
	}
}

func (m *Metrics) ObservePipelineDuration(d time.Duration) {
	m.PipelineDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
