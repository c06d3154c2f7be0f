package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports dashboard state to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	PointsIngested       *prometheus.CounterVec
	PointsDropped        prometheus.Counter
	MetricValue          *prometheus.GaugeVec
	AlertsRaised         *prometheus.CounterVec
	ActiveAlerts         *prometheus.GaugeVec
	SystemHealth         prometheus.Gauge
	NotificationsDropped prometheus.Counter
}

// NewMetrics registers the dashboard collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PointsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prompt_optimizer_metric_points_total",
			Help: "Total number of metric points ingested by the dashboard",
		}, []string{"kind"}),
		PointsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "prompt_optimizer_metric_points_dropped_total",
			Help: "Total number of metric points dropped because their value was not finite",
		}),
		MetricValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prompt_optimizer_metric_value",
			Help: "Most recent value of each dashboard metric",
		}, []string{"name", "kind"}),
		AlertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prompt_optimizer_alerts_total",
			Help: "Total number of alerts raised",
		}, []string{"level"}),
		ActiveAlerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prompt_optimizer_active_alerts",
			Help: "Current number of unresolved alerts",
		}, []string{"level"}),
		SystemHealth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prompt_optimizer_system_health",
			Help: "Overall system health score between 0 and 100",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "prompt_optimizer_dashboard_notifications_dropped_total",
			Help: "Total number of snapshots dropped because a subscriber queue was full",
		}),
	}
}

func (m *Metrics) pointIngested(p MetricPoint) {
	if m == nil {
		return
	}
	m.PointsIngested.WithLabelValues(string(p.Kind)).Inc()
	m.MetricValue.WithLabelValues(p.Name, string(p.Kind)).Set(p.Value)
}

func (m *Metrics) pointDropped() {
	if m == nil {
		return
	}
	m.PointsDropped.Inc()
}

func (m *Metrics) alertRaised(level AlertLevel) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) notificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// observe refreshes the gauges derived from a snapshot.
func (m *Metrics) observe(snap Snapshot) {
	if m == nil {
		return
	}
	m.SystemHealth.Set(snap.SystemHealth.OverallHealth)
	critical := float64(snap.SystemHealth.CriticalAlerts)
	m.ActiveAlerts.WithLabelValues(LevelCritical.String()).Set(critical)
	m.ActiveAlerts.WithLabelValues(LevelWarning.String()).Set(float64(snap.SystemHealth.ActiveAlerts) - critical)
}
