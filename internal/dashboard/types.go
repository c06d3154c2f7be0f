package dashboard

import (
	"strings"
	"time"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Kind is the semantic kind of a metric.
type Kind string

const (
	KindQuality Kind = "quality"
	KindLatency Kind = "latency"
	KindCost    Kind = "cost"
	KindCustom  Kind = "custom"
	KindUnknown Kind = "unknown"
)

// ParseKind maps a free-form kind onto a known Kind. Anything unrecognised
// becomes KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindQuality, KindLatency, KindCost, KindCustom:
		return k
	default:
		return KindUnknown
	}
}

// Well-known tag keys.
const (
	TagExperiment = "experiment_id"
	TagVariant    = "variant"
)

// MetricPoint is one scalar measurement.
type MetricPoint struct {
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertLevel orders alert severities. The zero value means no alert.
type AlertLevel int

const (
	LevelNone AlertLevel = iota
	LevelWarning
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalText renders the level by name.
func (l AlertLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name. Unknown names map to LevelNone.
func (l *AlertLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "warning":
		*l = LevelWarning
	case "critical":
		*l = LevelCritical
	default:
		*l = LevelNone
	}
	return nil
}

// Direction states on which side of a threshold a value is alarming.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Threshold is the warning/critical pair of one metric kind.
type Threshold struct {
	Warning   float64   `json:"warning" yaml:"warning"`
	Critical  float64   `json:"critical" yaml:"critical"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// level returns the raw level of value, ignoring hysteresis.
func (t Threshold) level(value float64) AlertLevel {
	switch {
	case t.past(value, t.Critical):
		return LevelCritical
	case t.past(value, t.Warning):
		return LevelWarning
	default:
		return LevelNone
	}
}

func (t Threshold) past(value, limit float64) bool {
	if t.Direction == Below {
		return value < limit
	}
	return value > limit
}

// limit returns the threshold value of a level.
func (t Threshold) limit(l AlertLevel) float64 {
	if l == LevelCritical {
		return t.Critical
	}
	return t.Warning
}

// recovered reports whether value has moved back past the limit of level l by
// at least ratio of the limit.
func (t Threshold) recovered(value float64, l AlertLevel, ratio float64) bool {
	limit := t.limit(l)
	margin := abs(limit) * ratio
	if t.Direction == Below {
		return value >= limit+margin
	}
	return value <= limit-margin
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// DefaultThresholds returns the built-in thresholds per kind.
func DefaultThresholds() map[Kind]Threshold {
	return map[Kind]Threshold{
		KindQuality: {Warning: 0.5, Critical: 0.3, Direction: Below},
		KindLatency: {Warning: 5000, Critical: 10000, Direction: Above},
		KindCost:    {Warning: 50, Critical: 100, Direction: Above},
	}
}

// Alert is raised when a metric crosses a threshold.
type Alert struct {
	ID           string     `json:"id"`
	MetricName   string     `json:"metric_name"`
	Level        AlertLevel `json:"level"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	ExperimentID string     `json:"experiment_id,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ExperimentStatus is the dashboard's view of one experiment.
type ExperimentStatus struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Status          experiment.Status  `json:"status"`
	SuccessfulTests int                `json:"successful_tests"`
	FailedTests     int                `json:"failed_tests"`
	TrafficSplit    map[string]float64 `json:"traffic_split,omitempty"`
	BestVariant     string             `json:"best_variant,omitempty"`
	ConfidenceLevel float64            `json:"confidence_level"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Trend describes the direction of a metric over its window.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// MetricStats summarises the rolling window of one metric.
type MetricStats struct {
	Name         string     `json:"name"`
	Kind         Kind       `json:"kind"`
	Count        int        `json:"count"`
	CurrentValue float64    `json:"current_value"`
	Mean         float64    `json:"mean"`
	Min          float64    `json:"min"`
	Max          float64    `json:"max"`
	StdDev       float64    `json:"std_dev"`
	Trend        Trend      `json:"trend"`
	AlertLevel   AlertLevel `json:"alert_level"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// SystemHealth is the aggregated health score.
type SystemHealth struct {
	OverallHealth     float64 `json:"overall_health"`
	TotalMetrics      int     `json:"total_metrics"`
	ActiveExperiments int     `json:"active_experiments"`
	ActiveAlerts      int     `json:"active_alerts"`
	CriticalAlerts    int     `json:"critical_alerts"`
	ErrorRate         float64 `json:"error_rate"`
}

// Snapshot is a consistent view of the dashboard.
type Snapshot struct {
	Metrics      map[string]MetricStats `json:"metrics"`
	Experiments  []ExperimentStatus     `json:"experiments"`
	Alerts       []Alert                `json:"alerts"`
	SystemHealth SystemHealth           `json:"system_health"`
	Running      bool                   `json:"running"`
	GeneratedAt  time.Time              `json:"generated_at"`
}
