package experiment

import (
	"fmt"
	"regexp"
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Metric names a measured quantity of a test execution.
type Metric string

const (
	MetricQuality    Metric = "quality"
	MetricLatency    Metric = "latency"
	MetricCost       Metric = "cost"
	MetricTokens     Metric = "tokens"
	MetricConversion Metric = "conversion"
)

// ParseMetric converts a string into a known Metric.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricQuality, MetricLatency, MetricCost, MetricTokens, MetricConversion:
		return m, nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

// HigherIsBetter reports whether larger values of the metric are preferable.
func (m Metric) HigherIsBetter() bool {
	return m == MetricQuality || m == MetricConversion
}

// Binary reports whether the metric is a success/failure proportion.
func (m Metric) Binary() bool {
	return m == MetricConversion
}

// Value extracts the metric from a test result.
func (m Metric) Value(r TestResult) float64 {
	switch m {
	case MetricLatency:
		return r.LatencyMs
	case MetricCost:
		return r.Cost
	case MetricTokens:
		return float64(r.Tokens)
	case MetricConversion:
		if r.Converted {
			return 1
		}
		return 0
	default:
		return r.QualityScore
	}
}

// PromptVariant is one candidate prompt template under test.
// A variant is immutable once its experiment has been started.
type PromptVariant struct {
	Name       string         `json:"name" yaml:"name"`
	Template   string         `json:"template" yaml:"template"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Version    int            `json:"version" yaml:"version"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the placeholder names used by the template, in order of
// first appearance.
func (v PromptVariant) Placeholders() []string {
	return Placeholders(v.Template)
}

// Placeholders returns the distinct {name} placeholders of a template.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes placeholders from the variant parameters and the input.
// Input values take precedence over parameters.
func (v PromptVariant) Render(input map[string]any) (string, error) {
	return Render(v.Template, v.Parameters, input)
}

// Render fills the template placeholders from params, overridden by input.
func Render(template string, params, input map[string]any) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if val, ok := input[name]; ok {
			return fmt.Sprint(val)
		}
		if val, ok := params[name]; ok {
			return fmt.Sprint(val)
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("template placeholder %q has no value", missing)
	}
	return out, nil
}

// Config holds the experiment configuration.
type Config struct {
	Name              string             `json:"name" yaml:"name"`
	Description       string             `json:"description,omitempty" yaml:"description"`
	TrafficSplit      map[string]float64 `json:"traffic_split" yaml:"traffic_split"`
	TargetMetrics     []Metric           `json:"target_metrics" yaml:"target_metrics"`
	MinSampleSize     int                `json:"min_sample_size" yaml:"min_sample_size"`
	MaxDuration       time.Duration      `json:"max_duration" yaml:"max_duration"`
	SignificanceLevel float64            `json:"significance_level" yaml:"significance_level"`
}

// PrimaryMetric returns the metric used to choose the best variant.
func (c Config) PrimaryMetric() Metric {
	if len(c.TargetMetrics) == 0 {
		return MetricQuality
	}
	return c.TargetMetrics[0]
}

// Experiment owns an ordered set of variants and one configuration.
type Experiment struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Variants    []PromptVariant `json:"variants"`
	Config      Config          `json:"config"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Variant returns the variant with the given name.
func (e *Experiment) Variant(name string) (PromptVariant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return PromptVariant{}, false
}

// VariantNames returns the variant names in registration order.
func (e *Experiment) VariantNames() []string {
	names := make([]string, 0, len(e.Variants))
	for _, v := range e.Variants {
		names = append(names, v.Name)
	}
	return names
}

// TestResult is the immutable record of one test execution.
type TestResult struct {
	ExperimentID string         `json:"experiment_id"`
	VariantName  string         `json:"variant_name"`
	UserID       string         `json:"user_id"`
	Input        map[string]any `json:"input,omitempty"`
	Response     string         `json:"response"`
	QualityScore float64        `json:"quality_score"`
	LatencyMs    float64        `json:"latency_ms"`
	Cost         float64        `json:"cost"`
	Tokens       int            `json:"tokens"`
	Converted    bool           `json:"converted,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
