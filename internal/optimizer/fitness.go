package optimizer

import (
	"context"
	"errors"
	"math"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// ErrAllCandidatesFailed aborts a run when every candidate of a generation
// failed evaluation.
var ErrAllCandidatesFailed = errors.New("all candidates in generation failed evaluation")

// Metrics are the aggregated measurements of one candidate template.
type Metrics struct {
	Quality    float64 `json:"quality"`
	LatencyMs  float64 `json:"latency_ms"`
	Cost       float64 `json:"cost"`
	Tokens     float64 `json:"tokens"`
	Conversion float64 `json:"conversion"`
	Samples    int     `json:"samples"`
}

// Value returns the raw value of a metric.
func (m Metrics) Value(metric experiment.Metric) float64 {
	switch metric {
	case experiment.MetricLatency:
		return m.LatencyMs
	case experiment.MetricCost:
		return m.Cost
	case experiment.MetricTokens:
		return m.Tokens
	case experiment.MetricConversion:
		return m.Conversion
	default:
		return m.Quality
	}
}

// Evaluator measures a candidate template.
type Evaluator interface {
	Evaluate(ctx context.Context, template string) (Metrics, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, template string) (Metrics, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, template string) (Metrics, error) {
	return f(ctx, template)
}

// Normalize maps a raw metric value onto [0,1] where 1 is best.
// Latency is scaled around one second, cost around one cent and tokens around
// five hundred.
func Normalize(metric experiment.Metric, raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	var v float64
	switch metric {
	case experiment.MetricLatency:
		v = 1 / (1 + math.Max(raw, 0)/1000)
	case experiment.MetricCost:
		v = 1 / (1 + math.Max(raw, 0)/0.01)
	case experiment.MetricTokens:
		v = 1 / (1 + math.Max(raw, 0)/500)
	default:
		v = raw
	}
	return math.Max(0, math.Min(1, v))
}

// Fitness combines the normalized target metrics into a weighted mean in [0,1].
func Fitness(m Metrics, cfg Config) float64 {
	var sum, total float64
	for _, metric := range cfg.TargetMetrics {
		w := cfg.weight(metric)
		sum += w * Normalize(metric, m.Value(metric))
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
