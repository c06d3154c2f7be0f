// Package stats decides, from noisy per-request measurements, whether one
// prompt variant outperforms another and by how much.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

var tracer = otel.Tracer("github.com/giantswarm/prompt-optimizer/internal/stats")

// Status describes how far an analysis has progressed.
type Status string

const (
	// StatusCollecting means at least one variant is below the minimum sample size.
	StatusCollecting Status = "collecting"
	// StatusInconclusive means no pair differs significantly on the primary metric.
	StatusInconclusive Status = "inconclusive"
	// StatusSignificant means a best variant has been identified.
	StatusSignificant Status = "significant"
)

// SignificanceResult is the comparison of one unordered variant pair on one metric.
type SignificanceResult struct {
	VariantA      string            `json:"variant_a"`
	VariantB      string            `json:"variant_b"`
	Metric        experiment.Metric `json:"metric"`
	PValue        float64           `json:"p_value"`
	EffectSize    float64           `json:"effect_size"`
	MeanA         float64           `json:"mean_a"`
	MeanB         float64           `json:"mean_b"`
	IsSignificant bool              `json:"is_significant"`
	Winner        string            `json:"winner,omitempty"`
}

// VariantSummary holds per-variant aggregate statistics.
type VariantSummary struct {
	Name           string  `json:"name"`
	Count          int     `json:"count"`
	QualityMean    float64 `json:"quality_mean"`
	QualityStdDev  float64 `json:"quality_std_dev"`
	QualityMin     float64 `json:"quality_min"`
	QualityMax     float64 `json:"quality_max"`
	MeanLatencyMs  float64 `json:"mean_latency_ms"`
	MeanCost       float64 `json:"mean_cost"`
	MeanTokens     float64 `json:"mean_tokens"`
	ConversionRate float64 `json:"conversion_rate"`
	PrimaryMean    float64 `json:"primary_mean"`
	PrimaryCILow   float64 `json:"primary_ci_low"`
	PrimaryCIHigh  float64 `json:"primary_ci_high"`
}

// Report is the outcome of analysing one experiment. Reports are never mutated;
// re-analysis produces a new report.
type Report struct {
	ExperimentID    string               `json:"experiment_id"`
	Status          Status               `json:"status"`
	BestVariant     string               `json:"best_variant,omitempty"`
	PrimaryMetric   experiment.Metric    `json:"primary_metric"`
	ConfidenceLevel float64              `json:"confidence_level"`
	TotalSamples    int                  `json:"total_samples"`
	Duration        time.Duration        `json:"duration"`
	Results         []SignificanceResult `json:"results"`
	Variants        []VariantSummary     `json:"variants"`
	Shortfall       map[string]int       `json:"shortfall,omitempty"`
	Recommendations []string             `json:"recommendations"`
	CreatedAt       time.Time            `json:"created_at"`
}

// Err returns an *InsufficientDataError while the report is still collecting.
func (r *Report) Err() error {
	if r.Status != StatusCollecting {
		return nil
	}
	return &InsufficientDataError{ExperimentID: r.ExperimentID, Shortfall: r.Shortfall}
}

// InsufficientDataError reports variants below the minimum sample size.
type InsufficientDataError struct {
	ExperimentID string
	Shortfall    map[string]int
}

func (e *InsufficientDataError) Error() string {
	names := make([]string, 0, len(e.Shortfall))
	for name := range e.Shortfall {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s needs %d more", name, e.Shortfall[name]))
	}
	return fmt.Sprintf("insufficient data for experiment %s: %s", e.ExperimentID, strings.Join(parts, ", "))
}

// Source provides experiments and their results.
type Source interface {
	Get(ctx context.Context, id string) (*experiment.Experiment, error)
	Results(ctx context.Context, id string) ([]experiment.TestResult, error)
}

// Analyzer computes analysis reports on demand.
type Analyzer struct {
	source Source
	now    func() time.Time
}

// NewAnalyzer creates an Analyzer reading from source.
func NewAnalyzer(source Source) *Analyzer {
	return &Analyzer{source: source, now: time.Now}
}

// Analyze loads the experiment and its results and analyses them. A report
// with status collecting is returned without error so callers can poll.
func (a *Analyzer) Analyze(ctx context.Context, id string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "stats.Analyze", trace.WithAttributes(attribute.String("experiment.id", id)))
	defer span.End()

	exp, err := a.source.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	results, err := a.source.Results(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load results: %w", err)
	}

	report := AnalyzeResults(exp, results, a.now().UTC())
	span.SetAttributes(
		attribute.String("analysis.status", string(report.Status)),
		attribute.Int("analysis.samples", report.TotalSamples),
	)
	slog.Debug("experiment analysed",
		"experiment_id", id,
		"status", report.Status,
		"best_variant", report.BestVariant,
		"samples", report.TotalSamples,
	)
	return report, nil
}

// AnalyzeResults is the pure analysis of an experiment's results. The report
// depends only on its inputs; now is used for CreatedAt alone.
func AnalyzeResults(exp *experiment.Experiment, results []experiment.TestResult, now time.Time) *Report {
	cfg := exp.Config
	alpha := cfg.SignificanceLevel
	if alpha <= 0 || alpha >= 1 {
		alpha = experiment.DefaultSignificanceLevel
	}
	minSamples := max(cfg.MinSampleSize, 2)
	primary := cfg.PrimaryMetric()
	metrics := cfg.TargetMetrics
	if len(metrics) == 0 {
		metrics = []experiment.Metric{primary}
	}

	byVariant := make(map[string][]experiment.TestResult, len(exp.Variants))
	var first, last time.Time
	total := 0
	for _, r := range results {
		if _, ok := exp.Variant(r.VariantName); !ok {
			continue
		}
		byVariant[r.VariantName] = append(byVariant[r.VariantName], r)
		total++
		if first.IsZero() || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	report := &Report{
		ExperimentID:    exp.ID,
		PrimaryMetric:   primary,
		ConfidenceLevel: 1 - alpha,
		TotalSamples:    total,
		Duration:        last.Sub(first),
		Results:         []SignificanceResult{},
		Recommendations: []string{},
		CreatedAt:       now,
	}

	var eligible []string
	for _, v := range exp.Variants {
		rs := byVariant[v.Name]
		report.Variants = append(report.Variants, summarize(v.Name, rs, primary, 1-alpha))
		if len(rs) >= minSamples {
			eligible = append(eligible, v.Name)
			continue
		}
		if report.Shortfall == nil {
			report.Shortfall = make(map[string]int)
		}
		report.Shortfall[v.Name] = minSamples - len(rs)
	}

	for _, m := range metrics {
		for i := 0; i < len(eligible); i++ {
			for j := i + 1; j < len(eligible); j++ {
				a, b := eligible[i], eligible[j]
				report.Results = append(report.Results, compare(a, b, byVariant[a], byVariant[b], m, alpha))
			}
		}
	}

	switch {
	case report.Shortfall != nil:
		report.Status = StatusCollecting
		for _, v := range exp.Variants {
			if n, ok := report.Shortfall[v.Name]; ok {
				report.Recommendations = append(report.Recommendations,
					fmt.Sprintf("Collect %d more samples for variant %q (minimum %d per variant).", n, v.Name, minSamples))
			}
		}
	default:
		report.BestVariant = bestVariant(exp, report)
		if report.BestVariant != "" {
			report.Status = StatusSignificant
		} else {
			report.Status = StatusInconclusive
		}
		report.Recommendations = append(report.Recommendations, recommend(report, alpha)...)
	}
	return report
}

func summarize(name string, rs []experiment.TestResult, primary experiment.Metric, confidence float64) VariantSummary {
	s := VariantSummary{Name: name, Count: len(rs)}
	if len(rs) == 0 {
		return s
	}
	quality := Describe(metricValues(rs, experiment.MetricQuality))
	s.QualityMean = quality.Mean
	s.QualityStdDev = quality.StdDev()
	s.QualityMin = quality.Min
	s.QualityMax = quality.Max
	s.MeanLatencyMs = Describe(metricValues(rs, experiment.MetricLatency)).Mean
	s.MeanCost = Describe(metricValues(rs, experiment.MetricCost)).Mean
	s.MeanTokens = Describe(metricValues(rs, experiment.MetricTokens)).Mean
	s.ConversionRate = Describe(metricValues(rs, experiment.MetricConversion)).Mean

	p := Describe(metricValues(rs, primary))
	s.PrimaryMean = p.Mean
	s.PrimaryCILow, s.PrimaryCIHigh = MeanConfidenceInterval(p, confidence)
	return s
}

func metricValues(rs []experiment.TestResult, m experiment.Metric) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = m.Value(r)
	}
	return out
}

func compare(a, b string, ra, rb []experiment.TestResult, m experiment.Metric, alpha float64) SignificanceResult {
	sa := Describe(metricValues(ra, m))
	sb := Describe(metricValues(rb, m))

	var outcome TestOutcome
	if m.Binary() {
		outcome = ProportionZTest(successes(ra), sa.N, successes(rb), sb.N)
	} else {
		outcome = WelchTTest(sa, sb)
	}

	res := SignificanceResult{
		VariantA:      a,
		VariantB:      b,
		Metric:        m,
		PValue:        outcome.PValue,
		EffectSize:    outcome.EffectSize,
		MeanA:         sa.Mean,
		MeanB:         sb.Mean,
		IsSignificant: outcome.PValue < alpha,
	}
	if res.IsSignificant && sa.Mean != sb.Mean {
		aBetter := sa.Mean > sb.Mean
		if !m.HigherIsBetter() {
			aBetter = !aBetter
		}
		if aBetter {
			res.Winner = a
		} else {
			res.Winner = b
		}
	}
	return res
}

func successes(rs []experiment.TestResult) int {
	n := 0
	for _, r := range rs {
		if r.Converted {
			n++
		}
	}
	return n
}

// bestVariant picks, among variants with at least one significant win on the
// primary metric, the best primary mean. Ties go to the lower mean cost, then
// to the earlier registered variant.
func bestVariant(exp *experiment.Experiment, r *Report) string {
	winners := make(map[string]bool)
	for _, res := range r.Results {
		if res.Metric == r.PrimaryMetric && res.Winner != "" {
			winners[res.Winner] = true
		}
	}
	if len(winners) == 0 {
		return ""
	}

	higher := r.PrimaryMetric.HigherIsBetter()
	var best *VariantSummary
	for i := range r.Variants {
		v := &r.Variants[i]
		if !winners[v.Name] {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		better := v.PrimaryMean > best.PrimaryMean
		if !higher {
			better = v.PrimaryMean < best.PrimaryMean
		}
		if better || (v.PrimaryMean == best.PrimaryMean && v.MeanCost < best.MeanCost) {
			best = v
		}
	}
	return best.Name
}

func recommend(r *Report, alpha float64) []string {
	var recs []string
	if r.BestVariant != "" {
		for _, res := range r.Results {
			if res.Metric == r.PrimaryMetric && res.Winner == r.BestVariant {
				loser := res.VariantA
				if loser == r.BestVariant {
					loser = res.VariantB
				}
				recs = append(recs, fmt.Sprintf("Variant %q outperforms %q on %s (p=%.4g, effect size %.3g).",
					r.BestVariant, loser, r.PrimaryMetric, res.PValue, res.EffectSize))
			}
		}
		recs = append(recs, fmt.Sprintf("Promote variant %q to all traffic.", r.BestVariant))
	} else {
		largest := 0.0
		for _, res := range r.Results {
			if res.Metric == r.PrimaryMetric {
				largest = math.Max(largest, math.Abs(res.EffectSize))
			}
		}
		if n := RequiredSampleSize(largest, alpha); n > 0 {
			recs = append(recs, fmt.Sprintf(
				"No significant difference on %s yet. About %d samples per variant are needed to detect the observed effect size %.3g with 80%% power.",
				r.PrimaryMetric, n, largest))
		} else {
			recs = append(recs, fmt.Sprintf("No measurable difference between variants on %s.", r.PrimaryMetric))
		}
	}

	for _, res := range r.Results {
		if res.Metric != r.PrimaryMetric && res.IsSignificant && res.Winner != "" {
			recs = append(recs, fmt.Sprintf("Variant %q is significantly better on %s (p=%.4g).", res.Winner, res.Metric, res.PValue))
		}
	}
	return recs
}
