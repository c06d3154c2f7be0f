// Package predict forecasts quality, cost and conversion from historical
// results and recommends traffic splits between prompt variants.
//
// Every prediction fails soft: sparse or degenerate data produces a neutral
// Result with ModelAccuracy 0 instead of an error.
package predict

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/giantswarm/prompt-optimizer/internal/stats"
)

// Target names in historical records.
const (
	TargetQuality    = "quality_score"
	TargetConversion = "conversion_rate"
)

// Neutral is the prediction returned when there is not enough data.
const Neutral = 0.5

// Defaults used by New.
const (
	DefaultMinSamples      = 3
	DefaultLambda          = 1.0
	DefaultConfidence      = 0.95
	DefaultExploration     = 0.1
	DefaultTemperature     = 0.1
	HorizonImmediate       = "immediate"
	trendFeature           = "day"
	costFallbackSpreadFrac = 0.1
)

// Record is one historical observation: feature values plus targets.
type Record map[string]float64

// Features are the inputs of one prediction.
type Features map[string]float64

// Result is a point forecast with its uncertainty.
type Result struct {
	PredictedValue    float64            `json:"predicted_value"`
	ConfidenceLow     float64            `json:"confidence_low"`
	ConfidenceHigh    float64            `json:"confidence_high"`
	ConfidenceLevel   float64            `json:"confidence_level"`
	ModelAccuracy     float64            `json:"model_accuracy"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	Horizon           string             `json:"horizon"`
	Samples           int                `json:"samples"`
}

// CostPoint is one historical cost observation.
type CostPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Cost      float64   `json:"cost"`
}

// Variant is a candidate for traffic allocation.
type Variant struct {
	Name     string   `json:"name"`
	Features Features `json:"features"`
	// Excluded variants receive no traffic.
	Excluded bool `json:"excluded,omitempty"`
}

// Predictor holds the model settings. It has no mutable state and is safe for
// concurrent use.
type Predictor struct {
	minSamples  int
	lambda      float64
	confidence  float64
	exploration float64
	temperature float64
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithMinSamples sets the minimum number of observations a model is fitted on.
func WithMinSamples(n int) Option {
	return func(p *Predictor) { p.minSamples = n }
}

// WithLambda sets the ridge penalty.
func WithLambda(l float64) Option {
	return func(p *Predictor) { p.lambda = l }
}

// WithConfidence sets the confidence level of prediction intervals.
func WithConfidence(c float64) Option {
	return func(p *Predictor) { p.confidence = c }
}

// WithExploration sets the share of traffic spread evenly across variants.
func WithExploration(e float64) Option {
	return func(p *Predictor) { p.exploration = e }
}

// WithTemperature sets how sharply traffic favours the best variant. Lower
// values exploit more.
func WithTemperature(t float64) Option {
	return func(p *Predictor) { p.temperature = t }
}

// New creates a Predictor. Out-of-range settings are replaced by defaults.
func New(opts ...Option) *Predictor {
	p := &Predictor{
		minSamples:  DefaultMinSamples,
		lambda:      DefaultLambda,
		confidence:  DefaultConfidence,
		exploration: DefaultExploration,
		temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.minSamples < 2 {
		p.minSamples = 2
	}
	if !(p.lambda > 0) {
		p.lambda = DefaultLambda
	}
	if p.confidence <= 0 || p.confidence >= 1 {
		p.confidence = DefaultConfidence
	}
	if p.exploration <= 0 || p.exploration >= 1 {
		p.exploration = DefaultExploration
	}
	if p.temperature <= 0 {
		p.temperature = DefaultTemperature
	}
	return p
}

// PredictQualityScore forecasts the quality score of a prompt with the given
// features. The result is clamped to [0,1].
func (p *Predictor) PredictQualityScore(features Features, historical []Record) Result {
	return p.predictBounded(features, historical, TargetQuality, Neutral)
}

// PredictConversionRate forecasts the conversion rate of each variant. With
// too little history every variant gets the neutral prediction.
func (p *Predictor) PredictConversionRate(variants []Variant, historical []Record) map[string]Result {
	out := make(map[string]Result, len(variants))
	for _, v := range variants {
		out[v.Name] = p.predictBounded(v.Features, historical, TargetConversion, Neutral)
	}
	return out
}

func (p *Predictor) predictBounded(features Features, historical []Record, target string, neutral float64) Result {
	names, x, y := design(features, historical, target)
	if len(y) < p.minSamples {
		slog.Debug("not enough history for prediction", "target", target, "samples", len(y), "min_samples", p.minSamples)
		return neutralResult(neutral, names, len(y))
	}

	m, err := fitRidge(names, x, y, p.lambda)
	if err != nil {
		slog.Warn("failed to fit prediction model", "target", target, "error", err)
		return neutralResult(neutral, names, len(y))
	}
	row := make([]float64, len(names))
	for j, name := range names {
		row[j] = features[name]
	}

	acc := 0.0
	if mae, err := leaveOneOut(names, x, y, p.lambda); err == nil {
		acc = accuracy(mae, y)
	}

	value := m.predict(row)
	half := stats.TQuantile(1-(1-p.confidence)/2, m.dof) * m.residualSE * math.Sqrt(1+1/float64(m.n))
	return Result{
		PredictedValue:    clamp(value, 0, 1),
		ConfidenceLow:     clamp(value-half, 0, 1),
		ConfidenceHigh:    clamp(value+half, 0, 1),
		ConfidenceLevel:   p.confidence,
		ModelAccuracy:     acc,
		FeatureImportance: m.importance(),
		Horizon:           HorizonImmediate,
		Samples:           m.n,
	}
}

func neutralResult(value float64, features []string, samples int) Result {
	importance := make(map[string]float64, len(features))
	for _, f := range features {
		importance[f] = 0
	}
	return Result{
		PredictedValue:    value,
		ConfidenceLow:     0,
		ConfidenceHigh:    1,
		FeatureImportance: importance,
		Horizon:           HorizonImmediate,
		Samples:           samples,
	}
}

// design builds the regression inputs. The features are those requested that
// appear in the history; rows without the target are skipped and missing
// feature values are imputed with the column mean.
func design(features Features, historical []Record, target string) ([]string, [][]float64, []float64) {
	var names []string
	for _, name := range slices.Sorted(maps.Keys(features)) {
		if name == target || math.IsNaN(features[name]) {
			continue
		}
		for _, r := range historical {
			if _, ok := r[name]; ok {
				names = append(names, name)
				break
			}
		}
	}

	var rows []Record
	var y []float64
	for _, r := range historical {
		if v, ok := r[target]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			rows = append(rows, r)
			y = append(y, v)
		}
	}

	means := make([]float64, len(names))
	for j, name := range names {
		sum, n := 0.0, 0
		for _, r := range rows {
			if v, ok := r[name]; ok {
				sum += v
				n++
			}
		}
		if n > 0 {
			means[j] = sum / float64(n)
		}
	}

	x := make([][]float64, len(rows))
	for i, r := range rows {
		x[i] = make([]float64, len(names))
		for j, name := range names {
			if v, ok := r[name]; ok {
				x[i][j] = v
			} else {
				x[i][j] = means[j]
			}
		}
	}
	return names, x, y
}

// PredictCostTrend forecasts cost for each of the next days with a linear
// trend over time. Prediction intervals never narrow as the horizon grows.
func (p *Predictor) PredictCostTrend(id string, costs []CostPoint, days int) []Result {
	if days <= 0 {
		return []Result{}
	}
	points := slices.Clone(costs)
	points = slices.DeleteFunc(points, func(c CostPoint) bool { return math.IsNaN(c.Cost) || math.IsInf(c.Cost, 0) })
	slices.SortStableFunc(points, func(a, b CostPoint) int { return a.Timestamp.Compare(b.Timestamp) })

	out := make([]Result, days)
	if len(points) < p.minSamples {
		slog.Debug("not enough history for cost trend", "id", id, "samples", len(points))
		return p.flatCostTrend(points, out)
	}

	first := points[0].Timestamp
	x := make([][]float64, len(points))
	y := make([]float64, len(points))
	for i, c := range points {
		x[i] = []float64{c.Timestamp.Sub(first).Hours() / 24}
		y[i] = c.Cost
	}
	names := []string{trendFeature}

	// Ordinary least squares: a vanishing ridge penalty keeps the slope unbiased.
	m, err := fitRidge(names, x, y, 1e-9)
	if err != nil {
		slog.Warn("failed to fit cost trend", "id", id, "error", err)
		return p.flatCostTrend(points, out)
	}
	acc := 0.0
	if mae, err := leaveOneOut(names, x, y, 1e-9); err == nil {
		acc = accuracy(mae, y)
	}

	xMean, sxx := m.mean[0], m.scale[0]*m.scale[0]*float64(m.n)
	last := x[len(x)-1][0]
	t := stats.TQuantile(1-(1-p.confidence)/2, m.dof)

	prevWidth := 0.0
	for h := 1; h <= days; h++ {
		xh := last + float64(h)
		value := m.predict([]float64{xh})
		spread := 1 + 1/float64(m.n)
		if sxx > 0 {
			spread += (xh - xMean) * (xh - xMean) / sxx
		}
		half := t * m.residualSE * math.Sqrt(spread)
		low, high := math.Max(0, value-half), value+half
		if high-low < prevWidth {
			high = low + prevWidth
		}
		prevWidth = high - low

		out[h-1] = Result{
			PredictedValue:    math.Max(0, value),
			ConfidenceLow:     low,
			ConfidenceHigh:    high,
			ConfidenceLevel:   p.confidence,
			ModelAccuracy:     acc,
			FeatureImportance: map[string]float64{trendFeature: 1},
			Horizon:           dayLabel(h),
			Samples:           m.n,
		}
	}
	return out
}

// flatCostTrend projects the mean cost with an interval that widens with the
// square root of the horizon.
func (p *Predictor) flatCostTrend(points []CostPoint, out []Result) []Result {
	values := make([]float64, len(points))
	for i, c := range points {
		values[i] = c.Cost
	}
	s := stats.Describe(values)
	spread := math.Max(s.StdDev(), costFallbackSpreadFrac*math.Abs(s.Mean))
	for h := range out {
		half := spread * math.Sqrt(float64(h+1))
		out[h] = Result{
			PredictedValue:    math.Max(0, s.Mean),
			ConfidenceLow:     math.Max(0, s.Mean-half),
			ConfidenceHigh:    math.Max(0, s.Mean) + half,
			FeatureImportance: map[string]float64{},
			Horizon:           dayLabel(h + 1),
			Samples:           len(points),
		}
	}
	return out
}

func dayLabel(h int) string {
	return fmt.Sprintf("day %d", h)
}

// PredictOptimalTrafficSplit recommends a traffic share per variant. A fixed
// exploration share is spread evenly over the included variants; the rest
// follows a softmax over each variant's expected value. Excluded variants get
// zero. Shares sum to one.
func (p *Predictor) PredictOptimalTrafficSplit(variants []Variant, historical []Record, totalTraffic int) map[string]float64 {
	split := make(map[string]float64, len(variants))
	var included []Variant
	for _, v := range variants {
		if v.Excluded {
			split[v.Name] = 0
			continue
		}
		included = append(included, v)
	}
	if len(included) == 0 {
		return split
	}

	k := float64(len(included))
	floor := p.exploration / k
	if totalTraffic > 0 && len(included) <= totalTraffic {
		// Each variant should see at least one request.
		floor = math.Max(floor, 1/float64(totalTraffic))
	}
	floor = math.Min(floor, 1/k)

	conversion := p.PredictConversionRate(included, historical)
	values := make([]float64, len(included))
	best := math.Inf(-1)
	for i, v := range included {
		values[i] = expectedValue(v, conversion[v.Name])
		best = math.Max(best, values[i])
	}

	weights := make([]float64, len(included))
	sum := 0.0
	for i, ev := range values {
		weights[i] = math.Exp((ev - best) / p.temperature)
		sum += weights[i]
	}
	exploit := 1 - floor*k
	for i, v := range included {
		split[v.Name] = floor + exploit*weights[i]/sum
	}
	slog.Debug("predicted traffic split", "variants", len(included), "total_traffic", totalTraffic)
	return split
}

// expectedValue prefers a fitted conversion forecast, then the variant's own
// quality, then the neutral value.
func expectedValue(v Variant, conversion Result) float64 {
	if conversion.ModelAccuracy > 0 {
		return conversion.PredictedValue
	}
	if q, ok := v.Features[TargetQuality]; ok && !math.IsNaN(q) {
		return clamp(q, 0, 1)
	}
	return Neutral
}

// AllocateCounts turns a split into whole request counts summing to total
// with the largest-remainder method. Ties go to the variant name that sorts
// first.
func AllocateCounts(split map[string]float64, total int) map[string]int {
	out := make(map[string]int, len(split))
	if total <= 0 || len(split) == 0 {
		for name := range split {
			out[name] = 0
		}
		return out
	}

	type share struct {
		name      string
		remainder float64
	}
	shares := make([]share, 0, len(split))
	sum := 0.0
	for _, f := range split {
		sum += math.Max(f, 0)
	}
	assigned := 0
	for _, name := range slices.Sorted(maps.Keys(split)) {
		exact := 0.0
		if sum > 0 {
			exact = math.Max(split[name], 0) / sum * float64(total)
		}
		whole := int(math.Floor(exact))
		out[name] = whole
		assigned += whole
		shares = append(shares, share{name: name, remainder: exact - float64(whole)})
	}
	slices.SortStableFunc(shares, func(a, b share) int { return cmp.Compare(b.remainder, a.remainder) })
	for i := 0; assigned < total && sum > 0; i++ {
		out[shares[i%len(shares)].name]++
		assigned++
	}
	return out
}
