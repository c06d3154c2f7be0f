package predict

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

func TestPredictQualityScoreFailsSoft(t *testing.T) {
	p := New()

	tests := []struct {
		name       string
		features   Features
		historical []Record
	}{
		{name: "no history", features: Features{}, historical: nil},
		{name: "below minimum samples", features: Features{"prompt_length": 50}, historical: []Record{{"quality_score": 0.8}}},
		{name: "nil features", features: nil, historical: []Record{{"quality_score": 0.8}, {"quality_score": 0.7}}},
		{name: "history without target", features: Features{"x": 1}, historical: []Record{{"x": 1}, {"x": 2}, {"x": 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := p.PredictQualityScore(tt.features, tt.historical)
			assert.Equal(t, 0.5, r.PredictedValue)
			assert.Equal(t, 0.0, r.ModelAccuracy)
			assert.LessOrEqual(t, r.ConfidenceLow, r.ConfidenceHigh)
			assert.Equal(t, HorizonImmediate, r.Horizon)
		})
	}
}

func TestPredictQualityScoreSmallHistory(t *testing.T) {
	historical := []Record{
		{"prompt_length": 50, "word_count": 10, "clarity_score": 0.8, "quality_score": 0.85},
		{"prompt_length": 100, "word_count": 20, "clarity_score": 0.7, "quality_score": 0.78},
		{"prompt_length": 75, "word_count": 15, "clarity_score": 0.75, "quality_score": 0.82},
	}
	r := New().PredictQualityScore(Features{"prompt_length": 80, "word_count": 16, "clarity_score": 0.76}, historical)

	assert.GreaterOrEqual(t, r.PredictedValue, 0.0)
	assert.LessOrEqual(t, r.PredictedValue, 1.0)
	assert.LessOrEqual(t, r.ConfidenceLow, r.PredictedValue)
	assert.GreaterOrEqual(t, r.ConfidenceHigh, r.PredictedValue)
	assert.GreaterOrEqual(t, r.ModelAccuracy, 0.0)
	assert.LessOrEqual(t, r.ModelAccuracy, 1.0)
	assert.Equal(t, 3, r.Samples)
	assert.Len(t, r.FeatureImportance, 3)
}

func TestPredictQualityScoreLearnsLinearRelation(t *testing.T) {
	var historical []Record
	for i := range 20 {
		length := 100 + 10*float64(i)
		historical = append(historical, Record{
			"prompt_length": length,
			"tone":          0.5,
			"quality_score": 0.2 + 0.001*length,
		})
	}

	r := New().PredictQualityScore(Features{"prompt_length": 300, "tone": 0.5, "unseen": 3}, historical)
	assert.InDelta(t, 0.495, r.PredictedValue, 0.005)
	assert.Greater(t, r.ModelAccuracy, 0.9)
	assert.InDelta(t, 1.0, r.FeatureImportance["prompt_length"], 1e-12)
	assert.Equal(t, 0.0, r.FeatureImportance["tone"])
	assert.NotContains(t, r.FeatureImportance, "unseen")
	assert.Equal(t, 0.95, r.ConfidenceLevel)
}

func TestPredictQualityScoreClamps(t *testing.T) {
	historical := []Record{
		{"x": 1, "quality_score": 0.7},
		{"x": 2, "quality_score": 0.8},
		{"x": 3, "quality_score": 0.9},
		{"x": 4, "quality_score": 1.0},
	}
	r := New().PredictQualityScore(Features{"x": 100}, historical)
	assert.Equal(t, 1.0, r.PredictedValue)
	assert.LessOrEqual(t, r.ConfidenceHigh, 1.0)
}

func TestPredictCostTrend(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	noise := []float64{0.001, -0.002, 0.0015, -0.0005, 0}
	var costs []CostPoint
	for i := range 30 {
		costs = append(costs, CostPoint{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Cost:      0.05 + 0.001*float64(i) + noise[i%len(noise)],
		})
	}
	// Input order does not matter.
	costs[3], costs[20] = costs[20], costs[3]

	forecast := New().PredictCostTrend("exp-1", costs, 7)
	require.Len(t, forecast, 7)
	for i, r := range forecast {
		assert.Equal(t, "day "+string(rune('1'+i)), r.Horizon)
		assert.GreaterOrEqual(t, r.PredictedValue, 0.0)
		assert.LessOrEqual(t, r.ConfidenceLow, r.PredictedValue)
		assert.GreaterOrEqual(t, r.ConfidenceHigh, r.PredictedValue)
		if i > 0 {
			prev := forecast[i-1]
			assert.Greater(t, r.PredictedValue, prev.PredictedValue)
			assert.GreaterOrEqual(t, r.ConfidenceHigh-r.ConfidenceLow, prev.ConfidenceHigh-prev.ConfidenceLow)
		}
	}
	assert.InDelta(t, 0.05+0.001*30, forecast[0].PredictedValue, 0.003)
	assert.Greater(t, forecast[0].ModelAccuracy, 0.8)
}

func TestPredictCostTrendFallingToZero(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var costs []CostPoint
	for i := range 10 {
		costs = append(costs, CostPoint{Timestamp: start.AddDate(0, 0, i), Cost: 10 - float64(i) + 0.3*float64(i%2)})
	}

	forecast := New().PredictCostTrend("exp-1", costs, 15)
	for i := 1; i < len(forecast); i++ {
		w0 := forecast[i-1].ConfidenceHigh - forecast[i-1].ConfidenceLow
		w1 := forecast[i].ConfidenceHigh - forecast[i].ConfidenceLow
		assert.GreaterOrEqual(t, w1, w0-1e-12)
		assert.GreaterOrEqual(t, forecast[i].ConfidenceLow, 0.0)
		assert.GreaterOrEqual(t, forecast[i].PredictedValue, 0.0)
	}
}

func TestPredictCostTrendSparseHistory(t *testing.T) {
	p := New()

	empty := p.PredictCostTrend("exp-1", nil, 3)
	require.Len(t, empty, 3)
	assert.Equal(t, 0.0, empty[2].PredictedValue)

	one := p.PredictCostTrend("exp-1", []CostPoint{{Timestamp: time.Now(), Cost: 2}}, 3)
	require.Len(t, one, 3)
	assert.Equal(t, 2.0, one[0].PredictedValue)
	assert.Equal(t, 0.0, one[0].ModelAccuracy)
	assert.Equal(t, "day 3", one[2].Horizon)
	assert.Greater(t, one[2].ConfidenceHigh-one[2].ConfidenceLow, one[0].ConfidenceHigh-one[0].ConfidenceLow)

	assert.Empty(t, p.PredictCostTrend("exp-1", nil, 0))
}

func TestPredictConversionRate(t *testing.T) {
	historical := []Record{
		{"quality_score": 0.8, "latency_ms": 1000, "conversion_rate": 0.12},
		{"quality_score": 0.75, "latency_ms": 800, "conversion_rate": 0.10},
		{"quality_score": 0.85, "latency_ms": 1200, "conversion_rate": 0.15},
	}
	variants := []Variant{
		{Name: "variant_a", Features: Features{"quality_score": 0.82, "latency_ms": 1100}},
		{Name: "variant_b", Features: Features{"quality_score": 0.78, "latency_ms": 900}},
	}

	got := New().PredictConversionRate(variants, historical)
	require.Len(t, got, 2)
	for name, r := range got {
		assert.GreaterOrEqual(t, r.PredictedValue, 0.0, name)
		assert.LessOrEqual(t, r.PredictedValue, 1.0, name)
	}
	assert.Greater(t, got["variant_a"].PredictedValue, got["variant_b"].PredictedValue)

	neutral := New().PredictConversionRate(variants, nil)
	assert.Equal(t, 0.5, neutral["variant_a"].PredictedValue)
}

func TestPredictOptimalTrafficSplit(t *testing.T) {
	variants := []Variant{
		{Name: "control", Features: Features{"quality_score": 0.8, "cost": 0.05}},
		{Name: "variant_a", Features: Features{"quality_score": 0.85, "cost": 0.06}},
		{Name: "variant_b", Features: Features{"quality_score": 0.82, "cost": 0.055}},
		{Name: "retired", Features: Features{"quality_score": 0.99}, Excluded: true},
	}

	split := New().PredictOptimalTrafficSplit(variants, nil, 1000)
	require.Len(t, split, 4)
	assert.InDelta(t, 1.0, sum(split), 1e-6)
	assert.Equal(t, 0.0, split["retired"])
	assert.Greater(t, split["variant_a"], split["variant_b"])
	assert.Greater(t, split["variant_b"], split["control"])
	assert.Greater(t, split["control"], 0.0)
}

func TestTrafficSplitProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 42))
	p := New()
	for trial := range 200 {
		n := 1 + rng.IntN(8)
		variants := make([]Variant, n)
		for i := range variants {
			variants[i] = Variant{
				Name:     string(rune('a' + i)),
				Features: Features{"quality_score": rng.Float64()},
				Excluded: i > 0 && rng.IntN(4) == 0,
			}
		}
		total := rng.IntN(2000)
		split := p.PredictOptimalTrafficSplit(variants, nil, total)

		require.InDelta(t, 1.0, sum(split), 1e-6, "trial %d", trial)
		for _, v := range variants {
			if v.Excluded {
				assert.Equal(t, 0.0, split[v.Name])
			} else {
				assert.Positive(t, split[v.Name])
			}
		}

		counts := AllocateCounts(split, total)
		allocated := 0
		for _, c := range counts {
			allocated += c
		}
		assert.Equal(t, total, allocated)
	}
}

func TestTrafficSplitEdgeCases(t *testing.T) {
	p := New()
	assert.Empty(t, p.PredictOptimalTrafficSplit(nil, nil, 10))

	only := p.PredictOptimalTrafficSplit([]Variant{{Name: "a"}}, nil, 10)
	assert.InDelta(t, 1.0, only["a"], 1e-12)

	excluded := p.PredictOptimalTrafficSplit([]Variant{{Name: "a", Excluded: true}}, nil, 10)
	assert.Equal(t, map[string]float64{"a": 0}, excluded)
}

func TestAllocateCounts(t *testing.T) {
	got := AllocateCounts(map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}, 7)
	assert.Equal(t, map[string]int{"a": 4, "b": 2, "c": 1}, got)

	assert.Equal(t, map[string]int{"a": 0}, AllocateCounts(map[string]float64{"a": 1}, 0))
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, AllocateCounts(map[string]float64{"a": 0.5, "b": 0.5}, 3))
}

func TestResultsToHistory(t *testing.T) {
	exp := &experiment.Experiment{Variants: []experiment.PromptVariant{
		{Name: "a", Template: "Summarize {text}. Be brief!"},
		{Name: "b", Template: "Explain {text}"},
	}}
	results := []experiment.TestResult{
		{VariantName: "a", QualityScore: 0.9, LatencyMs: 100, Cost: 0.01, Tokens: 10, Converted: true},
		{VariantName: "b", QualityScore: 0.5, LatencyMs: 300, Cost: 0.02, Tokens: 30},
		{VariantName: "b", QualityScore: 0.7, LatencyMs: 500, Cost: 0.04, Tokens: 50},
	}

	history := ResultsToHistory(exp, results)
	require.Len(t, history, 3)
	assert.Equal(t, 1.0, history[0][TargetConversion])
	assert.Equal(t, 0.0, history[1][TargetConversion])
	assert.Equal(t, 2.0, history[0][FeatureSentenceCount])
	assert.Equal(t, 1.0, history[1][FeaturePlaceholderCount])

	variants := VariantsFromResults(exp, results)
	require.Len(t, variants, 2)
	assert.InDelta(t, 0.6, variants[1].Features[TargetQuality], 1e-12)
	assert.InDelta(t, 400, variants[1].Features[FeatureLatencyMs], 1e-12)

	costs := CostHistory(results)
	assert.Len(t, costs, 3)
}

func TestPromptFeatures(t *testing.T) {
	f := PromptFeatures("Summarize {text}. Be brief!")
	assert.Equal(t, 4.0, f[FeatureWordCount])
	assert.Equal(t, 2.0, f[FeatureSentenceCount])
	assert.Equal(t, 1.0, f[FeaturePlaceholderCount])
	assert.Equal(t, float64(len("Summarize {text}. Be brief!")), f[FeaturePromptLength])

	empty := PromptFeatures("")
	assert.Equal(t, 0.0, empty[FeatureSentenceCount])
}

func TestSolve(t *testing.T) {
	x, err := solve([][]float64{{2, 1}, {1, 3}}, []float64{3, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, x[0], 1e-12)
	assert.InDelta(t, 1.4, x[1], 1e-12)

	_, err = solve([][]float64{{1, 2}, {2, 4}}, []float64{1, 2})
	assert.ErrorIs(t, err, errSingular)
}

func sum(split map[string]float64) float64 {
	total := 0.0
	for _, v := range split {
		total += v
	}
	return total
}

func TestNewReplacesInvalidSettings(t *testing.T) {
	p := New(WithMinSamples(0), WithConfidence(2), WithExploration(-1), WithTemperature(0), WithLambda(math.NaN()))
	assert.Equal(t, 2, p.minSamples)
	assert.Equal(t, DefaultConfidence, p.confidence)
	assert.Equal(t, DefaultExploration, p.exploration)
	assert.Equal(t, DefaultTemperature, p.temperature)
}
