package optimizer

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

const basePrompt = "Summarize the following text. Keep it short. Text: {text}"

// lengthEvaluator rewards longer templates, capped at 1.
func lengthEvaluator() EvaluatorFunc {
	return func(ctx context.Context, template string) (Metrics, error) {
		return Metrics{Quality: min(1, float64(len(template))/1000), Samples: 1}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.MaxIterations = 8
	cfg.PopulationSize = 6
	cfg.MutationRate = 0.5
	cfg.FitnessThreshold = 1
	cfg.StagnationWindow = 8
	return cfg
}

func TestOptimizeBestSoFarNonDecreasing(t *testing.T) {
	o, err := New(lengthEvaluator(), testConfig())
	require.NoError(t, err)

	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)

	require.NotEmpty(t, result.History)
	for i := 1; i < len(result.History); i++ {
		assert.GreaterOrEqual(t, result.History[i].BestSoFar, result.History[i-1].BestSoFar)
	}
	last := result.History[len(result.History)-1]
	assert.Equal(t, last.BestSoFar, result.BestFitness)
	assert.GreaterOrEqual(t, result.ImprovementScore, 0.0)
	assert.Equal(t, basePrompt, result.OriginalPrompt)
	assert.Contains(t, result.OptimizedPrompt, "{text}")
	assert.Contains(t, result.MetricsImprovement, experiment.MetricQuality)
}

func TestOptimizeDeterministicForSeed(t *testing.T) {
	run := func() *OptimizedPrompt {
		o, err := New(lengthEvaluator(), testConfig())
		require.NoError(t, err)
		r, err := o.Optimize(context.Background(), basePrompt)
		require.NoError(t, err)
		return r
	}

	a, b := run(), run()
	assert.Equal(t, a.OptimizedPrompt, b.OptimizedPrompt)
	assert.Equal(t, a.History, b.History)
}

func TestOptimizeStopsAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FitnessThreshold = 0.05

	o, err := New(lengthEvaluator(), cfg)
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)

	assert.Equal(t, StopThreshold, result.StopReason)
	assert.Len(t, result.History, 1)
}

func TestOptimizeStagnation(t *testing.T) {
	cfg := testConfig()
	cfg.StagnationWindow = 2
	constant := EvaluatorFunc(func(context.Context, string) (Metrics, error) {
		return Metrics{Quality: 0.5}, nil
	})

	o, err := New(constant, cfg)
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)

	assert.Equal(t, StopStagnation, result.StopReason)
	assert.Len(t, result.History, 3)
	assert.Equal(t, basePrompt, result.OptimizedPrompt)
}

func TestOptimizeMaxIterations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3

	o, err := New(lengthEvaluator(), cfg)
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)

	assert.Equal(t, StopMaxIterations, result.StopReason)
	assert.Len(t, result.History, 3)
}

func TestOptimizeFailedCandidatesGetWorstFitness(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, template string) (Metrics, error) {
		if template != basePrompt {
			return Metrics{}, errors.New("provider error")
		}
		return Metrics{Quality: 0.4}, nil
	})
	cfg := testConfig()
	cfg.MaxIterations = 2

	o, err := New(eval, cfg)
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)

	assert.Equal(t, basePrompt, result.OptimizedPrompt)
	assert.InDelta(t, 0.4, result.BestFitness, 1e-12)
	assert.Greater(t, result.History[0].Failed, 0)
}

func TestOptimizeAllCandidatesFailed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	eval := EvaluatorFunc(func(ctx context.Context, template string) (Metrics, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return Metrics{}, errors.New("provider down")
	})

	o, err := New(eval, testConfig())
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)

	assert.ErrorIs(t, err, ErrAllCandidatesFailed)
	require.NotNil(t, result)
	assert.Equal(t, StopAllFailed, result.StopReason)
	assert.Equal(t, basePrompt, result.OptimizedPrompt)
	assert.Positive(t, calls)
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	evaluations := 0
	eval := EvaluatorFunc(func(ctx context.Context, template string) (Metrics, error) {
		mu.Lock()
		evaluations++
		mu.Unlock()
		return Metrics{Quality: 0.5}, nil
	})

	cfg := testConfig()
	cfg.Concurrency = 1
	o, err := New(eval, cfg)
	require.NoError(t, err)

	cancel()
	result, err := o.Optimize(ctx, basePrompt)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, result.StopReason)
	assert.Empty(t, result.History)
	assert.Equal(t, basePrompt, result.OptimizedPrompt)
	assert.Zero(t, evaluations)
}

func TestOptimizeCancelledBetweenGenerations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	templates := map[string]bool{}
	eval := EvaluatorFunc(func(_ context.Context, template string) (Metrics, error) {
		mu.Lock()
		defer mu.Unlock()
		templates[template] = true
		return Metrics{Quality: min(1, float64(len(template))/400)}, nil
	})

	cfg := testConfig()
	o, err := New(eval, cfg)
	require.NoError(t, err)

	// Cancel once a template beyond the seed population is evaluated.
	wrapped := EvaluatorFunc(func(c context.Context, template string) (Metrics, error) {
		m, err := eval(c, template)
		mu.Lock()
		n := len(templates)
		mu.Unlock()
		if n > cfg.PopulationSize {
			cancel()
		}
		return m, err
	})
	o.eval = wrapped

	result, err := o.Optimize(ctx, basePrompt)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, result.StopReason)
	assert.Greater(t, result.BestFitness, 0.0)
}

func TestOptimizeCancelledMidGenerationKeepsGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	interrupted := 0
	eval := EvaluatorFunc(func(c context.Context, template string) (Metrics, error) {
		cancel()
		time.Sleep(time.Millisecond)
		if c.Err() != nil {
			mu.Lock()
			interrupted++
			mu.Unlock()
			return Metrics{}, c.Err()
		}
		return Metrics{Quality: min(1, float64(len(template))/1000)}, nil
	})

	cfg := testConfig()
	cfg.Concurrency = 2
	o, err := New(eval, cfg)
	require.NoError(t, err)

	result, err := o.Optimize(ctx, basePrompt)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, result.StopReason)
	require.Len(t, result.History, 1)
	assert.Zero(t, result.History[0].Failed)
	assert.Zero(t, interrupted)
	assert.Greater(t, result.BestFitness, 0.0)
}

func TestOptimizeRespectsConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	eval := EvaluatorFunc(func(_ context.Context, template string) (Metrics, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return Metrics{Quality: min(1, float64(len(template))/1000)}, nil
	})

	cfg := testConfig()
	cfg.PopulationSize = 10
	cfg.MaxIterations = 3
	cfg.Concurrency = 2
	o, err := New(eval, cfg)
	require.NoError(t, err)

	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)
	assert.NotEmpty(t, result.History)
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, peak.Load(), int32(cfg.Concurrency))
}

func TestEvaluationTimeoutYieldsWorstFitness(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, template string) (Metrics, error) {
		if template == basePrompt {
			return Metrics{Quality: 0.2}, nil
		}
		<-ctx.Done()
		return Metrics{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.MaxIterations = 1
	cfg.EvaluationTimeout = 20 * time.Millisecond

	o, err := New(eval, cfg)
	require.NoError(t, err)
	result, err := o.Optimize(context.Background(), basePrompt)
	require.NoError(t, err)
	assert.Equal(t, basePrompt, result.OptimizedPrompt)
	assert.Positive(t, result.History[0].Failed)
	assert.Less(t, result.History[0].Failed, result.History[0].Evaluated)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "mutation rate above one", mutate: func(c *Config) { c.MutationRate = 1.5 }, field: "mutation_rate"},
		{name: "negative crossover rate", mutate: func(c *Config) { c.CrossoverRate = -0.1 }, field: "crossover_rate"},
		{name: "population of one", mutate: func(c *Config) { c.PopulationSize = 1 }, field: "population_size"},
		{name: "unknown selection", mutate: func(c *Config) { c.Selection = "tournament" }, field: "selection"},
		{name: "unknown metric", mutate: func(c *Config) { c.TargetMetrics = []experiment.Metric{"vibes"} }, field: "target_metrics"},
		{name: "zero threshold", mutate: func(c *Config) { c.FitnessThreshold = 0 }, field: "fitness_threshold"},
		{
			name: "zero weights",
			mutate: func(c *Config) {
				c.Weights = map[experiment.Metric]float64{experiment.MetricQuality: 0}
			},
			field: "weights",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(lengthEvaluator(), cfg)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestFitness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetMetrics = []experiment.Metric{experiment.MetricQuality, experiment.MetricCost, experiment.MetricLatency}
	cfg.Weights = map[experiment.Metric]float64{experiment.MetricQuality: 2}

	m := Metrics{Quality: 0.8, Cost: 0.01, LatencyMs: 1000}
	// (2*0.8 + 0.5 + 0.5) / 4
	assert.InDelta(t, 0.65, Fitness(m, cfg), 1e-12)

	assert.Equal(t, 1.0, Normalize(experiment.MetricCost, 0))
	assert.Equal(t, 0.0, Normalize(experiment.MetricQuality, -2))
	assert.Equal(t, 1.0, Normalize(experiment.MetricQuality, 3))
}

func TestSelection(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	pop := []candidate{{fitness: 0}, {fitness: 0}, {fitness: 1}}

	for range 50 {
		assert.Equal(t, 2, rouletteSelect(pop, rng))
	}

	counts := make([]int, 3)
	for range 3000 {
		counts[rankSelect(pop, rng)]++
	}
	assert.Greater(t, counts[2], counts[1])
	assert.Greater(t, counts[2], counts[0])

	empty := []candidate{{}, {}}
	idx := rouletteSelect(empty, rng)
	assert.True(t, idx == 0 || idx == 1)
}

func TestOptimizeRejectsEmptyBase(t *testing.T) {
	o, err := New(lengthEvaluator(), testConfig())
	require.NoError(t, err)
	_, err = o.Optimize(context.Background(), "  ")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}
