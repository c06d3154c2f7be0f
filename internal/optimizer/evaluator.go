package optimizer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/screening"
)

// EvaluatorConfig configures an ExecutorEvaluator.
type EvaluatorConfig struct {
	// Inputs is the dataset candidates are rendered against.
	Inputs []map[string]any
	// SampleSize bounds the number of inputs evaluated per candidate.
	SampleSize int
	// MaxAttempts bounds provider calls per input, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// RequestsPerSecond limits provider calls. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the limiter burst size.
	Burst int
	// Screener, when set, rejects flagged candidates before any provider call.
	Screener screening.Screener
	// ExperimentID tags the produced test results.
	ExperimentID string
}

// ExecutorEvaluator measures candidates through the test-execution service.
// Provider calls go through a rate limiter, a circuit breaker and bounded
// exponential retries.
type ExecutorEvaluator struct {
	exec    experiment.Executor
	cfg     EvaluatorConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewExecutorEvaluator creates an evaluator backed by exec.
func NewExecutorEvaluator(exec experiment.Executor, cfg EvaluatorConfig) *ExecutorEvaluator {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.ExperimentID == "" {
		cfg.ExperimentID = "optimizer"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	return &ExecutorEvaluator{
		exec:    exec,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "test-execution",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Evaluate renders the candidate against a bounded sample of inputs and
// averages the measured metrics. Inputs that still fail after retries are
// skipped; the candidate fails only when no input succeeds.
func (e *ExecutorEvaluator) Evaluate(ctx context.Context, template string) (Metrics, error) {
	if e.cfg.Screener != nil {
		verdict, err := e.cfg.Screener.Screen(ctx, template)
		if err != nil {
			return Metrics{}, fmt.Errorf("failed to screen candidate: %w", err)
		}
		if verdict.Flagged {
			return Metrics{}, fmt.Errorf("%w: categories %v", screening.ErrFlagged, verdict.Categories)
		}
	}

	variant := experiment.PromptVariant{Name: candidateName(template), Template: template, Version: 1}
	inputs := e.cfg.Inputs
	if len(inputs) == 0 {
		inputs = []map[string]any{{}}
	}
	if len(inputs) > e.cfg.SampleSize {
		inputs = inputs[:e.cfg.SampleSize]
	}

	var (
		m       Metrics
		lastErr error
	)
	for _, input := range inputs {
		res, err := e.execute(ctx, variant, input)
		if err != nil {
			if ctx.Err() != nil {
				return Metrics{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if res == nil {
			lastErr = errors.New("test execution returned no result")
			continue
		}
		m.Samples++
		m.Quality += res.QualityScore
		m.LatencyMs += res.LatencyMs
		m.Cost += res.Cost
		m.Tokens += float64(res.Tokens)
		if res.Converted {
			m.Conversion++
		}
	}
	if m.Samples == 0 {
		return Metrics{}, fmt.Errorf("failed to evaluate candidate %s: %w", variant.Name, lastErr)
	}

	n := float64(m.Samples)
	m.Quality /= n
	m.LatencyMs /= n
	m.Cost /= n
	m.Tokens /= n
	m.Conversion /= n
	return m, nil
}

func (e *ExecutorEvaluator) execute(ctx context.Context, variant experiment.PromptVariant, input map[string]any) (*experiment.TestResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff

	operation := func() (*experiment.TestResult, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		out, err := e.breaker.Execute(func() (interface{}, error) {
			return e.exec.Execute(ctx, e.cfg.ExperimentID, variant, "optimizer", input)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out.(*experiment.TestResult), nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Debug("retrying test execution", "variant", variant.Name, "delay", d, "error", err)
		}),
	)
}

// candidateName derives a stable variant name from a template.
func candidateName(template string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(template))
	return fmt.Sprintf("candidate-%08x", h.Sum32())
}
