// Package optimizer evolves prompt templates with a genetic search guided by
// measured fitness.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

var tracer = otel.Tracer("github.com/giantswarm/prompt-optimizer/internal/optimizer")

// StopReason explains why a run terminated.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopThreshold     StopReason = "fitness_threshold"
	StopStagnation    StopReason = "stagnation"
	StopCancelled     StopReason = "cancelled"
	StopAllFailed     StopReason = "all_candidates_failed"
)

// GenerationStats summarises one generation.
type GenerationStats struct {
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	BestSoFar    float64 `json:"best_so_far"`
	Evaluated    int     `json:"evaluated"`
	Failed       int     `json:"failed"`
	BestTemplate string  `json:"best_template"`
}

// OptimizedPrompt is the outcome of a run. It always reports the best
// candidate ever seen.
type OptimizedPrompt struct {
	OriginalPrompt     string                        `json:"original_prompt"`
	OptimizedPrompt    string                        `json:"optimized_prompt"`
	BaselineFitness    float64                       `json:"baseline_fitness"`
	BestFitness        float64                       `json:"best_fitness"`
	ImprovementScore   float64                       `json:"improvement_score"`
	MetricsImprovement map[experiment.Metric]float64 `json:"metrics_improvement"`
	BestMetrics        Metrics                       `json:"best_metrics"`
	History            []GenerationStats             `json:"history"`
	StopReason         StopReason                    `json:"stop_reason"`
	CreatedAt          time.Time                     `json:"created_at"`
}

// Optimizer runs genetic searches over prompt templates.
type Optimizer struct {
	cfg      Config
	eval     Evaluator
	mutators []Mutator
	now      func() time.Time
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMutators replaces the default mutation strategies.
func WithMutators(m ...Mutator) Option {
	return func(o *Optimizer) { o.mutators = m }
}

// New creates an Optimizer. The configuration is validated eagerly.
func New(eval Evaluator, cfg Config, opts ...Option) (*Optimizer, error) {
	if eval == nil {
		return nil, errors.New("optimizer requires an evaluator")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{
		cfg:      cfg,
		eval:     eval,
		mutators: DefaultMutators(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.mutators) == 0 {
		return nil, errors.New("optimizer requires at least one mutator")
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// run holds the state of one Optimize call.
type run struct {
	o    *Optimizer
	rng  *rand.Rand
	base string

	// cache memoises successful evaluations per template.
	cache map[string]candidate

	best        candidate
	haveBest    bool
	baseline    candidate
	stagnant    int
	history     []GenerationStats
	placeholder []string
}

// Optimize evolves base and returns the best template found. Cancellation is
// honoured between generations and yields the best-so-far result with a nil
// error. A generation already in flight runs to completion and counts. If every candidate of a generation fails, the best-so-far result is
// returned together with ErrAllCandidatesFailed.
func (o *Optimizer) Optimize(ctx context.Context, base string) (*OptimizedPrompt, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("base prompt must not be empty")
	}

	ctx, span := tracer.Start(ctx, "optimizer.Optimize", trace.WithAttributes(
		attribute.Int("optimizer.population_size", o.cfg.PopulationSize),
		attribute.Int("optimizer.max_iterations", o.cfg.MaxIterations),
	))
	defer span.End()

	seed := o.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &run{
		o:           o,
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1)^0x9e3779b97f4a7c15)),
		base:        base,
		cache:       make(map[string]candidate),
		placeholder: sortedPlaceholders(base),
	}

	population := r.seed()
	reason := StopMaxIterations
	var runErr error

	for gen := 1; gen <= o.cfg.MaxIterations; gen++ {
		if ctx.Err() != nil {
			reason = StopCancelled
			break
		}

		evaluated, err := r.evaluate(ctx, gen, population)
		if err != nil {
			reason = StopAllFailed
			runErr = err
			break
		}

		stats := r.record(gen, evaluated)
		slog.Info("generation evaluated",
			"generation", gen,
			"best_fitness", stats.BestFitness,
			"best_so_far", stats.BestSoFar,
			"failed", stats.Failed,
		)

		if r.best.fitness >= o.cfg.FitnessThreshold {
			reason = StopThreshold
			break
		}
		if r.stagnant >= o.cfg.StagnationWindow {
			reason = StopStagnation
			break
		}
		if gen < o.cfg.MaxIterations {
			population = r.breed(evaluated)
		}
	}

	result := r.result(reason)
	span.SetAttributes(
		attribute.String("optimizer.stop_reason", string(reason)),
		attribute.Float64("optimizer.best_fitness", result.BestFitness),
		attribute.Int("optimizer.generations", len(result.History)),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return result, runErr
}

// seed builds the initial population: the base template plus mutated copies.
func (r *run) seed() []string {
	size := r.o.cfg.PopulationSize
	pop := []string{r.base}
	seen := map[string]bool{r.base: true}

	for attempts := 0; len(pop) < size && attempts < size*10; attempts++ {
		child := r.base
		for range 1 + r.rng.IntN(2) {
			child = r.mutate(child)
		}
		if seen[child] || !r.valid(child) {
			continue
		}
		seen[child] = true
		pop = append(pop, child)
	}
	// Small search spaces may not yield enough distinct variants.
	for len(pop) < size {
		pop = append(pop, pop[r.rng.IntN(len(pop))])
	}
	return pop
}

func (r *run) mutate(template string) string {
	start := r.rng.IntN(len(r.o.mutators))
	for i := range r.o.mutators {
		m := r.o.mutators[(start+i)%len(r.o.mutators)]
		if out, ok := m.Mutate(template, r.rng); ok {
			return out
		}
	}
	return template
}

// valid reports whether a candidate keeps the base template's placeholders.
func (r *run) valid(template string) bool {
	return strings.TrimSpace(template) != "" && slices.Equal(sortedPlaceholders(template), r.placeholder)
}

func sortedPlaceholders(template string) []string {
	p := experiment.Placeholders(template)
	slices.Sort(p)
	return p
}

// evaluate measures every candidate, in parallel up to the concurrency bound.
// Failed or timed-out candidates receive fitness 0. Evaluations ignore
// cancellation of ctx and are bounded by the evaluation timeout only.
func (r *run) evaluate(ctx context.Context, gen int, population []string) ([]candidate, error) {
	ctx, span := tracer.Start(ctx, "optimizer.Generation", trace.WithAttributes(attribute.Int("optimizer.generation", gen)))
	defer span.End()

	out := make([]candidate, len(population))
	pending := make(map[string][]int)
	for i, tpl := range population {
		if c, ok := r.cache[tpl]; ok {
			out[i] = c
			continue
		}
		pending[tpl] = append(pending[tpl], i)
	}

	templates := slices.Sorted(maps.Keys(pending))
	evaluated := make([]candidate, len(templates))

	evalCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.o.cfg.Concurrency)
	for i, tpl := range templates {
		g.Go(func() error {
			evaluated[i] = r.evaluateOne(evalCtx, tpl)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range evaluated {
		if c.err == nil {
			r.cache[c.template] = c
		}
		for _, idx := range pending[templates[i]] {
			out[idx] = c
		}
	}

	failed := 0
	for _, c := range out {
		if c.err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("optimizer.failed", failed))
	if failed == len(out) {
		err := fmt.Errorf("%w: generation %d, last error: %v", ErrAllCandidatesFailed, gen, out[len(out)-1].err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

func (r *run) evaluateOne(ctx context.Context, template string) candidate {
	if r.o.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.cfg.EvaluationTimeout)
		defer cancel()
	}
	m, err := r.o.eval.Evaluate(ctx, template)
	if err != nil {
		slog.Warn("candidate evaluation failed", "error", err)
		return candidate{template: template, err: err}
	}
	return candidate{template: template, metrics: m, fitness: Fitness(m, r.o.cfg)}
}

// record updates the best-so-far tracking and returns the generation stats.
func (r *run) record(gen int, pop []candidate) GenerationStats {
	stats := GenerationStats{Generation: gen, Evaluated: len(pop)}
	genBest := -1
	sum := 0.0
	for i, c := range pop {
		sum += c.fitness
		if c.err != nil {
			stats.Failed++
			continue
		}
		if genBest < 0 || c.fitness > pop[genBest].fitness {
			genBest = i
		}
	}
	stats.MeanFitness = sum / float64(len(pop))

	if gen == 1 {
		// The base template is always the first member of the seed population.
		r.baseline = pop[0]
	}

	if genBest >= 0 {
		stats.BestFitness = pop[genBest].fitness
		if !r.haveBest || pop[genBest].fitness > r.best.fitness {
			r.best = pop[genBest]
			r.haveBest = true
			r.stagnant = 0
		} else {
			r.stagnant++
		}
	}
	stats.BestSoFar = r.best.fitness
	stats.BestTemplate = r.best.template
	r.history = append(r.history, stats)
	return stats
}

// breed produces the next generation. The best candidate ever seen is carried
// over unconditionally.
func (r *run) breed(pop []candidate) []string {
	cfg := r.o.cfg
	next := make([]string, 0, cfg.PopulationSize)
	next = append(next, r.best.template)

	for len(next) < cfg.PopulationSize {
		p1 := pop[selectParent(pop, cfg.Selection, r.rng)].template
		child := p1
		if r.rng.Float64() < cfg.CrossoverRate {
			p2 := pop[selectParent(pop, cfg.Selection, r.rng)].template
			child = Crossover(p1, p2, r.rng)
		}
		if r.rng.Float64() < cfg.MutationRate {
			child = r.mutate(child)
		}
		if !r.valid(child) {
			child = p1
		}
		next = append(next, child)
	}
	return next
}

func (r *run) result(reason StopReason) *OptimizedPrompt {
	out := &OptimizedPrompt{
		OriginalPrompt:     r.base,
		OptimizedPrompt:    r.base,
		MetricsImprovement: make(map[experiment.Metric]float64),
		History:            r.history,
		StopReason:         reason,
		CreatedAt:          r.o.now().UTC(),
	}
	if out.History == nil {
		out.History = []GenerationStats{}
	}
	if !r.haveBest {
		return out
	}

	out.OptimizedPrompt = r.best.template
	out.BestFitness = r.best.fitness
	out.BestMetrics = r.best.metrics
	out.BaselineFitness = r.baseline.fitness
	out.ImprovementScore = r.best.fitness - r.baseline.fitness
	for _, m := range r.o.cfg.TargetMetrics {
		delta := Normalize(m, r.best.metrics.Value(m))
		if r.baseline.err == nil {
			delta -= Normalize(m, r.baseline.metrics.Value(m))
		}
		out.MetricsImprovement[m] = delta
	}
	return out
}
