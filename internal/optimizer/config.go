package optimizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Selection names a parent selection scheme.
type Selection string

const (
	// SelectionRoulette picks parents with probability proportional to fitness.
	SelectionRoulette Selection = "roulette"
	// SelectionRank picks parents with probability proportional to fitness rank.
	SelectionRank Selection = "rank"
)

// Config controls a genetic optimization run.
type Config struct {
	TargetMetrics     []experiment.Metric           `json:"target_metrics" yaml:"target_metrics" validate:"min=1,dive,oneof=quality latency cost tokens conversion"`
	Weights           map[experiment.Metric]float64 `json:"weights,omitempty" yaml:"weights" validate:"dive,gte=0"`
	MaxIterations     int                           `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	PopulationSize    int                           `json:"population_size" yaml:"population_size" validate:"gte=2"`
	MutationRate      float64                       `json:"mutation_rate" yaml:"mutation_rate" validate:"gte=0,lte=1"`
	CrossoverRate     float64                       `json:"crossover_rate" yaml:"crossover_rate" validate:"gte=0,lte=1"`
	FitnessThreshold  float64                       `json:"fitness_threshold" yaml:"fitness_threshold" validate:"gt=0,lte=1"`
	StagnationWindow  int                           `json:"stagnation_window" yaml:"stagnation_window" validate:"gte=1"`
	Concurrency       int                           `json:"concurrency" yaml:"concurrency" validate:"gte=1"`
	EvaluationTimeout time.Duration                 `json:"evaluation_timeout" yaml:"evaluation_timeout" validate:"gte=0"`
	Selection         Selection                     `json:"selection" yaml:"selection" validate:"oneof=roulette rank"`
	Seed              int64                         `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the default optimization settings.
func DefaultConfig() Config {
	return Config{
		TargetMetrics:     []experiment.Metric{experiment.MetricQuality},
		MaxIterations:     10,
		PopulationSize:    8,
		MutationRate:      0.15,
		CrossoverRate:     0.8,
		FitnessThreshold:  0.95,
		StagnationWindow:  5,
		Concurrency:       4,
		EvaluationTimeout: 2 * time.Minute,
		Selection:         SelectionRoulette,
	}
}

// withDefaults fills structural zero values. Rates and the fitness threshold
// are left alone because zero is meaningful for them.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.TargetMetrics) == 0 {
		c.TargetMetrics = d.TargetMetrics
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.PopulationSize == 0 {
		c.PopulationSize = d.PopulationSize
	}
	if c.StagnationWindow == 0 {
		c.StagnationWindow = d.StagnationWindow
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Selection == "" {
		c.Selection = d.Selection
	}
	return c
}

// weight returns the weight of a target metric, 1 when unset.
func (c Config) weight(m experiment.Metric) float64 {
	if w, ok := c.Weights[m]; ok {
		return w
	}
	return 1
}

// ConfigError reports an invalid optimization setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid optimization config: %s: %s", e.Field, e.Reason)
}

var validate = validator.New()

// Validate checks every setting. Out-of-range values are rejected, never clamped.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fieldName(fe.StructNamespace()), Reason: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value())}
		}
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	total := 0.0
	for _, m := range c.TargetMetrics {
		total += c.weight(m)
	}
	if total <= 0 {
		return &ConfigError{Field: "weights", Reason: "target metric weights must not all be zero"}
	}
	return nil
}

// fieldName turns "Config.TargetMetrics[0]" into "target_metrics".
func fieldName(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if i := strings.IndexByte(ns, '['); i >= 0 {
		ns = ns[:i]
	}
	var b strings.Builder
	for i, r := range ns {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
