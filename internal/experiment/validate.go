package experiment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultSignificanceLevel is the significance level used when none is set.
	DefaultSignificanceLevel = 0.05

	// DefaultMinSampleSize is the per-variant sample floor used when none is set.
	DefaultMinSampleSize = 30

	// SplitTolerance is the allowed deviation of a traffic split sum from 1.0.
	SplitTolerance = 1e-6
)

var validate = validator.New()

// configRules mirrors the numeric constraints of Config for the validator.
type configRules struct {
	Name              string  `validate:"required"`
	MinSampleSize     int     `validate:"gte=2"`
	SignificanceLevel float64 `validate:"gt=0,lt=1"`
	MaxDuration       int64   `validate:"gte=0"`
	Variants          int     `validate:"gte=1"`
}

// withDefaults returns a copy of cfg with zero values replaced by defaults.
// An empty traffic split becomes an equal split over the variants.
func withDefaults(cfg Config, variants []PromptVariant) Config {
	if cfg.SignificanceLevel == 0 {
		cfg.SignificanceLevel = DefaultSignificanceLevel
	}
	if cfg.MinSampleSize == 0 {
		cfg.MinSampleSize = DefaultMinSampleSize
	}
	if len(cfg.TargetMetrics) == 0 {
		cfg.TargetMetrics = []Metric{MetricQuality}
	}
	if len(cfg.TrafficSplit) == 0 && len(variants) > 0 {
		cfg.TrafficSplit = make(map[string]float64, len(variants))
		share := 1.0 / float64(len(variants))
		for _, v := range variants {
			cfg.TrafficSplit[v.Name] = share
		}
	}
	return cfg
}

// ValidateConfig checks a configuration against its variants.
func ValidateConfig(cfg Config, variants []PromptVariant) error {
	err := validate.Struct(configRules{
		Name:              cfg.Name,
		MinSampleSize:     cfg.MinSampleSize,
		SignificanceLevel: cfg.SignificanceLevel,
		MaxDuration:       int64(cfg.MaxDuration),
		Variants:          len(variants),
	})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: toSnake(fe.Field()), Reason: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value())}
		}
		return &ConfigError{Field: "config", Reason: err.Error()}
	}

	names := make(map[string]bool, len(variants))
	for _, v := range variants {
		if strings.TrimSpace(v.Name) == "" {
			return &ConfigError{Field: "variants", Reason: "variant name is required"}
		}
		if names[v.Name] {
			return &ConfigError{Field: "variants", Reason: fmt.Sprintf("duplicate variant name %q", v.Name)}
		}
		if strings.TrimSpace(v.Template) == "" {
			return &ConfigError{Field: "variants", Reason: fmt.Sprintf("variant %q has an empty template", v.Name)}
		}
		names[v.Name] = true
	}

	for _, m := range cfg.TargetMetrics {
		if _, err := ParseMetric(string(m)); err != nil {
			return &ConfigError{Field: "target_metrics", Reason: err.Error()}
		}
	}

	sum := 0.0
	for name, share := range cfg.TrafficSplit {
		if !names[name] {
			return &ConfigError{Field: "traffic_split", Reason: fmt.Sprintf("unknown variant %q", name)}
		}
		if math.IsNaN(share) || share <= 0 || share > 1 {
			return &ConfigError{Field: "traffic_split", Reason: fmt.Sprintf("share for %q must be in (0, 1], got %v", name, share)}
		}
		sum += share
	}
	for name := range names {
		if _, ok := cfg.TrafficSplit[name]; !ok {
			return &ConfigError{Field: "traffic_split", Reason: fmt.Sprintf("variant %q has no traffic share", name)}
		}
	}
	if math.Abs(sum-1) > SplitTolerance {
		return &ConfigError{Field: "traffic_split", Reason: fmt.Sprintf("shares must sum to 1.0, got %v", sum)}
	}
	return nil
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
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
