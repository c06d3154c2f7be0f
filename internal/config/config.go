// Package config loads the application configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/prompt-optimizer/internal/dashboard"
	"github.com/giantswarm/prompt-optimizer/internal/llm"
	"github.com/giantswarm/prompt-optimizer/internal/optimizer"
	"github.com/giantswarm/prompt-optimizer/internal/predict"
	"github.com/giantswarm/prompt-optimizer/internal/runner"
	"github.com/giantswarm/prompt-optimizer/internal/sink"
)

// Config is the application configuration.
type Config struct {
	Store     Store            `yaml:"store"`
	LLM       LLM              `yaml:"llm"`
	Judge     Judge            `yaml:"judge"`
	Screening Screening        `yaml:"screening"`
	Dashboard Dashboard        `yaml:"dashboard"`
	Optimizer optimizer.Config `yaml:"optimizer"`
	Evaluator Evaluator        `yaml:"evaluator"`
	Predict   Predict          `yaml:"predict"`
}

// Store selects the persistence backend. An empty path keeps everything in
// memory.
type Store struct {
	Path string `yaml:"path"`
}

// LLM configures the model prompts are executed on.
type LLM struct {
	BaseURL             string         `yaml:"base_url" validate:"omitempty,url"`
	APIKey              string         `yaml:"api_key"`
	Model               string         `yaml:"model"`
	SystemMessage       string         `yaml:"system_message"`
	Temperature         *float64       `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens           int            `yaml:"max_tokens" validate:"gte=0"`
	RequestTimeout      time.Duration  `yaml:"request_timeout" validate:"gte=0"`
	Pricing             runner.Pricing `yaml:"pricing"`
	ConversionThreshold float64        `yaml:"conversion_threshold" validate:"gte=0"`
}

// Judge configures quality scoring.
type Judge struct {
	// Heuristic scores responses offline by length instead of asking a model.
	Heuristic   bool   `yaml:"heuristic"`
	BaseURL     string `yaml:"base_url" validate:"omitempty,url"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Repetitions int    `yaml:"repetitions" validate:"gte=0,lte=10"`
}

// Screening configures the prompt screening hook.
type Screening struct {
	Enabled bool `yaml:"enabled"`
	Block   bool `yaml:"block"`
}

// Dashboard configures the real-time dashboard.
type Dashboard struct {
	WindowSize          int                                    `yaml:"window_size" validate:"gte=1"`
	WindowAge           time.Duration                          `yaml:"window_age" validate:"gte=0"`
	HysteresisRatio     float64                                `yaml:"hysteresis_ratio" validate:"gte=0,lt=1"`
	MaxAlertHistory     int                                    `yaml:"max_alert_history" validate:"gte=1"`
	QueueSize           int                                    `yaml:"queue_size" validate:"gte=1"`
	AggregationInterval time.Duration                          `yaml:"aggregation_interval" validate:"gt=0"`
	Thresholds          map[dashboard.Kind]dashboard.Threshold `yaml:"thresholds"`
	Influx              *sink.Config                           `yaml:"influx"`
}

// Evaluator configures how the optimizer measures candidates.
type Evaluator struct {
	SampleSize        int           `yaml:"sample_size" validate:"gte=1"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

// Predict configures the predictive models.
type Predict struct {
	MinSamples  int     `yaml:"min_samples" validate:"gte=2"`
	Lambda      float64 `yaml:"lambda" validate:"gt=0"`
	Confidence  float64 `yaml:"confidence" validate:"gt=0,lt=1"`
	Exploration float64 `yaml:"exploration" validate:"gt=0,lt=1"`
	Temperature float64 `yaml:"temperature" validate:"gt=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LLM: LLM{
			BaseURL:             "http://localhost:8000/v1",
			ConversionThreshold: runner.DefaultConversionThreshold,
		},
		Judge: Judge{Repetitions: 3},
		Dashboard: Dashboard{
			WindowSize:          dashboard.DefaultWindowSize,
			WindowAge:           dashboard.DefaultWindowAge,
			HysteresisRatio:     dashboard.DefaultHysteresisRatio,
			MaxAlertHistory:     dashboard.DefaultMaxAlertHistory,
			QueueSize:           dashboard.DefaultQueueSize,
			AggregationInterval: dashboard.DefaultAggregationInterval,
			Thresholds:          dashboard.DefaultThresholds(),
		},
		Optimizer: optimizer.DefaultConfig(),
		Evaluator: Evaluator{
			SampleSize:     5,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Predict: Predict{
			MinSamples:  predict.DefaultMinSamples,
			Lambda:      predict.DefaultLambda,
			Confidence:  predict.DefaultConfidence,
			Exploration: predict.DefaultExploration,
			Temperature: predict.DefaultTemperature,
		},
	}
}

// Load reads the configuration file at path over the defaults. An empty path
// returns the defaults. Secrets fall back to OPENAI_API_KEY and
// INFLUXDB_TOKEN.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Judge.APIKey == "" {
		cfg.Judge.APIKey = cfg.LLM.APIKey
	}
	if cfg.Judge.BaseURL == "" {
		cfg.Judge.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Dashboard.Influx != nil && cfg.Dashboard.Influx.Token == "" {
		cfg.Dashboard.Influx.Token = os.Getenv("INFLUXDB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks every setting.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s: failed %q constraint (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	for kind, t := range c.Dashboard.Thresholds {
		if t.Direction != dashboard.Above && t.Direction != dashboard.Below {
			return fmt.Errorf("invalid config: dashboard threshold %s: direction must be above or below, got %q", kind, t.Direction)
		}
		if (t.Direction == dashboard.Above && t.Critical < t.Warning) || (t.Direction == dashboard.Below && t.Critical > t.Warning) {
			return fmt.Errorf("invalid config: dashboard threshold %s: critical %v is less severe than warning %v", kind, t.Critical, t.Warning)
		}
	}
	if c.Dashboard.Influx != nil && strings.TrimSpace(c.Dashboard.Influx.URL) == "" {
		return errors.New("invalid config: dashboard influx url is required")
	}
	return nil
}

// LLMOptions returns the client options of the execution model.
func (c *Config) LLMOptions() []llm.Option {
	opts := []llm.Option{llm.WithBaseURL(c.LLM.BaseURL), llm.WithModel(c.LLM.Model)}
	if c.LLM.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(c.LLM.APIKey))
	}
	if c.LLM.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*c.LLM.Temperature))
	}
	if c.LLM.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(c.LLM.MaxTokens))
	}
	if c.LLM.RequestTimeout > 0 {
		opts = append(opts, llm.WithRequestTimeout(c.LLM.RequestTimeout))
	}
	return opts
}

// JudgeOptions returns the client options of the judge model.
func (c *Config) JudgeOptions() []llm.Option {
	opts := []llm.Option{llm.WithBaseURL(c.Judge.BaseURL)}
	if c.Judge.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(c.Judge.APIKey))
	}
	if c.LLM.RequestTimeout > 0 {
		opts = append(opts, llm.WithRequestTimeout(c.LLM.RequestTimeout))
	}
	return opts
}

// ExecutorOptions returns the test-execution settings.
func (c *Config) ExecutorOptions() []runner.ExecutorOption {
	opts := []runner.ExecutorOption{
		runner.WithModel(c.LLM.Model),
		runner.WithSystemMessage(c.LLM.SystemMessage),
		runner.WithPricing(c.LLM.Pricing),
		runner.WithConversionThreshold(c.LLM.ConversionThreshold),
	}
	if c.LLM.Temperature != nil {
		opts = append(opts, runner.WithTemperature(*c.LLM.Temperature))
	}
	return opts
}

// DashboardOptions returns the dashboard settings. Metrics and sinks are
// wired by the caller.
func (c *Config) DashboardOptions() []dashboard.Option {
	d := c.Dashboard
	return []dashboard.Option{
		dashboard.WithWindowSize(d.WindowSize),
		dashboard.WithWindowAge(d.WindowAge),
		dashboard.WithHysteresisRatio(d.HysteresisRatio),
		dashboard.WithMaxAlertHistory(d.MaxAlertHistory),
		dashboard.WithQueueSize(d.QueueSize),
		dashboard.WithAggregationInterval(d.AggregationInterval),
		dashboard.WithThresholds(d.Thresholds),
	}
}

// EvaluatorConfig returns the optimizer evaluator settings for a dataset.
func (c *Config) EvaluatorConfig(inputs []map[string]any) optimizer.EvaluatorConfig {
	e := c.Evaluator
	return optimizer.EvaluatorConfig{
		Inputs:            inputs,
		SampleSize:        e.SampleSize,
		MaxAttempts:       e.MaxAttempts,
		InitialBackoff:    e.InitialBackoff,
		MaxBackoff:        e.MaxBackoff,
		RequestsPerSecond: e.RequestsPerSecond,
		Burst:             e.Burst,
	}
}

// PredictorOptions returns the predictive model settings.
func (c *Config) PredictorOptions() []predict.Option {
	p := c.Predict
	return []predict.Option{
		predict.WithMinSamples(p.MinSamples),
		predict.WithLambda(p.Lambda),
		predict.WithConfidence(p.Confidence),
		predict.WithExploration(p.Exploration),
		predict.WithTemperature(p.Temperature),
	}
}
