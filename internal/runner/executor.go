package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/llm"
)

// DefaultConversionThreshold is the quality score from which a response counts
// as a conversion.
const DefaultConversionThreshold = 0.7

// QualityScorer rates a response to a prompt in [0,1].
type QualityScorer interface {
	Score(ctx context.Context, prompt, response string) (float64, error)
}

// Pricing is the provider price per thousand tokens.
type Pricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k" yaml:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k" yaml:"completion_per_1k"`
}

// Cost returns the price of a completion.
func (p Pricing) Cost(u llm.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K + float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

// Executor runs prompt variants against an LLM and measures the outcome. It
// implements experiment.Executor.
type Executor struct {
	client        llm.Client
	scorer        QualityScorer
	model         string
	systemMessage string
	temperature   *float64
	pricing       Pricing
	conversion    float64
	now           func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithModel sets the model variants are executed on.
func WithModel(model string) ExecutorOption {
	return func(e *Executor) { e.model = model }
}

// WithSystemMessage sets the system message sent with every variant.
func WithSystemMessage(msg string) ExecutorOption {
	return func(e *Executor) { e.systemMessage = msg }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ExecutorOption {
	return func(e *Executor) { e.temperature = llm.Float64Ptr(t) }
}

// WithPricing sets the token prices used for cost.
func WithPricing(p Pricing) ExecutorOption {
	return func(e *Executor) { e.pricing = p }
}

// WithConversionThreshold sets the quality score from which a result is
// marked converted. Values above 1 disable conversions.
func WithConversionThreshold(t float64) ExecutorOption {
	return func(e *Executor) { e.conversion = t }
}

// NewExecutor creates an Executor that calls client and rates responses with
// scorer.
func NewExecutor(client llm.Client, scorer QualityScorer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:     client,
		scorer:     scorer,
		conversion: DefaultConversionThreshold,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute renders the variant with input, sends it to the model and returns
// the measured result.
func (e *Executor) Execute(ctx context.Context, experimentID string, variant experiment.PromptVariant, userID string, input map[string]any) (*experiment.TestResult, error) {
	prompt, err := variant.Render(input)
	if err != nil {
		return nil, fmt.Errorf("failed to render variant %s: %w", variant.Name, err)
	}

	start := e.now()
	resp, err := e.client.ChatCompletion(ctx, llm.ChatRequest{
		Model:         e.model,
		SystemMessage: e.systemMessage,
		UserMessage:   prompt,
		Temperature:   e.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get completion for variant %s: %w", variant.Name, err)
	}
	latency := e.now().Sub(start)

	quality, err := e.scorer.Score(ctx, prompt, resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to score response of variant %s: %w", variant.Name, err)
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return &experiment.TestResult{
		ExperimentID: experimentID,
		VariantName:  variant.Name,
		UserID:       userID,
		Input:        input,
		Response:     resp.Content,
		QualityScore: quality,
		LatencyMs:    float64(latency.Microseconds()) / 1000,
		Cost:         e.pricing.Cost(resp.Usage),
		Tokens:       tokens,
		Converted:    quality >= e.conversion,
		Timestamp:    start.UTC(),
	}, nil
}
