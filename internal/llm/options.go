package llm

import "time"

// Float64Ptr returns a pointer to v, for requests with an explicit temperature.
func Float64Ptr(v float64) *float64 {
	return &v
}

const (
	defaultBaseURL = "http://localhost:8000/v1"
	defaultAPIKey  = "not-needed"
)

// clientConfig collects the settings of an OpenAIClient. Request-level values
// in ChatRequest always win over these defaults.
type clientConfig struct {
	baseURL        string
	apiKey         string
	model          string
	temperature    *float64
	maxTokens      int
	requestTimeout time.Duration
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		baseURL: defaultBaseURL,
		apiKey:  defaultAPIKey,
	}
}

// Option configures an OpenAIClient.
type Option func(*clientConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint. An empty
// URL keeps the local default.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithAPIKey sets the bearer token sent to the provider.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) {
		c.apiKey = key
	}
}

// WithModel sets the model used when a request names none.
func WithModel(model string) Option {
	return func(c *clientConfig) {
		c.model = model
	}
}

// WithTemperature sets the sampling temperature used when a request has none.
func WithTemperature(temp float64) Option {
	return func(c *clientConfig) {
		c.temperature = &temp
	}
}

// WithMaxTokens caps the completion length of requests that set no limit.
func WithMaxTokens(n int) Option {
	return func(c *clientConfig) {
		c.maxTokens = n
	}
}

// WithRequestTimeout bounds every HTTP round trip to the provider, streaming
// included. Zero leaves requests bounded only by their context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.requestTimeout = d
	}
}
