package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Client abstracts an OpenAI-compatible LLM API.
type Client interface {
	// ChatCompletion sends a chat completion request and returns the response.
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req ChatRequest) (*StreamReader, error)
}

// ChatRequest is a simplified chat request.
type ChatRequest struct {
	Model         string
	SystemMessage string
	UserMessage   string
	// Temperature is optional; nil falls back to the client default.
	Temperature *float64
	MaxTokens   int
}

// Usage reports the tokens consumed by a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse holds the result of a chat completion.
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// StreamReader wraps a streaming response.
type StreamReader struct {
	stream *openai.ChatCompletionStream
}

// Recv reads the next chunk from the stream.
func (s *StreamReader) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) > 0 {
		return resp.Choices[0].Delta.Content, nil
	}
	return "", nil
}

// Close closes the stream.
func (s *StreamReader) Close() {
	s.stream.Close()
}

// OpenAIClient implements Client using the OpenAI-compatible API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature *float64
	maxTokens   int
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(opts ...Option) *OpenAIClient {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	config := openai.DefaultConfig(cfg.apiKey)
	config.BaseURL = cfg.baseURL
	if cfg.requestTimeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.requestTimeout}
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(config),
		model:       cfg.model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.toOpenAI(req))
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return &ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatCompletionStream sends a streaming chat completion request.
func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, req ChatRequest) (*StreamReader, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.toOpenAI(req))
	if err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}

	return &StreamReader{stream: stream}, nil
}

func (c *OpenAIClient) toOpenAI(req ChatRequest) openai.ChatCompletionRequest {
	req = c.applyDefaults(req)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemMessage})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserMessage})

	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

// applyDefaults applies client-level defaults to a request where
// the request does not specify its own values.
func (c *OpenAIClient) applyDefaults(req ChatRequest) ChatRequest {
	if req.Model == "" && c.model != "" {
		req.Model = c.model
	}
	if req.Temperature == nil && c.temperature != nil {
		req.Temperature = c.temperature
	}
	if req.MaxTokens == 0 && c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	return req
}

// CollectStream reads all chunks from a StreamReader and returns the full content.
func CollectStream(sr *StreamReader) (string, error) {
	defer sr.Close()
	var b strings.Builder
	for {
		chunk, err := sr.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}
