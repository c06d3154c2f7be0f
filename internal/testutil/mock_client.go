// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/prompt-optimizer/internal/llm"
)

// MockLLMClient is a configurable mock for llm.Client used across test packages.
// It is safe for concurrent use.
type MockLLMClient struct {
	// Responses maps user messages to canned responses.
	Responses map[string]string

	// DefaultResponse is returned when no matching key is found in Responses.
	DefaultResponse string

	// Usage is reported with every response.
	Usage llm.Usage

	// Err, when set, is returned by every call.
	Err error

	mu          sync.Mutex
	calls       int
	lastRequest llm.ChatRequest
}

func (m *MockLLMClient) ChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	content := "mock response"
	if resp, ok := m.Responses[req.UserMessage]; ok {
		content = resp
	} else if m.DefaultResponse != "" {
		content = m.DefaultResponse
	}
	return &llm.ChatResponse{Content: content, Model: req.Model, Usage: m.Usage}, nil
}

func (m *MockLLMClient) ChatCompletionStream(_ context.Context, _ llm.ChatRequest) (*llm.StreamReader, error) {
	return nil, fmt.Errorf("streaming not supported in mock")
}

// Calls returns the number of ChatCompletion invocations.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent ChatRequest.
func (m *MockLLMClient) LastRequest() llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}
