package scorer

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/llm"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		score  float64
		hasErr bool
	}{
		{name: "standard format", input: "Accurate and complete.\nSCORE: 0.85", score: 0.85},
		{name: "lower case", input: "score: 1", score: 1},
		{name: "leading dot", input: "SCORE: .5", score: 0.5},
		{name: "percentage", input: "SCORE: 70%", score: 0.7},
		{name: "last match wins", input: "A SCORE: 0.2 would be unfair.\nSCORE: 0.6", score: 0.6},
		{name: "fraction", input: "3 out of 4 instructions followed.", score: 0.75},
		{name: "out of range", input: "SCORE: 7", hasErr: true},
		{name: "unparseable", input: "The response did well overall.", hasErr: true},
		{name: "empty", input: "", hasErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseScore(tt.input)
			assert.Equal(t, tt.input, result.RawOutput)
			if tt.hasErr {
				assert.NotEmpty(t, result.ParseErr)
				assert.Nil(t, result.Score)
				return
			}
			assert.Empty(t, result.ParseErr)
			require.NotNil(t, result.Score)
			assert.InDelta(t, tt.score, *result.Score, 1e-9)
		})
	}
}

func ptr(v float64) *float64 { return &v }

func TestCalculateStatistics(t *testing.T) {
	runs := []RunScore{{Score: ptr(0.5)}, {Score: ptr(0.6)}, {Score: ptr(0.7)}}

	stats := calculateStatistics(runs)

	require.NotNil(t, stats.MeanScore)
	assert.InDelta(t, 0.6, *stats.MeanScore, 1e-9)
	assert.Equal(t, 0.5, *stats.MinScore)
	assert.Equal(t, 0.7, *stats.MaxScore)
	require.NotNil(t, stats.Variance)
	// ((0.01+0+0.01)/3) = 0.0067
	assert.InDelta(t, 0.0067, *stats.Variance, 1e-4)
	assert.True(t, stats.AllRunsParsed)
}

func TestCalculateStatisticsWithParseFailures(t *testing.T) {
	stats := calculateStatistics([]RunScore{{Score: ptr(0.58)}, {ParseErr: "failed"}})

	require.NotNil(t, stats.MeanScore)
	assert.InDelta(t, 0.58, *stats.MeanScore, 1e-9)
	assert.False(t, stats.AllRunsParsed)
}

func TestCalculateStatisticsAllFailed(t *testing.T) {
	stats := calculateStatistics([]RunScore{{ParseErr: "failed"}, {ParseErr: "failed again"}})
	assert.Nil(t, stats.MeanScore)
	assert.False(t, stats.AllRunsParsed)
}

// mockScorerClient replays responses in order and repeats the last one.
type mockScorerClient struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.ChatRequest
}

func (m *mockScorerClient) ChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := min(len(m.requests), len(m.responses)-1)
	m.requests = append(m.requests, req)
	return &llm.ChatResponse{Content: m.responses[i]}, nil
}

func (m *mockScorerClient) ChatCompletionStream(_ context.Context, _ llm.ChatRequest) (*llm.StreamReader, error) {
	return nil, assert.AnError
}

func TestScorerEvaluate(t *testing.T) {
	client := &mockScorerClient{responses: []string{"SCORE: 0.8", "SCORE: 0.6", "SCORE: 0.7"}}
	s := NewScorer(client, Config{Model: "scoring-model", Repetitions: 3})

	output, err := s.Evaluate(context.Background(), "Summarize: printer broken", "The printer is broken.")
	require.NoError(t, err)

	assert.Len(t, output.Runs, 3)
	assert.Equal(t, "scoring-model", output.Metadata.ScoringModel)
	assert.Equal(t, 3, output.Metadata.Repetitions)
	require.NotNil(t, output.Summary.MeanScore)
	assert.InDelta(t, 0.7, *output.Summary.MeanScore, 1e-9)
	assert.True(t, output.Summary.AllRunsParsed)

	require.Len(t, client.requests, 3)
	req := client.requests[0]
	assert.Equal(t, EvaluationPrompt, req.SystemMessage)
	assert.True(t, strings.Contains(req.UserMessage, "Summarize: printer broken"))
	assert.True(t, strings.Contains(req.UserMessage, "The printer is broken."))
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
}

func TestScorerScore(t *testing.T) {
	s := NewScorer(&mockScorerClient{responses: []string{"Good.\nSCORE: 0.9"}}, Config{Repetitions: 2})
	score, err := s.Score(context.Background(), "prompt", "response")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestScorerDefaultRepetitions(t *testing.T) {
	s := NewScorer(&mockScorerClient{responses: []string{"SCORE: 0.5"}}, Config{})
	assert.Equal(t, 3, s.config.Repetitions)
	assert.Equal(t, DefaultScoringModel, s.config.Model)
}

func TestScorerHandlesParseFailure(t *testing.T) {
	client := &mockScorerClient{responses: []string{"The response performed adequately."}}
	s := NewScorer(client, Config{Repetitions: 2})

	output, err := s.Evaluate(context.Background(), "prompt", "response")
	require.NoError(t, err)
	assert.Len(t, output.Runs, 2)
	for _, run := range output.Runs {
		assert.Nil(t, run.Score)
		assert.NotEmpty(t, run.ParseErr)
	}
	assert.Nil(t, output.Summary.MeanScore)

	_, err = s.Score(context.Background(), "prompt", "response")
	assert.ErrorIs(t, err, ErrUnparsed)
}

func TestScorerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScorer(&mockScorerClient{responses: []string{"SCORE: 1"}}, Config{})
	_, err := s.Score(ctx, "prompt", "response")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteEvaluationFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores.json")
	ev := &Evaluation{Runs: []RunScore{{Score: ptr(0.4)}}, Summary: calculateStatistics([]RunScore{{Score: ptr(0.4)}})}
	require.NoError(t, WriteEvaluationFile(ev, path))
	assert.FileExists(t, path)
}

func TestLengthScorer(t *testing.T) {
	s := LengthScorer{MinWords: 4, MaxWords: 8}
	tests := []struct {
		response string
		want     float64
	}{
		{"", 0},
		{"two words", 0.5},
		{"exactly four words here", 1},
		{"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen", 0.5},
	}
	for _, tt := range tests {
		got, err := s.Score(context.Background(), "prompt", tt.response)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, tt.response)
	}

	got, err := LengthScorer{}.Score(context.Background(), "", "a b c d e")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}
