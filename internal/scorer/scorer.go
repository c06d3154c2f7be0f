package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/giantswarm/prompt-optimizer/internal/llm"
)

// DefaultScoringModel is the default model used for LLM-as-judge scoring.
const DefaultScoringModel = "claude-sonnet-4-5-20250514"

// ErrUnparsed is returned by Score when no judge run produced a score.
var ErrUnparsed = errors.New("no judge run produced a parseable score")

// Config holds scoring configuration.
type Config struct {
	Model       string
	Repetitions int
}

// RunScore represents the parsed result of a single scoring run.
type RunScore struct {
	Score     *float64 `json:"score"`
	RawOutput string   `json:"raw_output"`
	ParseErr  string   `json:"parse_error,omitempty"`
}

// Evaluation is the full structured scoring output for one response.
type Evaluation struct {
	Metadata Metadata   `json:"metadata"`
	Runs     []RunScore `json:"runs"`
	Summary  Summary    `json:"summary"`
}

// Metadata holds information about the scoring run.
type Metadata struct {
	Timestamp    string `json:"timestamp"`
	ScoringModel string `json:"scoring_model"`
	Repetitions  int    `json:"repetitions"`
}

// Summary holds aggregate statistics from multiple scoring runs.
type Summary struct {
	MeanScore     *float64 `json:"mean_score"`
	MinScore      *float64 `json:"min_score"`
	MaxScore      *float64 `json:"max_score"`
	Variance      *float64 `json:"variance"`
	AllRunsParsed bool     `json:"all_runs_parsed"`
}

// Scorer evaluates responses using an LLM as judge.
type Scorer struct {
	client llm.Client
	config Config
}

// NewScorer creates a new Scorer.
func NewScorer(client llm.Client, config Config) *Scorer {
	if config.Repetitions <= 0 {
		config.Repetitions = 3
	}
	if config.Model == "" {
		config.Model = DefaultScoringModel
	}
	return &Scorer{client: client, config: config}
}

// Score returns the mean judge score in [0,1] for a response to prompt.
func (s *Scorer) Score(ctx context.Context, prompt, response string) (float64, error) {
	ev, err := s.Evaluate(ctx, prompt, response)
	if err != nil {
		return 0, err
	}
	if ev.Summary.MeanScore == nil {
		return 0, ErrUnparsed
	}
	return *ev.Summary.MeanScore, nil
}

// Evaluate runs the judge Repetitions times and summarises the parsed scores.
func (s *Scorer) Evaluate(ctx context.Context, prompt, response string) (*Evaluation, error) {
	output := &Evaluation{
		Metadata: Metadata{
			Timestamp:    time.Now().Format(time.RFC3339),
			ScoringModel: s.config.Model,
			Repetitions:  s.config.Repetitions,
		},
		Runs: make([]RunScore, 0, s.config.Repetitions),
	}
	content := judgeInput(prompt, response)

	for i := 0; i < s.config.Repetitions; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Debug("scoring run",
			"run", i+1,
			"total", s.config.Repetitions,
		)

		resultText, err := s.evaluate(ctx, content)
		if err != nil {
			slog.Error("scoring run failed", "run", i+1, "error", err)
			output.Runs = append(output.Runs, RunScore{
				ParseErr: err.Error(),
			})
			continue
		}

		parsed := parseScore(resultText)
		output.Runs = append(output.Runs, parsed)

		if parsed.Score != nil {
			slog.Debug("score parsed", "run", i+1, "score", *parsed.Score)
		}
	}

	output.Summary = calculateStatistics(output.Runs)

	return output, nil
}

// WriteEvaluationFile writes the evaluation as JSON to path.
func WriteEvaluationFile(output *Evaluation, path string) error {
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scores file: %w", err)
	}

	return nil
}

func (s *Scorer) evaluate(ctx context.Context, content string) (string, error) {
	// Try streaming first.
	stream, err := s.client.ChatCompletionStream(ctx, llm.ChatRequest{
		Model:         s.config.Model,
		SystemMessage: EvaluationPrompt,
		UserMessage:   content,
		Temperature:   llm.Float64Ptr(0),
	})
	if err == nil {
		result, streamErr := llm.CollectStream(stream)
		if streamErr == nil {
			return result, nil
		}
		slog.Warn("streaming evaluation failed, falling back to non-streaming", "error", streamErr)
	} else {
		slog.Debug("streaming not available, using non-streaming", "error", err)
	}

	// Fallback to non-streaming.
	resp, err := s.client.ChatCompletion(ctx, llm.ChatRequest{
		Model:         s.config.Model,
		SystemMessage: EvaluationPrompt,
		UserMessage:   content,
		Temperature:   llm.Float64Ptr(0),
	})
	if err != nil {
		return "", fmt.Errorf("evaluation failed: %w", err)
	}

	return resp.Content, nil
}

var (
	scorePattern    = regexp.MustCompile(`(?i)score\s*:\s*([0-9]*\.?[0-9]+)\s*(%)?`)
	fractionPattern = regexp.MustCompile(`(\d+)\s+out\s+of\s+(\d+)`)
)

// parseScore reads "SCORE: x" from the judge output. Percentages and the
// "n out of m" form are accepted as well. The last match wins.
func parseScore(text string) RunScore {
	if all := scorePattern.FindAllStringSubmatch(text, -1); len(all) > 0 {
		m := all[len(all)-1]
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && m[2] == "%" {
			v /= 100
		}
		if err != nil || v < 0 || v > 1 {
			return RunScore{RawOutput: text, ParseErr: fmt.Sprintf("score %q is outside [0, 1]", m[0])}
		}
		return RunScore{Score: &v, RawOutput: text}
	}

	if m := fractionPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 && n <= total {
			v := float64(n) / float64(total)
			return RunScore{Score: &v, RawOutput: text}
		}
	}

	return RunScore{
		RawOutput: text,
		ParseErr:  "Could not parse score from output",
	}
}

func calculateStatistics(runs []RunScore) Summary {
	var values []float64
	for _, r := range runs {
		if r.Score != nil {
			values = append(values, *r.Score)
		}
	}

	if len(values) == 0 {
		return Summary{AllRunsParsed: false}
	}

	mean := round(meanFloat(values))
	minS := slices.Min(values)
	maxS := slices.Max(values)
	variance := round(varianceFloat(values, meanFloat(values)))

	return Summary{
		MeanScore:     &mean,
		MinScore:      &minS,
		MaxScore:      &maxS,
		Variance:      &variance,
		AllRunsParsed: len(values) == len(runs),
	}
}

func meanFloat(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// varianceFloat calculates the population variance given a precomputed mean.
func varianceFloat(vals []float64, mean float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sumSquaredDiff := 0.0
	for _, v := range vals {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}
	return sumSquaredDiff / float64(len(vals))
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
