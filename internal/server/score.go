package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/scorer"
)

// EvaluationSuffix names the per-result evaluation files written next to a
// results file.
const EvaluationSuffix = "_evaluation.json"

// ErrNoJudge is returned when judge scoring is requested but the heuristic
// scorer is configured.
var ErrNoJudge = errors.New("judge model is not configured")

// ScoredResult is the judge evaluation of one stored test result.
type ScoredResult struct {
	UserID         string         `json:"user_id"`
	Variant        string         `json:"variant"`
	EvaluationFile string         `json:"evaluation_file"`
	Summary        scorer.Summary `json:"summary"`
}

// ScoreResults re-scores every response in a CSV results file with the judge
// model and writes one evaluation file per result into the same directory.
func (sc *ServerContext) ScoreResults(ctx context.Context, resultsFile string) ([]ScoredResult, error) {
	if sc.Judge == nil {
		return nil, ErrNoJudge
	}

	f, err := os.Open(resultsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	results, err := experiment.ImportCSV(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no results found in %s", resultsFile)
	}

	dir := filepath.Dir(resultsFile)
	experiments := make(map[string]*experiment.Experiment)
	scored := make([]ScoredResult, 0, len(results))
	for _, r := range results {
		exp, ok := experiments[r.ExperimentID]
		if !ok {
			// Results of deleted experiments are scored against their raw input.
			exp, _ = sc.Manager.Get(ctx, r.ExperimentID)
			experiments[r.ExperimentID] = exp
		}

		eval, err := sc.Judge.Evaluate(ctx, renderedPrompt(exp, r), r.Response)
		if err != nil {
			return nil, fmt.Errorf("failed to score result %s: %w", r.UserID, err)
		}

		name := evaluationName(r.UserID)
		if err := scorer.WriteEvaluationFile(eval, filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("failed to write evaluation for %s: %w", r.UserID, err)
		}
		scored = append(scored, ScoredResult{
			UserID:         r.UserID,
			Variant:        r.VariantName,
			EvaluationFile: name,
			Summary:        eval.Summary,
		})
	}
	return scored, nil
}

// renderedPrompt reconstructs the prompt a result was produced from.
func renderedPrompt(exp *experiment.Experiment, r experiment.TestResult) string {
	if exp != nil {
		if v, ok := exp.Variant(r.VariantName); ok {
			if p, err := v.Render(r.Input); err == nil {
				return p
			}
		}
	}
	data, _ := json.Marshal(r.Input)
	return string(data)
}

func evaluationName(userID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, userID) + EvaluationSuffix
}
