package scorer

import (
	"context"
	"strings"
)

// LengthScorer is an offline heuristic: responses within the word range score
// 1, shorter or longer ones proportionally less, empty ones 0.
type LengthScorer struct {
	MinWords int
	MaxWords int
}

// Score implements the quality scorer contract without calling a model.
func (l LengthScorer) Score(_ context.Context, _ string, response string) (float64, error) {
	minW, maxW := l.MinWords, l.MaxWords
	if minW <= 0 {
		minW = 5
	}
	if maxW < minW {
		maxW = max(200, minW)
	}

	words := len(strings.Fields(response))
	switch {
	case words == 0:
		return 0, nil
	case words < minW:
		return float64(words) / float64(minW), nil
	case words > maxW:
		return float64(maxW) / float64(words), nil
	default:
		return 1, nil
	}
}
