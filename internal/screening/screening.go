// Package screening provides the content-screening capability used to audit
// prompts before they reach a provider.
package screening

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
)

// ErrFlagged is returned when screened content is rejected.
var ErrFlagged = errors.New("content flagged by screening")

// Result is the outcome of screening one text.
type Result struct {
	Flagged    bool     `json:"flagged"`
	Score      float64  `json:"score"` // 0 (clean) to 1 (certainly problematic)
	Categories []string `json:"categories,omitempty"`
}

// Screener inspects a text and reports whether it should be flagged.
type Screener interface {
	Screen(ctx context.Context, text string) (Result, error)
}

// Func adapts a plain function to the Screener interface.
type Func func(ctx context.Context, text string) (Result, error)

// Screen calls f.
func (f Func) Screen(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}

// Chain runs every screener in order. The text is flagged if any screener
// flags it; the score is the maximum score and categories are merged.
type Chain []Screener

// Screen implements Screener.
func (c Chain) Screen(ctx context.Context, text string) (Result, error) {
	var out Result
	for _, s := range c {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.Screen(ctx, text)
		if err != nil {
			return out, err
		}
		out.Flagged = out.Flagged || r.Flagged
		out.Score = max(out.Score, r.Score)
		for _, cat := range r.Categories {
			if !slices.Contains(out.Categories, cat) {
				out.Categories = append(out.Categories, cat)
			}
		}
	}
	return out, nil
}

// Rule is one pattern belonging to a category.
type Rule struct {
	Category string
	Pattern  *regexp.Regexp
	Weight   float64
}

// Keyword is a rule-based screener. Each matching rule adds its weight to the
// score; the text is flagged once the score reaches Threshold.
type Keyword struct {
	Rules     []Rule
	Threshold float64
}

// DefaultRules covers common prompt-injection phrasing and personal data.
var DefaultRules = []Rule{
	{Category: "injection", Pattern: regexp.MustCompile(`(?i)ignore (all )?(the )?(previous|prior|above) (instructions|prompts?)`), Weight: 0.8},
	{Category: "injection", Pattern: regexp.MustCompile(`(?i)disregard (your|the) (system prompt|instructions)`), Weight: 0.8},
	{Category: "injection", Pattern: regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`), Weight: 0.7},
	{Category: "injection", Pattern: regexp.MustCompile(`(?i)reveal (your|the) (system prompt|hidden instructions)`), Weight: 0.6},
	{Category: "pii", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Weight: 0.5},
	{Category: "pii", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), Weight: 0.5},
	{Category: "pii", Pattern: regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`), Weight: 0.2},
}

// NewKeyword returns a Keyword screener with the default rules and a
// threshold of 0.5.
func NewKeyword() *Keyword {
	return &Keyword{Rules: DefaultRules, Threshold: 0.5}
}

// Screen implements Screener.
func (k *Keyword) Screen(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var out Result
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	for _, rule := range k.Rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		out.Score += rule.Weight
		if !slices.Contains(out.Categories, rule.Category) {
			out.Categories = append(out.Categories, rule.Category)
		}
	}
	out.Score = min(out.Score, 1)
	out.Flagged = out.Score > 0 && out.Score >= k.Threshold
	return out, nil
}
