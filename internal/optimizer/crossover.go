package optimizer

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

var sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)

// splitSentences splits text after sentence-ending punctuation followed by
// whitespace. Each sentence keeps its punctuation.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		end := loc[0] + len(strings.TrimRightFunc(text[loc[0]:loc[1]], isSpace))
		out = append(out, text[last:end])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// splitClauses splits a single sentence on commas.
func splitClauses(text string) []string {
	parts := strings.Split(strings.TrimSpace(text), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// segment returns sentence segments, falling back to comma clauses for
// single-sentence text, together with the separator that rejoins them.
func segment(text string) ([]string, string) {
	if s := splitSentences(text); len(s) >= 2 {
		return s, " "
	}
	return splitClauses(text), ", "
}

// Crossover performs a single-point exchange of segments between two parents:
// the head of a followed by the tail of b. When either parent cannot be cut,
// a is returned unchanged.
func Crossover(a, b string, rng *rand.Rand) string {
	sa, sepA := segment(a)
	sb, _ := segment(b)
	if len(sa) < 2 || len(sb) < 2 {
		return a
	}
	i := 1 + rng.IntN(len(sa)-1)
	j := 1 + rng.IntN(len(sb)-1)
	child := append(append([]string{}, sa[:i]...), sb[j:]...)
	return strings.Join(child, sepA)
}
