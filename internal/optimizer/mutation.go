package optimizer

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mutator applies one structural change to a template. Implementations must
// leave {placeholder} tokens intact. Mutate reports false when the strategy
// does not apply to the template.
type Mutator interface {
	Name() string
	Mutate(template string, rng *rand.Rand) (string, bool)
}

// DefaultMutators returns the built-in mutation strategies.
func DefaultMutators() []Mutator {
	return []Mutator{
		NewSynonymMutator(nil),
		ReorderMutator{},
		ToneMutator{},
		ReframeMutator{},
	}
}

var (
	placeholderToken = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)
	sentinelToken    = regexp.MustCompile(`\x00([0-9]+)\x00`)
	wordPattern      = regexp.MustCompile(`[A-Za-z]+`)
)

// protect swaps placeholders for sentinels so text edits cannot touch them.
func protect(template string) (string, func(string) string) {
	var saved []string
	masked := placeholderToken.ReplaceAllStringFunc(template, func(m string) string {
		saved = append(saved, m)
		return "\x00" + strconv.Itoa(len(saved)-1) + "\x00"
	})
	restore := func(s string) string {
		return sentinelToken.ReplaceAllStringFunc(s, func(m string) string {
			i, err := strconv.Atoi(m[1 : len(m)-1])
			if err != nil || i >= len(saved) {
				return m
			}
			return saved[i]
		})
	}
	return masked, restore
}

// DefaultSynonyms is the built-in synonym dictionary.
var DefaultSynonyms = map[string][]string{
	"summarize": {"condense", "sum up", "recap"},
	"explain":   {"describe", "clarify", "walk through"},
	"write":     {"compose", "draft", "produce"},
	"list":      {"enumerate", "itemize", "outline"},
	"short":     {"brief", "concise", "compact"},
	"answer":    {"respond to", "reply to", "address"},
	"describe":  {"explain", "characterize", "portray"},
	"give":      {"provide", "offer", "supply"},
	"use":       {"apply", "employ", "rely on"},
	"simple":    {"plain", "clear", "straightforward"},
	"detailed":  {"thorough", "in-depth", "comprehensive"},
	"important": {"key", "essential", "critical"},
	"following": {"below", "given", "provided"},
	"text":      {"passage", "content", "document"},
	"question":  {"query", "request", "prompt"},
}

// SynonymMutator replaces one dictionary word with a synonym.
type SynonymMutator struct {
	dictionary map[string][]string
}

// NewSynonymMutator creates a SynonymMutator. A nil dictionary selects
// DefaultSynonyms.
func NewSynonymMutator(dictionary map[string][]string) *SynonymMutator {
	if dictionary == nil {
		dictionary = DefaultSynonyms
	}
	return &SynonymMutator{dictionary: dictionary}
}

func (m *SynonymMutator) Name() string { return "synonym" }

func (m *SynonymMutator) Mutate(template string, rng *rand.Rand) (string, bool) {
	masked, restore := protect(template)
	matches := wordPattern.FindAllStringIndex(masked, -1)

	var candidates [][]int
	for _, loc := range matches {
		if _, ok := m.dictionary[strings.ToLower(masked[loc[0]:loc[1]])]; ok {
			candidates = append(candidates, loc)
		}
	}
	if len(candidates) == 0 {
		return template, false
	}

	loc := candidates[rng.IntN(len(candidates))]
	word := masked[loc[0]:loc[1]]
	options := m.dictionary[strings.ToLower(word)]
	replacement := matchCase(word, options[rng.IntN(len(options))])
	return restore(masked[:loc[0]] + replacement + masked[loc[1]:]), true
}

func matchCase(original, replacement string) string {
	r, _ := utf8.DecodeRuneInString(original)
	if unicode.IsUpper(r) {
		return upperFirst(replacement)
	}
	return replacement
}

// ReorderMutator swaps two sentences, or two comma clauses of a single sentence.
type ReorderMutator struct{}

func (ReorderMutator) Name() string { return "reorder" }

func (ReorderMutator) Mutate(template string, rng *rand.Rand) (string, bool) {
	segments, sep := segment(template)
	if len(segments) < 2 {
		return template, false
	}
	i := rng.IntN(len(segments))
	j := rng.IntN(len(segments) - 1)
	if j >= i {
		j++
	}
	segments[i], segments[j] = segments[j], segments[i]
	out := strings.Join(segments, sep)
	return out, out != template
}

// Tone markers appended or removed by ToneMutator.
var toneMarkers = []string{
	"Be concise.",
	"Be specific.",
	"Think step by step.",
	"Use a friendly, professional tone.",
	"Thank you.",
}

// ToneMutator toggles a politeness prefix or adds a tone marker.
type ToneMutator struct{}

func (ToneMutator) Name() string { return "tone" }

func (ToneMutator) Mutate(template string, rng *rand.Rand) (string, bool) {
	trimmed := strings.TrimSpace(template)
	if trimmed == "" {
		return template, false
	}
	if rng.IntN(2) == 0 {
		if rest, ok := strings.CutPrefix(trimmed, "Please "); ok {
			return upperFirst(rest), true
		}
		if !strings.HasPrefix(trimmed, "{") {
			return "Please " + lowerFirst(trimmed), true
		}
	}

	var missing []string
	for _, marker := range toneMarkers {
		if !strings.Contains(trimmed, marker) {
			missing = append(missing, marker)
		}
	}
	if len(missing) == 0 {
		return template, false
	}
	return terminate(trimmed) + " " + missing[rng.IntN(len(missing))], true
}

// Instruction frames applied by ReframeMutator. Each frame wraps the whole
// template once.
var reframes = []struct {
	marker string
	apply  func(string) string
}{
	{"You are an expert assistant.", func(s string) string { return "You are an expert assistant. " + s }},
	{"Your task is to", func(s string) string { return "Your task is to " + lowerFirst(s) }},
	{"Answer as accurately as possible.", func(s string) string { return terminate(s) + " Answer as accurately as possible." }},
	{"Respond in plain language.", func(s string) string { return terminate(s) + " Respond in plain language." }},
}

// ReframeMutator rewrites the framing of the instruction.
type ReframeMutator struct{}

func (ReframeMutator) Name() string { return "reframe" }

func (ReframeMutator) Mutate(template string, rng *rand.Rand) (string, bool) {
	trimmed := strings.TrimSpace(template)
	if trimmed == "" {
		return template, false
	}
	lower := strings.ToLower(trimmed)
	var usable []int
	for i, f := range reframes {
		if !strings.Contains(lower, strings.ToLower(f.marker)) {
			usable = append(usable, i)
		}
	}
	if len(usable) == 0 {
		return template, false
	}
	f := reframes[usable[rng.IntN(len(usable))]]
	if f.marker == "Your task is to" && strings.HasPrefix(trimmed, "{") {
		return template, false
	}
	return f.apply(trimmed), true
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	// Keep acronyms such as "JSON" intact.
	if next, _ := utf8.DecodeRuneInString(s[size:]); unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// terminate makes sure a sentence ends with punctuation.
func terminate(s string) string {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?', ':', '}':
		return s
	}
	return s + "."
}
