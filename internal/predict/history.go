package predict

import (
	"math"
	"regexp"
	"strings"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Feature names derived from prompt templates and results.
const (
	FeaturePromptLength     = "prompt_length"
	FeatureWordCount        = "word_count"
	FeatureSentenceCount    = "sentence_count"
	FeatureAvgWordLength    = "avg_word_length"
	FeaturePlaceholderCount = "placeholder_count"
	FeatureLatencyMs        = "latency_ms"
	FeatureCost             = "cost"
	FeatureTokens           = "tokens"
)

var sentenceTerminator = regexp.MustCompile(`[.!?]+`)

// PromptFeatures describes the shape of a prompt template.
func PromptFeatures(template string) Features {
	words := strings.Fields(template)
	letters := 0
	for _, w := range words {
		letters += len(strings.Trim(w, ".,;:!?\"'()"))
	}
	avg := 0.0
	if len(words) > 0 {
		avg = float64(letters) / float64(len(words))
	}
	sentences := len(sentenceTerminator.FindAllString(template, -1))
	if sentences == 0 && strings.TrimSpace(template) != "" {
		sentences = 1
	}
	return Features{
		FeaturePromptLength:     float64(len(template)),
		FeatureWordCount:        float64(len(words)),
		FeatureSentenceCount:    float64(sentences),
		FeatureAvgWordLength:    avg,
		FeaturePlaceholderCount: float64(len(experiment.Placeholders(template))),
	}
}

// ResultsToHistory turns test results into historical records: the prompt
// features of the variant that produced each result, its measurements, and
// the quality and conversion targets.
func ResultsToHistory(exp *experiment.Experiment, results []experiment.TestResult) []Record {
	prompts := make(map[string]Features, len(exp.Variants))
	for _, v := range exp.Variants {
		prompts[v.Name] = PromptFeatures(v.Template)
	}

	out := make([]Record, 0, len(results))
	for _, r := range results {
		rec := Record{
			FeatureLatencyMs: r.LatencyMs,
			FeatureCost:      r.Cost,
			FeatureTokens:    float64(r.Tokens),
			TargetQuality:    r.QualityScore,
			TargetConversion: 0,
		}
		if r.Converted {
			rec[TargetConversion] = 1
		}
		for k, v := range prompts[r.VariantName] {
			rec[k] = v
		}
		out = append(out, rec)
	}
	return out
}

// VariantsFromResults builds allocation candidates from an experiment: each
// variant carries its prompt features and the means of its observed
// measurements.
func VariantsFromResults(exp *experiment.Experiment, results []experiment.TestResult) []Variant {
	type sums struct {
		n                     int
		quality, latency, cst float64
		tokens                float64
	}
	byVariant := make(map[string]*sums)
	for _, r := range results {
		s, ok := byVariant[r.VariantName]
		if !ok {
			s = &sums{}
			byVariant[r.VariantName] = s
		}
		s.n++
		s.quality += r.QualityScore
		s.latency += r.LatencyMs
		s.cst += r.Cost
		s.tokens += float64(r.Tokens)
	}

	out := make([]Variant, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		f := PromptFeatures(v.Template)
		if s, ok := byVariant[v.Name]; ok && s.n > 0 {
			n := float64(s.n)
			f[TargetQuality] = s.quality / n
			f[FeatureLatencyMs] = s.latency / n
			f[FeatureCost] = s.cst / n
			f[FeatureTokens] = s.tokens / n
		}
		out = append(out, Variant{Name: v.Name, Features: f})
	}
	return out
}

// CostHistory extracts the per-result cost series of an experiment.
func CostHistory(results []experiment.TestResult) []CostPoint {
	out := make([]CostPoint, 0, len(results))
	for _, r := range results {
		if math.IsNaN(r.Cost) {
			continue
		}
		out = append(out, CostPoint{Timestamp: r.Timestamp, Cost: r.Cost})
	}
	return out
}
