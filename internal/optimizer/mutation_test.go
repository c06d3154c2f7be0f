package optimizer

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutatorsPreservePlaceholders(t *testing.T) {
	templates := []string{
		"Summarize the following text: {text}",
		"Explain {topic} to a {audience}. Use simple words. Give one example.",
		"{question}",
		"Answer the question, using the context {context}, in a short paragraph.",
	}

	rng := rand.New(rand.NewPCG(7, 7))
	for _, m := range DefaultMutators() {
		t.Run(m.Name(), func(t *testing.T) {
			for _, tpl := range templates {
				want := sortedPlaceholders(tpl)
				for range 25 {
					out, ok := m.Mutate(tpl, rng)
					if !ok {
						assert.Equal(t, tpl, out)
						continue
					}
					assert.Equal(t, want, sortedPlaceholders(out), "mutated %q into %q", tpl, out)
				}
			}
		})
	}
}

func TestSynonymMutator(t *testing.T) {
	m := NewSynonymMutator(map[string][]string{"summarize": {"condense"}})
	rng := rand.New(rand.NewPCG(1, 1))

	out, ok := m.Mutate("Summarize {summarize} now", rng)
	require.True(t, ok)
	assert.Equal(t, "Condense {summarize} now", out)

	_, ok = m.Mutate("Nothing to replace here", rng)
	assert.False(t, ok)
}

func TestReorderMutator(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	out, ok := ReorderMutator{}.Mutate("First. Second.", rng)
	require.True(t, ok)
	assert.Equal(t, "Second. First.", out)

	out, ok = ReorderMutator{}.Mutate("alpha, beta", rng)
	require.True(t, ok)
	assert.Equal(t, "beta, alpha", out)

	_, ok = ReorderMutator{}.Mutate("single clause", rng)
	assert.False(t, ok)
}

func TestToneMutatorTogglesPrefix(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	seen := map[string]bool{}
	for range 40 {
		out, ok := ToneMutator{}.Mutate("Please list the steps", rng)
		require.True(t, ok)
		seen[out] = true
	}
	assert.True(t, seen["List the steps"])
	for out := range seen {
		if out != "List the steps" {
			assert.True(t, strings.HasPrefix(out, "Please list the steps."), out)
		}
	}
}

func TestReframeMutatorAppliesEachFrameOnce(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	tpl := "Describe {item}"
	for range len(reframes) {
		out, ok := ReframeMutator{}.Mutate(tpl, rng)
		require.True(t, ok)
		tpl = out
	}
	_, ok := ReframeMutator{}.Mutate(tpl, rng)
	assert.False(t, ok)
	for _, f := range reframes {
		assert.Equal(t, 1, strings.Count(strings.ToLower(tpl), strings.ToLower(f.marker)), tpl)
	}
}

func TestProtectRestoresPlaceholders(t *testing.T) {
	masked, restore := protect("Hi {name}, see {link}")
	assert.NotContains(t, masked, "{")
	assert.Equal(t, "Hi {name}, see {link}", restore(masked))
}

func TestCrossover(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	a := "A one. A two. A three."
	b := "B one. B two."

	for range 20 {
		child := Crossover(a, b, rng)
		assert.True(t, strings.HasPrefix(child, "A one."), child)
		assert.True(t, strings.HasSuffix(child, "B two."), child)
	}

	assert.Equal(t, "single", Crossover("single", b, rng))
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Hello there! How are you? Fine.  Thanks")
	assert.Equal(t, []string{"Hello there!", "How are you?", "Fine.", "Thanks"}, got)
	assert.Nil(t, splitSentences("   "))
}

func TestLowerFirstKeepsAcronyms(t *testing.T) {
	assert.Equal(t, "JSON output", lowerFirst("JSON output"))
	assert.Equal(t, "write it", lowerFirst("Write it"))
	assert.Equal(t, "Brief", matchCase("Short", "brief"))
}
