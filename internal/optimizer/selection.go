package optimizer

import (
	"math/rand/v2"
	"sort"
)

// candidate is one member of a generation.
type candidate struct {
	template string
	metrics  Metrics
	fitness  float64
	err      error
}

// selectParent returns the index of a parent chosen by the given scheme.
func selectParent(pop []candidate, scheme Selection, rng *rand.Rand) int {
	if scheme == SelectionRank {
		return rankSelect(pop, rng)
	}
	return rouletteSelect(pop, rng)
}

// rouletteSelect picks with probability proportional to fitness. A population
// without any fitness falls back to a uniform pick.
func rouletteSelect(pop []candidate, rng *rand.Rand) int {
	total := 0.0
	for _, c := range pop {
		total += c.fitness
	}
	if total <= 0 {
		return rng.IntN(len(pop))
	}
	point := rng.Float64() * total
	for i, c := range pop {
		point -= c.fitness
		if point < 0 {
			return i
		}
	}
	return len(pop) - 1
}

// rankSelect picks with probability proportional to rank: the fittest of n
// candidates has weight n, the least fit weight 1.
func rankSelect(pop []candidate, rng *rand.Rand) int {
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return pop[order[a]].fitness < pop[order[b]].fitness })

	n := len(pop)
	point := rng.IntN(n * (n + 1) / 2)
	for rank, idx := range order {
		point -= rank + 1
		if point < 0 {
			return idx
		}
	}
	return order[n-1]
}
