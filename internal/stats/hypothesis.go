package stats

import "math"

// MaxEffectSize bounds reported standardized effect sizes. Zero-variance
// samples with different means would otherwise report an infinite effect.
const MaxEffectSize = 10.0

// Sample holds the moments of one variant's measurements.
type Sample struct {
	N        int
	Mean     float64
	Variance float64 // unbiased (n-1) sample variance
	Min      float64
	Max      float64
}

// Describe computes the moments of values.
func Describe(values []float64) Sample {
	s := Sample{N: len(values)}
	if s.N == 0 {
		return s
	}
	s.Min, s.Max = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = sum / float64(s.N)
	if s.Min == s.Max {
		// Constant samples: avoid rounding noise in the mean and variance.
		s.Mean = s.Min
		return s
	}
	if s.N > 1 {
		ss := 0.0
		for _, v := range values {
			d := v - s.Mean
			ss += d * d
		}
		s.Variance = ss / float64(s.N-1)
	}
	return s
}

// StdDev returns the sample standard deviation.
func (s Sample) StdDev() float64 {
	return math.Sqrt(s.Variance)
}

// TestOutcome is the result of a two-sample comparison.
type TestOutcome struct {
	Statistic  float64
	DF         float64
	PValue     float64
	EffectSize float64 // positive when a > b
}

// WelchTTest compares the means of two samples without assuming equal
// variances. The effect size is Cohen's d with a pooled standard deviation.
func WelchTTest(a, b Sample) TestOutcome {
	va := a.Variance / float64(a.N)
	vb := b.Variance / float64(b.N)
	se := math.Sqrt(va + vb)
	diff := a.Mean - b.Mean

	out := TestOutcome{EffectSize: cohensD(a, b)}
	if se == 0 || math.IsNaN(se) {
		out.Statistic, out.PValue = degenerate(diff)
		return out
	}

	out.Statistic = diff / se
	denom := 0.0
	if a.N > 1 {
		denom += va * va / float64(a.N-1)
	}
	if b.N > 1 {
		denom += vb * vb / float64(b.N-1)
	}
	out.DF = (va + vb) * (va + vb) / denom
	out.PValue = TwoSidedTPValue(out.Statistic, out.DF)
	return out
}

// ProportionZTest compares two success proportions with a pooled two-proportion
// z-test. The effect size is Cohen's h.
func ProportionZTest(successA, nA, successB, nB int) TestOutcome {
	pa := float64(successA) / float64(nA)
	pb := float64(successB) / float64(nB)
	pooled := float64(successA+successB) / float64(nA+nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nA) + 1/float64(nB)))

	h := 2*math.Asin(math.Sqrt(pa)) - 2*math.Asin(math.Sqrt(pb))
	out := TestOutcome{EffectSize: clampEffect(h)}
	if se == 0 || math.IsNaN(se) {
		out.Statistic, out.PValue = degenerate(pa - pb)
		return out
	}
	out.Statistic = (pa - pb) / se
	out.PValue = math.Erfc(math.Abs(out.Statistic) / math.Sqrt2)
	return out
}

// degenerate handles zero standard error: identical means are not
// distinguishable, different means are certainly different.
func degenerate(diff float64) (statistic, p float64) {
	switch {
	case diff == 0:
		return 0, 1
	case diff > 0:
		return math.Inf(1), 0
	default:
		return math.Inf(-1), 0
	}
}

func cohensD(a, b Sample) float64 {
	diff := a.Mean - b.Mean
	dof := a.N + b.N - 2
	if dof <= 0 {
		return 0
	}
	pooled := math.Sqrt((float64(a.N-1)*a.Variance + float64(b.N-1)*b.Variance) / float64(dof))
	if pooled == 0 {
		switch {
		case diff > 0:
			return MaxEffectSize
		case diff < 0:
			return -MaxEffectSize
		}
		return 0
	}
	return clampEffect(diff / pooled)
}

func clampEffect(d float64) float64 {
	return math.Max(-MaxEffectSize, math.Min(MaxEffectSize, d))
}

// RequiredSampleSize returns the per-group sample size needed to detect a
// standardized effect with 80% power at significance level alpha (two-sided).
// It returns 0 when the effect is zero.
func RequiredSampleSize(effect, alpha float64) int {
	effect = math.Abs(effect)
	if effect == 0 || math.IsNaN(effect) {
		return 0
	}
	z := NormalQuantile(1-alpha/2) + powerZ
	return int(math.Ceil(2 * z * z / (effect * effect)))
}

// MeanConfidenceInterval returns the t-based two-sided interval for the mean at
// the given confidence level.
func MeanConfidenceInterval(s Sample, confidence float64) (lo, hi float64) {
	if s.N < 2 {
		return s.Mean, s.Mean
	}
	t := TQuantile(1-(1-confidence)/2, float64(s.N-1))
	half := t * s.StdDev() / math.Sqrt(float64(s.N))
	return s.Mean - half, s.Mean + half
}
