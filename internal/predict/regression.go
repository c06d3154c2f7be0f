package predict

import (
	"errors"
	"math"
)

var errSingular = errors.New("singular system")

// model is a ridge regression fitted over standardised features.
type model struct {
	features []string
	mean     []float64
	scale    []float64
	coef     []float64
	yMean    float64
	// residualSE is the residual standard error on dof degrees of freedom.
	residualSE float64
	dof        float64
	n          int
}

// fitRidge fits y ≈ ȳ + Σ β_j (x_j - μ_j)/σ_j minimising squared error plus
// lambda·|β|². Constant features keep a zero coefficient.
func fitRidge(features []string, x [][]float64, y []float64, lambda float64) (*model, error) {
	n, p := len(y), len(features)
	m := &model{
		features: features,
		mean:     make([]float64, p),
		scale:    make([]float64, p),
		coef:     make([]float64, p),
		n:        n,
	}
	if n == 0 {
		return nil, errors.New("no samples")
	}
	for _, v := range y {
		m.yMean += v
	}
	m.yMean /= float64(n)

	for j := range p {
		for i := range n {
			m.mean[j] += x[i][j]
		}
		m.mean[j] /= float64(n)
		ss := 0.0
		for i := range n {
			d := x[i][j] - m.mean[j]
			ss += d * d
		}
		m.scale[j] = math.Sqrt(ss / float64(n))
	}

	// Only non-constant columns enter the system.
	var active []int
	for j := range p {
		if m.scale[j] > 1e-12 {
			active = append(active, j)
		}
	}
	if len(active) > 0 {
		k := len(active)
		a := make([][]float64, k)
		b := make([]float64, k)
		for r := range k {
			a[r] = make([]float64, k)
		}
		for i := range n {
			z := make([]float64, k)
			for r, j := range active {
				z[r] = (x[i][j] - m.mean[j]) / m.scale[j]
			}
			dy := y[i] - m.yMean
			for r := range k {
				b[r] += z[r] * dy
				for c := range k {
					a[r][c] += z[r] * z[c]
				}
			}
		}
		for r := range k {
			a[r][r] += lambda
		}
		beta, err := solve(a, b)
		if err != nil {
			return nil, err
		}
		for r, j := range active {
			m.coef[j] = beta[r]
		}
	}

	sse := 0.0
	for i := range n {
		d := y[i] - m.predict(x[i])
		sse += d * d
	}
	m.dof = math.Max(1, float64(n-len(active)-1))
	m.residualSE = math.Sqrt(sse / m.dof)
	return m, nil
}

func (m *model) predict(row []float64) float64 {
	v := m.yMean
	for j, c := range m.coef {
		if c != 0 {
			v += c * (row[j] - m.mean[j]) / m.scale[j]
		}
	}
	return v
}

// importance returns |β_j| normalised to sum to one. A model without any
// effective coefficient reports zero importance for every feature.
func (m *model) importance() map[string]float64 {
	out := make(map[string]float64, len(m.features))
	total := 0.0
	for _, c := range m.coef {
		total += math.Abs(c)
	}
	for j, name := range m.features {
		if total > 0 {
			out[name] = math.Abs(m.coef[j]) / total
		} else {
			out[name] = 0
		}
	}
	return out
}

// solve solves a·x = b by Gaussian elimination with partial pivoting. a and b
// are modified.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := range n {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := b[r]
		for c := r + 1; c < n; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, nil
}

// leaveOneOut backtests the ridge fit and returns the mean absolute error of
// held-out predictions.
func leaveOneOut(features []string, x [][]float64, y []float64, lambda float64) (float64, error) {
	n := len(y)
	if n < 2 {
		return 0, errors.New("leave-one-out needs at least two samples")
	}
	xs := make([][]float64, 0, n-1)
	ys := make([]float64, 0, n-1)
	total := 0.0
	for i := range n {
		xs, ys = xs[:0], ys[:0]
		for k := range n {
			if k != i {
				xs = append(xs, x[k])
				ys = append(ys, y[k])
			}
		}
		m, err := fitRidge(features, xs, ys, lambda)
		if err != nil {
			return 0, err
		}
		total += math.Abs(y[i] - m.predict(x[i]))
	}
	return total / float64(n), nil
}

// accuracy maps a backtest error onto [0,1] relative to the mean absolute
// target value.
func accuracy(mae float64, y []float64) float64 {
	scale := 0.0
	for _, v := range y {
		scale += math.Abs(v)
	}
	scale /= float64(len(y))
	if scale == 0 {
		if mae == 0 {
			return 1
		}
		return 0
	}
	return clamp(1-mae/scale, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
