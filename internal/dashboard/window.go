package dashboard

import (
	"math"
	"time"
)

// window is a fixed-capacity ring buffer of points, oldest first.
type window struct {
	buf   []MetricPoint
	start int
	size  int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]MetricPoint, capacity)}
}

func (w *window) push(p MetricPoint) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = p
		w.size++
		return
	}
	w.buf[w.start] = p
	w.start = (w.start + 1) % len(w.buf)
}

func (w *window) at(i int) MetricPoint {
	return w.buf[(w.start+i)%len(w.buf)]
}

func (w *window) last() (MetricPoint, bool) {
	if w.size == 0 {
		return MetricPoint{}, false
	}
	return w.at(w.size - 1), true
}

// prune drops points older than cutoff. Points are appended in arrival order,
// so pruning stops at the first point that is recent enough.
func (w *window) prune(cutoff time.Time) int {
	dropped := 0
	for w.size > 0 && w.buf[w.start].Timestamp.Before(cutoff) {
		w.buf[w.start] = MetricPoint{}
		w.start = (w.start + 1) % len(w.buf)
		w.size--
		dropped++
	}
	return dropped
}

// points copies the points accepted by keep, oldest first.
func (w *window) points(keep func(MetricPoint) bool) []MetricPoint {
	out := make([]MetricPoint, 0, w.size)
	for i := range w.size {
		if p := w.at(i); keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// summarize computes window statistics over points, oldest first.
func summarize(name string, kind Kind, points []MetricPoint) MetricStats {
	s := MetricStats{Name: name, Kind: kind, Count: len(points), Trend: TrendStable}
	if len(points) == 0 {
		return s
	}

	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	sum := 0.0
	for _, p := range points {
		sum += p.Value
		s.Min = math.Min(s.Min, p.Value)
		s.Max = math.Max(s.Max, p.Value)
	}
	n := float64(len(points))
	s.Mean = sum / n
	last := points[len(points)-1]
	s.CurrentValue = last.Value
	s.LastUpdated = last.Timestamp

	if len(points) > 1 {
		var ss float64
		for _, p := range points {
			d := p.Value - s.Mean
			ss += d * d
		}
		s.StdDev = math.Sqrt(ss / (n - 1))
		s.Trend = trend(points, s.Mean)
	}
	return s
}

// trend fits a least-squares line over the point index. A total change within
// one percent of the mean counts as stable.
func trend(points []MetricPoint, mean float64) Trend {
	n := float64(len(points))
	xMean := (n - 1) / 2
	var sxy, sxx float64
	for i, p := range points {
		dx := float64(i) - xMean
		sxy += dx * (p.Value - mean)
		sxx += dx * dx
	}
	change := sxy / sxx * (n - 1)
	tolerance := 0.01 * math.Abs(mean)
	switch {
	case change > tolerance:
		return TrendRising
	case change < -tolerance:
		return TrendFalling
	default:
		return TrendStable
	}
}
