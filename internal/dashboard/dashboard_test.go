package dashboard

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRisingQualityScenario(t *testing.T) {
	d := New()
	tags := map[string]string{TagExperiment: "exp-1"}
	for i := range 10 {
		d.AddMetricPoint("quality_score", KindQuality, 0.70+0.02*float64(i), tags)
	}

	snap := d.Snapshot()
	require.Len(t, snap.Metrics, 1)
	m := snap.Metrics["quality_score"]
	assert.Equal(t, 10, m.Count)
	assert.InDelta(t, 0.88, m.CurrentValue, 1e-9)
	assert.InDelta(t, 0.79, m.Mean, 1e-9)
	assert.InDelta(t, 0.70, m.Min, 1e-9)
	assert.Equal(t, TrendRising, m.Trend)
	assert.Empty(t, snap.Alerts)
}

func TestCriticalCostAlertIsNotDuplicated(t *testing.T) {
	d := New()
	d.AddMetricPoint("cost", KindCost, 150, nil)
	d.AddMetricPoint("cost", KindCost, 151, nil)

	history := d.AlertHistory()
	require.Len(t, history, 1)
	assert.Equal(t, LevelCritical, history[0].Level)
	assert.Equal(t, 150.0, history[0].Value)
	assert.Equal(t, 100.0, history[0].Threshold)

	active := d.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, history[0].ID, active[0].ID)
}

func TestAlertHysteresis(t *testing.T) {
	d := New()

	d.AddMetricPoint("cost", KindCost, 150, nil)
	// Back under the ceiling but within the hysteresis margin.
	d.AddMetricPoint("cost", KindCost, 99, nil)
	assert.Equal(t, LevelCritical, d.Snapshot().Metrics["cost"].AlertLevel)

	// Recovered past the margin, still above the warning line.
	d.AddMetricPoint("cost", KindCost, 94, nil)
	active := d.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, LevelWarning, active[0].Level)
	assert.Len(t, d.AlertHistory(), 1)

	d.AddMetricPoint("cost", KindCost, 120, nil)
	assert.Len(t, d.AlertHistory(), 2)

	d.AddMetricPoint("cost", KindCost, 10, nil)
	assert.Empty(t, d.ActiveAlerts())
	for _, a := range d.AlertHistory() {
		assert.NotNil(t, a.ResolvedAt, a.ID)
	}
}

func TestQualityAlertsBelowFloor(t *testing.T) {
	d := New()
	d.AddMetricPoint("quality_score", KindQuality, 0.45, nil)
	d.AddMetricPoint("quality_score", KindQuality, 0.2, nil)

	history := d.AlertHistory()
	require.Len(t, history, 2)
	assert.Equal(t, LevelWarning, history[0].Level)
	assert.Equal(t, LevelCritical, history[1].Level)
	require.Len(t, d.ActiveAlerts(), 1)
	assert.Equal(t, LevelCritical, d.ActiveAlerts()[0].Level)
}

func TestCustomThresholds(t *testing.T) {
	d := New(WithThresholds(map[Kind]Threshold{KindCost: {Warning: 1, Critical: 2, Direction: Above}}))
	d.AddMetricPoint("cost", KindCost, 3, nil)
	require.Len(t, d.ActiveAlerts(), 1)
	assert.Equal(t, 2.0, d.ActiveAlerts()[0].Threshold)

	d.AddMetricPoint("custom", KindCustom, 1e9, nil)
	assert.Len(t, d.ActiveAlerts(), 1)
}

func TestIngestionDegradesGracefully(t *testing.T) {
	d := New()
	d.AddMetricPoint("", KindQuality, 0.9, nil)
	d.AddMetricPoint("odd", Kind("gibberish"), 1, nil)
	d.AddMetricPoint("nan", KindLatency, math.NaN(), nil)
	d.AddMetricPoint("inf", KindLatency, math.Inf(1), nil)

	snap := d.Snapshot()
	assert.Len(t, snap.Metrics, 2)
	assert.Equal(t, 1, snap.Metrics["unnamed"].Count)
	assert.Equal(t, KindUnknown, snap.Metrics["odd"].Kind)
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindLatency, ParseKind(" Latency "))
	assert.Equal(t, KindCustom, ParseKind("custom"))
	assert.Equal(t, KindUnknown, ParseKind(""))
}

func TestWindowSizeAndHistory(t *testing.T) {
	d := New(WithWindowSize(3))
	for i := range 5 {
		d.AddMetricPoint("latency_ms", KindLatency, float64(i), nil)
	}

	var values []float64
	history := d.History("latency_ms", 0)
	for p := range history {
		values = append(values, p.Value)
	}
	assert.Equal(t, []float64{2, 3, 4}, values)

	// The sequence can be ranged over again.
	count := 0
	for range history {
		count++
	}
	assert.Equal(t, 3, count)

	for range d.History("missing", time.Hour) {
		t.Fatal("unexpected point")
	}
}

func TestWindowAge(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now), WithWindowAge(time.Hour))

	for range 3 {
		d.AddMetricPoint("cost", KindCost, 1, nil)
		clock.Advance(time.Hour)
	}
	clock.Advance(-time.Hour)

	recent := slices.Collect(d.History("cost", 90*time.Minute))
	assert.Len(t, recent, 2)

	d.aggregate()
	assert.Equal(t, 2, d.Snapshot().Metrics["cost"].Count)
}

func TestWindowAgeWithoutAggregationLoop(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now), WithWindowAge(time.Hour))

	d.AddMetricPoint("latency", KindLatency, 100, nil)
	d.AddMetricPoint("latency", KindLatency, 200, nil)
	clock.Advance(2 * time.Hour)

	// Never started: aged points are hidden from reads.
	assert.Equal(t, 0, d.Snapshot().Metrics["latency"].Count)
	assert.Empty(t, slices.Collect(d.History("latency", 0)))

	// Ingestion prunes the aged points from the window itself.
	d.AddMetricPoint("latency", KindLatency, 300, nil)
	m := d.Snapshot().Metrics["latency"]
	assert.Equal(t, 1, m.Count)
	assert.Equal(t, 300.0, m.CurrentValue)

	s := d.series["latency"]
	s.mu.Lock()
	assert.Equal(t, 1, s.win.size)
	s.mu.Unlock()
}

func TestSystemHealthBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	kinds := []Kind{KindQuality, KindLatency, KindCost, KindCustom}
	d := New()
	for i := range 500 {
		kind := kinds[rng.IntN(len(kinds))]
		value := (rng.Float64()*2 - 0.5) * 20000
		if kind == KindQuality {
			value = rng.Float64()*3 - 1
		}
		d.AddMetricPoint(string(kind)+"-"+string(rune('a'+i%5)), kind, value, nil)
		if i%50 == 0 {
			d.UpdateExperimentStatus(ExperimentStatus{ID: "exp", SuccessfulTests: rng.IntN(10), FailedTests: rng.IntN(10)})
		}

		h := d.Snapshot().SystemHealth.OverallHealth
		require.GreaterOrEqual(t, h, 0.0)
		require.LessOrEqual(t, h, 100.0)
	}
}

func TestConcurrentIngestion(t *testing.T) {
	const writers, perWriter = 8, 1000
	kinds := []Kind{KindQuality, KindLatency, KindCost, KindCustom}
	d := New()

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind := kinds[w%len(kinds)]
			name := string(kind) + "-" + string(rune('a'+w))
			for i := range perWriter {
				value := float64(i%7) * 3000
				if kind == KindQuality {
					value = float64(i%10) / 10
				}
				d.AddMetricPoint(name, kind, value, map[string]string{TagExperiment: "exp"})
				if i%100 == 0 {
					h := d.Snapshot().SystemHealth.OverallHealth
					assert.GreaterOrEqual(t, h, 0.0)
					assert.LessOrEqual(t, h, 100.0)
				}
			}
		}()
	}
	wg.Wait()

	snap := d.Snapshot()
	require.Len(t, snap.Metrics, writers)
	total := 0
	for _, m := range snap.Metrics {
		assert.Equal(t, perWriter, m.Count)
		total += m.Count
	}
	assert.Equal(t, writers*perWriter, total)
	assert.GreaterOrEqual(t, snap.SystemHealth.OverallHealth, 0.0)
	assert.LessOrEqual(t, snap.SystemHealth.OverallHealth, 100.0)
}

func TestSystemHealthDropsWithCriticalAlert(t *testing.T) {
	healthy := New()
	alerting := New()
	for _, d := range []*Dashboard{healthy, alerting} {
		d.AddMetricPoint("quality_score", KindQuality, 0.8, nil)
		d.UpdateExperimentStatus(ExperimentStatus{ID: "exp", Status: experiment.StatusRunning, SuccessfulTests: 9, FailedTests: 1})
	}
	healthy.AddMetricPoint("latency_ms", KindLatency, 100, nil)
	alerting.AddMetricPoint("latency_ms", KindLatency, 20000, nil)

	h1 := healthy.Snapshot().SystemHealth
	h2 := alerting.Snapshot().SystemHealth
	assert.Equal(t, 1, h2.CriticalAlerts)
	assert.Less(t, h2.OverallHealth, h1.OverallHealth)
	// 100 * (0.5*0.8 + 0.3*1 + 0.2*0.9)
	assert.InDelta(t, 88.0, h1.OverallHealth, 1e-9)
	assert.InDelta(t, 0.1, h1.ErrorRate, 1e-12)
	assert.Equal(t, 1, h1.ActiveExperiments)

	// Adding critical alerts never raises the score.
	prev := h2.OverallHealth
	for i := range 10 {
		alerting.AddMetricPoint("cost-"+string(rune('a'+i)), KindCost, 500, nil)
		h := alerting.Snapshot().SystemHealth.OverallHealth
		assert.LessOrEqual(t, h, prev)
		prev = h
	}
}

func TestExperimentStatusLastWriteWins(t *testing.T) {
	d := New()
	d.UpdateExperimentStatus(ExperimentStatus{ID: "a", Name: "first", BestVariant: "x", TrafficSplit: map[string]float64{"x": 1}})
	d.UpdateExperimentStatus(ExperimentStatus{ID: "a", Name: "second"})
	d.UpdateExperimentStatus(ExperimentStatus{})

	snap := d.Snapshot()
	require.Len(t, snap.Experiments, 1)
	assert.Equal(t, "second", snap.Experiments[0].Name)
	assert.Empty(t, snap.Experiments[0].BestVariant)
	assert.Nil(t, snap.Experiments[0].TrafficSplit)
}

func TestExperimentMetrics(t *testing.T) {
	d := New()
	d.AddMetricPoint("quality_score", KindQuality, 0.9, map[string]string{TagExperiment: "a"})
	d.AddMetricPoint("quality_score", KindQuality, 0.7, map[string]string{TagExperiment: "a"})
	d.AddMetricPoint("quality_score", KindQuality, 0.1, map[string]string{TagExperiment: "b"})
	d.AddMetricPoint("cost", KindCost, 1, map[string]string{TagExperiment: "b"})

	stats := d.ExperimentMetrics("a")
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats["quality_score"].Count)
	assert.InDelta(t, 0.8, stats["quality_score"].Mean, 1e-12)
	assert.Len(t, d.ExperimentMetrics("b"), 2)
	assert.Empty(t, d.ExperimentMetrics("c"))
}

func TestStartStop(t *testing.T) {
	d := New(WithAggregationInterval(time.Millisecond))
	ctx := context.Background()

	assert.False(t, d.Running())
	d.Start(ctx)
	d.Start(ctx)
	assert.True(t, d.Running())
	assert.True(t, d.Snapshot().Running)

	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Running())

	// Ingestion continues while stopped.
	d.AddMetricPoint("cost", KindCost, 1, nil)
	assert.Equal(t, 1, d.Snapshot().Metrics["cost"].Count)
	require.NoError(t, d.Stop(ctx))
}

type fakeSink struct {
	mu     sync.Mutex
	points []MetricPoint
}

func (s *fakeSink) Write(p MetricPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func TestSinkReceivesAcceptedPoints(t *testing.T) {
	sink := &fakeSink{}
	d := New(WithSink(sink))
	d.AddMetricPoint("cost", KindCost, 1, map[string]string{"k": "v"})
	d.AddMetricPoint("cost", KindCost, math.NaN(), nil)

	require.Len(t, sink.points, 1)
	assert.Equal(t, "v", sink.points[0].Tags["k"])
	assert.False(t, sink.points[0].Timestamp.IsZero())
}
