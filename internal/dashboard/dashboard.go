// Package dashboard ingests metric points into rolling windows, raises alerts
// with hysteresis, tracks experiment status and fans snapshots out to
// subscribers.
package dashboard

import (
	"cmp"
	"context"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Defaults used when an option is not given.
const (
	DefaultWindowSize          = 1000
	DefaultWindowAge           = 24 * time.Hour
	DefaultHysteresisRatio     = 0.05
	DefaultMaxAlertHistory     = 1000
	DefaultQueueSize           = 64
	DefaultAggregationInterval = 10 * time.Second
)

// Sink receives every accepted point, typically for long-term storage.
// Write must not block.
type Sink interface {
	Write(p MetricPoint)
}

// series is the rolling window of one metric name.
type series struct {
	mu    sync.Mutex
	kind  Kind
	win   *window
	level AlertLevel
}

// Dashboard is safe for concurrent use. The series map, experiment map and
// alert state are each guarded by their own lock; each series serialises its
// own writers.
type Dashboard struct {
	windowSize      int
	windowAge       time.Duration
	thresholds      map[Kind]Threshold
	hysteresis      float64
	maxAlertHistory int
	queueSize       int
	interval        time.Duration
	metrics         *Metrics
	sink            Sink
	now             func() time.Time

	seriesMu sync.RWMutex
	series   map[string]*series

	expMu       sync.RWMutex
	experiments map[string]ExperimentStatus

	alertMu      sync.Mutex
	activeAlerts map[string]*Alert
	alertHistory []Alert

	// notifyMu orders snapshot construction and enqueueing across writers so
	// no subscriber receives an older snapshot after a newer one. It is
	// acquired before subMu.
	notifyMu    sync.Mutex
	subMu       sync.RWMutex
	subscribers []*subscriber
	nextSubID   atomic.Uint64
	pending     atomic.Int64

	lifeMu  sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithWindowSize bounds the number of points kept per metric.
func WithWindowSize(n int) Option {
	return func(d *Dashboard) { d.windowSize = n }
}

// WithWindowAge bounds the age of points kept per metric. Zero keeps points
// until they are pushed out by WindowSize.
func WithWindowAge(age time.Duration) Option {
	return func(d *Dashboard) { d.windowAge = age }
}

// WithThresholds overrides the thresholds of the given kinds.
func WithThresholds(t map[Kind]Threshold) Option {
	return func(d *Dashboard) { maps.Copy(d.thresholds, t) }
}

// WithHysteresisRatio sets how far past a threshold a value must recover
// before its alert level drops.
func WithHysteresisRatio(r float64) Option {
	return func(d *Dashboard) { d.hysteresis = r }
}

// WithMaxAlertHistory bounds the alert history.
func WithMaxAlertHistory(n int) Option {
	return func(d *Dashboard) { d.maxAlertHistory = n }
}

// WithQueueSize bounds each subscriber's notification queue.
func WithQueueSize(n int) Option {
	return func(d *Dashboard) { d.queueSize = n }
}

// WithAggregationInterval sets the period of the background aggregation loop.
func WithAggregationInterval(i time.Duration) Option {
	return func(d *Dashboard) { d.interval = i }
}

// WithMetrics exports dashboard state to Prometheus.
func WithMetrics(m *Metrics) Option {
	return func(d *Dashboard) { d.metrics = m }
}

// WithSink forwards every accepted point to s.
func WithSink(s Sink) Option {
	return func(d *Dashboard) { d.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dashboard) { d.now = now }
}

// New creates a stopped Dashboard.
func New(opts ...Option) *Dashboard {
	d := &Dashboard{
		windowSize:      DefaultWindowSize,
		windowAge:       DefaultWindowAge,
		thresholds:      DefaultThresholds(),
		hysteresis:      DefaultHysteresisRatio,
		maxAlertHistory: DefaultMaxAlertHistory,
		queueSize:       DefaultQueueSize,
		interval:        DefaultAggregationInterval,
		now:             time.Now,
		series:          make(map[string]*series),
		experiments:     make(map[string]ExperimentStatus),
		activeAlerts:    make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.windowSize <= 0 {
		d.windowSize = DefaultWindowSize
	}
	if d.queueSize <= 0 {
		d.queueSize = DefaultQueueSize
	}
	if d.interval <= 0 {
		d.interval = DefaultAggregationInterval
	}
	if d.hysteresis < 0 {
		d.hysteresis = 0
	}
	return d
}

// AddMetricPoint records a point stamped with the current time. See Record.
func (d *Dashboard) AddMetricPoint(name string, kind Kind, value float64, tags map[string]string) {
	d.Record(MetricPoint{Name: name, Kind: kind, Value: value, Tags: tags})
}

// Record ingests a point. It never fails: unknown kinds are recorded as
// KindUnknown, empty names as "unnamed", and non-finite values are dropped.
// Alerts are evaluated synchronously and subscribers are notified.
func (d *Dashboard) Record(p MetricPoint) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = "unnamed"
	}
	p.Kind = ParseKind(string(p.Kind))
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		slog.Warn("dropping non-finite metric point", "metric", p.Name, "value", p.Value)
		d.metrics.pointDropped()
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = d.now()
	}
	p.Timestamp = p.Timestamp.UTC()
	p.Tags = maps.Clone(p.Tags)

	s := d.seriesFor(p.Name, p.Kind)
	s.mu.Lock()
	s.win.push(p)
	if d.windowAge > 0 {
		s.win.prune(d.now().Add(-d.windowAge))
	}
	if raised, changed := d.evaluate(s, p); changed {
		d.applyAlert(p.Name, raised, s.level)
	}
	s.mu.Unlock()

	d.metrics.pointIngested(p)
	if d.sink != nil {
		d.sink.Write(p)
	}
	d.notify()
}

func (d *Dashboard) seriesFor(name string, kind Kind) *series {
	d.seriesMu.RLock()
	s, ok := d.series[name]
	d.seriesMu.RUnlock()
	if ok {
		return s
	}

	d.seriesMu.Lock()
	defer d.seriesMu.Unlock()
	if s, ok := d.series[name]; ok {
		return s
	}
	// The first point of a name decides its kind.
	s = &series{kind: kind, win: newWindow(d.windowSize)}
	d.series[name] = s
	return s
}

// evaluate applies the threshold of the series kind with hysteresis. It must
// be called with s.mu held. It returns the alert raised on escalation, and
// whether the series level changed.
func (d *Dashboard) evaluate(s *series, p MetricPoint) (*Alert, bool) {
	t, ok := d.thresholds[s.kind]
	if !ok {
		return nil, false
	}

	raw := t.level(p.Value)
	switch {
	case raw > s.level:
		s.level = raw
		return &Alert{
			ID:           uuid.NewString(),
			MetricName:   p.Name,
			Level:        raw,
			Value:        p.Value,
			Threshold:    t.limit(raw),
			ExperimentID: p.Tags[TagExperiment],
			Timestamp:    p.Timestamp,
		}, true
	case raw < s.level && t.recovered(p.Value, s.level, d.hysteresis):
		next := raw
		if next == LevelNone && s.level == LevelCritical && !t.recovered(p.Value, LevelWarning, d.hysteresis) {
			next = LevelWarning
		}
		s.level = next
		return nil, true
	}
	return nil, false
}

// applyAlert updates the active alert of a metric after its level changed:
// a raised alert replaces the previous one, a drop to LevelNone resolves it
// and any other drop downgrades it in place.
func (d *Dashboard) applyAlert(name string, raised *Alert, level AlertLevel) {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()

	prev, hasPrev := d.activeAlerts[name]
	if raised == nil {
		switch {
		case !hasPrev:
		case level == LevelNone:
			d.resolveLocked(prev, d.now().UTC())
			delete(d.activeAlerts, name)
			slog.Info("metric alert resolved", "metric", name)
		default:
			prev.Level = level
		}
		return
	}

	if hasPrev {
		d.resolveLocked(prev, raised.Timestamp)
	}
	slog.Warn("metric alert raised",
		"metric", raised.MetricName,
		"level", raised.Level.String(),
		"value", raised.Value,
		"threshold", raised.Threshold,
	)
	d.activeAlerts[name] = raised
	d.alertHistory = append(d.alertHistory, *raised)
	if d.maxAlertHistory > 0 && len(d.alertHistory) > d.maxAlertHistory {
		d.alertHistory = slices.Delete(d.alertHistory, 0, len(d.alertHistory)-d.maxAlertHistory)
	}
	d.metrics.alertRaised(raised.Level)
}

func (d *Dashboard) resolveLocked(a *Alert, at time.Time) {
	a.ResolvedAt = &at
	for i := len(d.alertHistory) - 1; i >= 0; i-- {
		if d.alertHistory[i].ID == a.ID {
			d.alertHistory[i].ResolvedAt = &at
			break
		}
	}
}

// UpdateExperimentStatus replaces the status record of an experiment.
func (d *Dashboard) UpdateExperimentStatus(status ExperimentStatus) {
	if status.ID == "" {
		slog.Warn("ignoring experiment status without id")
		return
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = d.now().UTC()
	}
	status.TrafficSplit = maps.Clone(status.TrafficSplit)

	d.expMu.Lock()
	d.experiments[status.ID] = status
	d.expMu.Unlock()
	d.notify()
}

// UpdateExperimentProgress sets the lifecycle, counter and split fields of an
// experiment's status and keeps its analysis fields, in one step.
func (d *Dashboard) UpdateExperimentProgress(status ExperimentStatus) {
	if status.ID == "" {
		slog.Warn("ignoring experiment status without id")
		return
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = d.now().UTC()
	}
	status.TrafficSplit = maps.Clone(status.TrafficSplit)

	d.expMu.Lock()
	if prev, ok := d.experiments[status.ID]; ok {
		status.BestVariant = prev.BestVariant
		status.ConfidenceLevel = prev.ConfidenceLevel
	}
	d.experiments[status.ID] = status
	d.expMu.Unlock()
	d.notify()
}

// SetExperimentAnalysis records the best variant and confidence of a tracked
// experiment without touching its other fields. It reports whether the
// experiment is tracked.
func (d *Dashboard) SetExperimentAnalysis(id, bestVariant string, confidence float64) bool {
	d.expMu.Lock()
	status, ok := d.experiments[id]
	if ok {
		status.BestVariant = bestVariant
		status.ConfidenceLevel = confidence
		status.UpdatedAt = d.now().UTC()
		d.experiments[id] = status
	}
	d.expMu.Unlock()
	if ok {
		d.notify()
	}
	return ok
}

// ExperimentStatus returns the status record of an experiment.
func (d *Dashboard) ExperimentStatus(id string) (ExperimentStatus, bool) {
	d.expMu.RLock()
	defer d.expMu.RUnlock()
	s, ok := d.experiments[id]
	if ok {
		s.TrafficSplit = maps.Clone(s.TrafficSplit)
	}
	return s, ok
}

// Snapshot returns the current metrics, experiments, active alerts and health.
func (d *Dashboard) Snapshot() Snapshot {
	snap := Snapshot{
		Metrics:     d.metricStats(nil),
		Experiments: d.experimentList(),
		Alerts:      d.ActiveAlerts(),
		Running:     d.running.Load(),
		GeneratedAt: d.now().UTC(),
	}
	snap.SystemHealth = d.health(snap)
	return snap
}

// ExperimentMetrics returns window statistics restricted to points tagged with
// the experiment.
func (d *Dashboard) ExperimentMetrics(id string) map[string]MetricStats {
	stats := d.metricStats(func(p MetricPoint) bool { return p.Tags[TagExperiment] == id })
	maps.DeleteFunc(stats, func(_ string, s MetricStats) bool { return s.Count == 0 })
	return stats
}

func (d *Dashboard) metricStats(keep func(MetricPoint) bool) map[string]MetricStats {
	keep = d.withinAge(keep)
	d.seriesMu.RLock()
	defer d.seriesMu.RUnlock()

	out := make(map[string]MetricStats, len(d.series))
	for name, s := range d.series {
		s.mu.Lock()
		stats := summarize(name, s.kind, s.win.points(keep))
		stats.AlertLevel = s.level
		s.mu.Unlock()
		out[name] = stats
	}
	return out
}

func (d *Dashboard) experimentList() []ExperimentStatus {
	d.expMu.RLock()
	defer d.expMu.RUnlock()
	out := make([]ExperimentStatus, 0, len(d.experiments))
	for _, s := range d.experiments {
		s.TrafficSplit = maps.Clone(s.TrafficSplit)
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b ExperimentStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ActiveAlerts returns the unresolved alerts, oldest first.
func (d *Dashboard) ActiveAlerts() []Alert {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()
	out := make([]Alert, 0, len(d.activeAlerts))
	for _, a := range d.activeAlerts {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b Alert) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.MetricName, b.MetricName)
	})
	return out
}

// AlertHistory returns every alert raised within the history bound, oldest
// first.
func (d *Dashboard) AlertHistory() []Alert {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()
	return slices.Clone(d.alertHistory)
}

// History yields the points of a metric newer than window, oldest first. A
// non-positive window yields every retained point. The sequence reads the
// window afresh each time it is ranged over.
func (d *Dashboard) History(name string, window time.Duration) iter.Seq[MetricPoint] {
	return func(yield func(MetricPoint) bool) {
		d.seriesMu.RLock()
		s, ok := d.series[name]
		d.seriesMu.RUnlock()
		if !ok {
			return
		}

		var keep func(MetricPoint) bool
		if window > 0 {
			cutoff := d.now().Add(-window)
			keep = func(p MetricPoint) bool { return !p.Timestamp.Before(cutoff) }
		}
		keep = d.withinAge(keep)
		s.mu.Lock()
		points := s.win.points(keep)
		s.mu.Unlock()

		for _, p := range points {
			if !yield(p) {
				return
			}
		}
	}
}

// Health weights.
const (
	qualityWeight     = 0.5
	alertWeight       = 0.3
	errorWeight       = 0.2
	warningPenalty    = 5.0
	criticalPenalty   = 15.0
	alertPenaltyScale = 100.0
)

// health scores the snapshot on [0,100]:
//
//	100 * (0.5*Q + 0.3*(1 - min(1, (5*warnings + 15*criticals)/100)) + 0.2*(1 - errorRate))
//
// Q is the mean of all retained quality points, 1 when there are none.
func (d *Dashboard) health(snap Snapshot) SystemHealth {
	h := SystemHealth{TotalMetrics: len(snap.Metrics), ActiveAlerts: len(snap.Alerts)}

	quality, qualityN := 0.0, 0
	for _, m := range snap.Metrics {
		if m.Kind == KindQuality && m.Count > 0 {
			quality += m.Mean * float64(m.Count)
			qualityN += m.Count
		}
	}
	q := 1.0
	if qualityN > 0 {
		q = clamp01(quality / float64(qualityN))
	}

	warnings := 0
	for _, a := range snap.Alerts {
		if a.Level == LevelCritical {
			h.CriticalAlerts++
		} else {
			warnings++
		}
	}
	penalty := math.Min(1, (warningPenalty*float64(warnings)+criticalPenalty*float64(h.CriticalAlerts))/alertPenaltyScale)

	var ok, failed int
	for _, e := range snap.Experiments {
		if e.Status == experiment.StatusRunning {
			h.ActiveExperiments++
		}
		ok += e.SuccessfulTests
		failed += e.FailedTests
	}
	if ok+failed > 0 {
		h.ErrorRate = float64(failed) / float64(ok+failed)
	}

	score := 100 * (qualityWeight*q + alertWeight*(1-penalty) + errorWeight*(1-h.ErrorRate))
	h.OverallHealth = math.Max(0, math.Min(100, score))
	return h
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Start enables the periodic aggregation loop. Starting a running dashboard
// is a no-op.
func (d *Dashboard) Start(ctx context.Context) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.running.Load() {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)
	go d.loop(loopCtx, d.done)
	slog.Info("dashboard started", "aggregation_interval", d.interval)
}

// Stop suspends aggregation and waits for queued notifications to be
// delivered. Ingestion continues to be accepted while stopped.
func (d *Dashboard) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	if d.running.Load() {
		d.running.Store(false)
		d.cancel()
		<-d.done
		slog.Info("dashboard stopped")
	}
	d.lifeMu.Unlock()
	return d.drain(ctx)
}

// Running reports whether the aggregation loop is active.
func (d *Dashboard) Running() bool {
	return d.running.Load()
}

func (d *Dashboard) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.aggregate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.aggregate()
		}
	}
}

// withinAge narrows keep to points younger than the window age, so reads
// never see aged points the aggregation loop has not pruned yet.
func (d *Dashboard) withinAge(keep func(MetricPoint) bool) func(MetricPoint) bool {
	if d.windowAge <= 0 {
		return keep
	}
	cutoff := d.now().Add(-d.windowAge)
	return func(p MetricPoint) bool {
		return !p.Timestamp.Before(cutoff) && (keep == nil || keep(p))
	}
}

// aggregate prunes aged points and refreshes exported gauges.
func (d *Dashboard) aggregate() {
	if d.windowAge > 0 {
		cutoff := d.now().Add(-d.windowAge)
		d.seriesMu.RLock()
		for _, s := range d.series {
			s.mu.Lock()
			s.win.prune(cutoff)
			s.mu.Unlock()
		}
		d.seriesMu.RUnlock()
	}
	if d.metrics != nil {
		d.metrics.observe(d.Snapshot())
	}
}

// Close stops the dashboard and releases every subscriber.
func (d *Dashboard) Close(ctx context.Context) error {
	err := d.Stop(ctx)
	d.subMu.Lock()
	subs := d.subscribers
	d.subscribers = nil
	d.subMu.Unlock()
	for _, s := range subs {
		close(s.queue)
	}
	return err
}
