package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/screening"
)

// mapStore is a minimal Store used by the manager tests.
type mapStore struct {
	mu      sync.Mutex
	exps    map[string]Experiment
	results map[string][]TestResult
}

func newMapStore() *mapStore {
	return &mapStore{exps: map[string]Experiment{}, results: map[string][]TestResult{}}
}

func (s *mapStore) SaveExperiment(_ context.Context, exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exps[exp.ID] = *exp
	return nil
}

func (s *mapStore) GetExperiment(_ context.Context, id string) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.exps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &exp, nil
}

func (s *mapStore) ListExperiments(_ context.Context) ([]*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Experiment
	for _, exp := range s.exps {
		e := exp
		out = append(out, &e)
	}
	return out, nil
}

func (s *mapStore) AppendResult(_ context.Context, r TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ExperimentID] = append(s.results[r.ExperimentID], r)
	return nil
}

func (s *mapStore) Results(_ context.Context, id string) ([]TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TestResult(nil), s.results[id]...), nil
}

type fakeExecutor struct {
	err      error
	quality  float64
	rendered []string
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, v PromptVariant, _ string, input map[string]any) (*TestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	text, err := v.Render(input)
	if err != nil {
		return nil, err
	}
	f.rendered = append(f.rendered, text)
	return &TestResult{Response: "ok", QualityScore: f.quality, LatencyMs: 120, Cost: 0.002, Tokens: 50}, nil
}

type recordingObserver struct {
	results  int
	failures int
	statuses []Status
}

func (o *recordingObserver) ResultRecorded(*Experiment, TestResult, Counters) { o.results++ }
func (o *recordingObserver) TestFailed(*Experiment, string, error, Counters)  { o.failures++ }
func (o *recordingObserver) StatusChanged(exp *Experiment, _ Counters) {
	o.statuses = append(o.statuses, exp.Status)
}

func twoVariants() []PromptVariant {
	return []PromptVariant{
		{Name: "a", Template: "Summarize: {text}"},
		{Name: "b", Template: "Write a short summary of {text}"},
	}
}

func TestManagerCreateDefaults(t *testing.T) {
	m := NewManager(newMapStore())

	exp, err := m.Create(context.Background(), "summary", "", twoVariants(), Config{})
	require.NoError(t, err)

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, StatusDraft, exp.Status)
	assert.Equal(t, DefaultSignificanceLevel, exp.Config.SignificanceLevel)
	assert.Equal(t, DefaultMinSampleSize, exp.Config.MinSampleSize)
	assert.Equal(t, []Metric{MetricQuality}, exp.Config.TargetMetrics)
	assert.InDelta(t, 0.5, exp.Config.TrafficSplit["a"], 1e-12)
	assert.InDelta(t, 0.5, exp.Config.TrafficSplit["b"], 1e-12)
	assert.Equal(t, 1, exp.Variants[0].Version)
}

func TestManagerCreateRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name     string
		variants []PromptVariant
		cfg      Config
		field    string
	}{
		{
			name:     "split does not sum to one",
			variants: twoVariants(),
			cfg:      Config{TrafficSplit: map[string]float64{"a": 0.6, "b": 0.6}},
			field:    "traffic_split",
		},
		{
			name:     "split names unknown variant",
			variants: twoVariants(),
			cfg:      Config{TrafficSplit: map[string]float64{"a": 0.5, "c": 0.5}},
			field:    "traffic_split",
		},
		{
			name:     "duplicate variant",
			variants: []PromptVariant{{Name: "a", Template: "x"}, {Name: "a", Template: "y"}},
			field:    "variants",
		},
		{
			name:     "no variants",
			variants: nil,
			field:    "variants",
		},
		{
			name:     "significance level out of range",
			variants: twoVariants(),
			cfg:      Config{SignificanceLevel: 1.5},
			field:    "significance_level",
		},
		{
			name:     "unknown metric",
			variants: twoVariants(),
			cfg:      Config{TargetMetrics: []Metric{"happiness"}},
			field:    "target_metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(newMapStore())
			_, err := m.Create(context.Background(), "exp", "", tt.variants, tt.cfg)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestManagerLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	m := NewManager(newMapStore(), WithObserver(obs))
	ctx := context.Background()

	exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
	require.NoError(t, err)

	_, err = m.Stop(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	started, err := m.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	stopped, err := m.Stop(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)

	completed, err := m.Complete(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	_, err = m.Start(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []Status{StatusDraft, StatusRunning, StatusStopped, StatusCompleted}, obs.statuses)
}

func TestManagerGetNotFound(t *testing.T) {
	m := NewManager(newMapStore())
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignVariantDeterministic(t *testing.T) {
	m := NewManager(newMapStore())
	exp, err := m.Create(context.Background(), "exp", "", twoVariants(),
		Config{TrafficSplit: map[string]float64{"a": 0.7, "b": 0.3}})
	require.NoError(t, err)

	counts := map[string]int{}
	for i := range 2000 {
		user := fmt.Sprintf("user-%d", i)
		v := m.AssignVariant(exp, user)
		assert.Equal(t, v.Name, m.AssignVariant(exp, user).Name)
		counts[v.Name]++
	}
	assert.InDelta(t, 0.7, float64(counts["a"])/2000, 0.05)
	assert.InDelta(t, 0.3, float64(counts["b"])/2000, 0.05)
}

func TestRunTest(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{quality: 0.8}
	obs := &recordingObserver{}
	m := NewManager(newMapStore(), WithExecutor(exec), WithObserver(obs))

	exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
	require.NoError(t, err)

	_, err = m.RunTest(ctx, exp.ID, "u1", map[string]any{"text": "hello"})
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	res, err := m.RunTest(ctx, exp.ID, "u1", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, exp.ID, res.ExperimentID)
	assert.Equal(t, "u1", res.UserID)
	assert.Contains(t, []string{"a", "b"}, res.VariantName)
	assert.False(t, res.Timestamp.IsZero())

	results, err := m.Results(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Timestamp.Equal(res.Timestamp), "returned result must match the stored one")
	assert.Equal(t, 1, obs.results)
	assert.Equal(t, Counters{Successful: 1}, m.Counters(exp.ID))
}

func TestRunTestProviderFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("provider unavailable")
	obs := &recordingObserver{}
	m := NewManager(newMapStore(), WithExecutor(&fakeExecutor{err: boom}), WithObserver(obs))

	exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
	require.NoError(t, err)
	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	_, err = m.RunTest(ctx, exp.ID, "u1", map[string]any{"text": "hello"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, obs.failures)
	assert.Equal(t, Counters{Failed: 1}, m.Counters(exp.ID))

	results, err := m.Results(ctx, exp.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunTestMissingPlaceholder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMapStore(), WithExecutor(&fakeExecutor{}))
	exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
	require.NoError(t, err)
	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	_, err = m.RunTest(ctx, exp.ID, "u1", nil)
	assert.ErrorContains(t, err, `"text"`)
}

func TestRunTestScreening(t *testing.T) {
	ctx := context.Background()
	flagAll := screening.Func(func(context.Context, string) (screening.Result, error) {
		return screening.Result{Flagged: true, Score: 1, Categories: []string{"injection"}}, nil
	})

	t.Run("blocking", func(t *testing.T) {
		exec := &fakeExecutor{quality: 0.5}
		m := NewManager(newMapStore(), WithExecutor(exec), WithScreener(flagAll, true))
		exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
		require.NoError(t, err)
		_, err = m.Start(ctx, exp.ID)
		require.NoError(t, err)

		_, err = m.RunTest(ctx, exp.ID, "u1", map[string]any{"text": "x"})
		assert.ErrorIs(t, err, screening.ErrFlagged)
		assert.Empty(t, exec.rendered)
	})

	t.Run("audit only", func(t *testing.T) {
		exec := &fakeExecutor{quality: 0.5}
		m := NewManager(newMapStore(), WithExecutor(exec), WithScreener(flagAll, false))
		exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
		require.NoError(t, err)
		_, err = m.Start(ctx, exp.ID)
		require.NoError(t, err)

		_, err = m.RunTest(ctx, exp.ID, "u1", map[string]any{"text": "x"})
		require.NoError(t, err)
		assert.Len(t, exec.rendered, 1)
	})
}

func TestRecordResultValidation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMapStore())
	exp, err := m.Create(ctx, "exp", "", twoVariants(), Config{})
	require.NoError(t, err)

	err = m.RecordResult(ctx, TestResult{ExperimentID: exp.ID, VariantName: "zzz", QualityScore: 0.5})
	assert.Error(t, err)

	err = m.RecordResult(ctx, TestResult{ExperimentID: exp.ID, VariantName: "a", QualityScore: 1.2})
	assert.ErrorContains(t, err, "outside [0, 1]")

	err = m.RecordResult(ctx, TestResult{ExperimentID: "missing", VariantName: "a"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.RecordResult(ctx, TestResult{ExperimentID: exp.ID, VariantName: "a", QualityScore: 0.7}))
}

func TestSweepCompletesExpiredExperiments(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := NewManager(newMapStore(), WithClock(clock))

	expiring, err := m.Create(ctx, "expiring", "", twoVariants(), Config{MaxDuration: time.Hour})
	require.NoError(t, err)
	open, err := m.Create(ctx, "open", "", twoVariants(), Config{})
	require.NoError(t, err)
	for _, id := range []string{expiring.ID, open.ID} {
		_, err := m.Start(ctx, id)
		require.NoError(t, err)
	}

	done, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, done)

	now = now.Add(2 * time.Hour)
	done, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{expiring.ID}, done)

	got, err := m.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}
