package experiment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/prompt-optimizer/internal/screening"
)

// Store is the persistence collaborator for experiments and their results.
type Store interface {
	SaveExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)
	AppendResult(ctx context.Context, result TestResult) error
	Results(ctx context.Context, experimentID string) ([]TestResult, error)
}

// Executor is the test-execution collaborator: it runs one variant against one
// input and reports the measured result.
type Executor interface {
	Execute(ctx context.Context, experimentID string, variant PromptVariant, userID string, input map[string]any) (*TestResult, error)
}

// Counters tracks test executions of one experiment.
type Counters struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Total returns the number of executions, successful or not.
func (c Counters) Total() int {
	return c.Successful + c.Failed
}

// Observer receives experiment events, typically the real-time dashboard.
type Observer interface {
	ResultRecorded(exp *Experiment, result TestResult, counters Counters)
	TestFailed(exp *Experiment, variant string, err error, counters Counters)
	StatusChanged(exp *Experiment, counters Counters)
}

// Manager owns the experiment lifecycle.
type Manager struct {
	store        Store
	executor     Executor
	observer     Observer
	screener     screening.Screener
	blockFlagged bool
	now          func() time.Time

	mu       sync.Mutex
	counters map[string]*Counters
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor sets the test-execution collaborator used by RunTest.
func WithExecutor(e Executor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithObserver sets the observer notified of results and status changes.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithScreener screens every rendered prompt before execution. When block is
// true, flagged prompts are not executed.
func WithScreener(s screening.Screener, block bool) Option {
	return func(m *Manager) {
		m.screener = s
		m.blockFlagged = block
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		now:      time.Now,
		counters: make(map[string]*Counters),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates and persists a new experiment in draft status.
func (m *Manager) Create(ctx context.Context, name, description string, variants []PromptVariant, cfg Config) (*Experiment, error) {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Description == "" {
		cfg.Description = description
	}
	cfg = withDefaults(cfg, variants)
	if err := ValidateConfig(cfg, variants); err != nil {
		return nil, err
	}

	owned := make([]PromptVariant, len(variants))
	for i, v := range variants {
		if v.Version == 0 {
			v.Version = 1
		}
		owned[i] = v
	}

	exp := &Experiment{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Variants:    owned,
		Config:      cfg,
		Status:      StatusDraft,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	slog.Info("experiment created", "experiment_id", exp.ID, "name", name, "variants", len(owned))
	m.notifyStatus(exp)
	return exp, nil
}

// Get returns an experiment by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

// List returns all experiments.
func (m *Manager) List(ctx context.Context) ([]*Experiment, error) {
	return m.store.ListExperiments(ctx)
}

// Results returns all test results recorded for an experiment.
func (m *Manager) Results(ctx context.Context, id string) ([]TestResult, error) {
	if _, err := m.store.GetExperiment(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Results(ctx, id)
}

// Start moves a draft or stopped experiment to running.
func (m *Manager) Start(ctx context.Context, id string) (*Experiment, error) {
	return m.transition(ctx, id, StatusRunning, func(exp *Experiment, now time.Time) {
		if exp.StartedAt == nil {
			exp.StartedAt = &now
		}
	}, StatusDraft, StatusStopped)
}

// Stop pauses a running experiment.
func (m *Manager) Stop(ctx context.Context, id string) (*Experiment, error) {
	return m.transition(ctx, id, StatusStopped, nil, StatusRunning)
}

// Complete finishes a running or stopped experiment.
func (m *Manager) Complete(ctx context.Context, id string) (*Experiment, error) {
	return m.transition(ctx, id, StatusCompleted, func(exp *Experiment, now time.Time) {
		exp.CompletedAt = &now
	}, StatusRunning, StatusStopped)
}

func (m *Manager) transition(ctx context.Context, id string, to Status, mutate func(*Experiment, time.Time), from ...Status) (*Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if exp.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exp.Status, to)
	}

	prev := exp.Status
	exp.Status = to
	if mutate != nil {
		mutate(exp, m.now().UTC())
	}
	if err := m.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	slog.Info("experiment status changed", "experiment_id", id, "from", prev, "to", to)
	m.notifyStatus(exp)
	return exp, nil
}

// Sweep completes running experiments whose maximum duration has elapsed.
// It returns the IDs of the experiments it completed.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	exps, err := m.store.ListExperiments(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var done []string
	for _, exp := range exps {
		if exp.Status != StatusRunning || exp.Config.MaxDuration <= 0 || exp.StartedAt == nil {
			continue
		}
		if now.Sub(*exp.StartedAt) < exp.Config.MaxDuration {
			continue
		}
		if _, err := m.Complete(ctx, exp.ID); err != nil {
			return done, err
		}
		done = append(done, exp.ID)
	}
	return done, nil
}

// AssignVariant deterministically maps a user to a variant according to the
// traffic split. The same user always lands on the same variant.
func (m *Manager) AssignVariant(exp *Experiment, userID string) PromptVariant {
	if userID == "" {
		userID = uuid.NewString()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID + ":" + exp.ID))
	point := float64(h.Sum32()) / float64(math.MaxUint32+1)

	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += exp.Config.TrafficSplit[v.Name]
		if point < cumulative {
			return v
		}
	}
	// Floating-point slack in the cumulative sum lands on the last variant.
	return exp.Variants[len(exp.Variants)-1]
}

// RunTest assigns a variant to the user, executes it through the Executor and
// records the result. Provider failures are counted as failed tests.
func (m *Manager) RunTest(ctx context.Context, id, userID string, input map[string]any) (*TestResult, error) {
	if m.executor == nil {
		return nil, errors.New("no test executor configured")
	}

	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, exp.Status)
	}

	variant := m.AssignVariant(exp, userID)
	rendered, err := variant.Render(input)
	if err != nil {
		return nil, fmt.Errorf("failed to render variant %q: %w", variant.Name, err)
	}

	if m.screener != nil {
		verdict, err := m.screener.Screen(ctx, rendered)
		if err != nil {
			slog.Warn("prompt screening failed", "experiment_id", id, "variant", variant.Name, "error", err)
		} else if verdict.Flagged {
			slog.Warn("prompt flagged by screening",
				"experiment_id", id,
				"variant", variant.Name,
				"score", verdict.Score,
				"categories", verdict.Categories,
			)
			if m.blockFlagged {
				return nil, fmt.Errorf("%w: variant %q", screening.ErrFlagged, variant.Name)
			}
		}
	}

	result, err := m.executor.Execute(ctx, exp.ID, variant, userID, input)
	if err != nil {
		counters := m.bump(exp.ID, false)
		if m.observer != nil {
			m.observer.TestFailed(exp, variant.Name, err, counters)
		}
		slog.Error("test execution failed", "experiment_id", id, "variant", variant.Name, "error", err)
		return nil, fmt.Errorf("test execution failed for variant %q: %w", variant.Name, err)
	}

	result.ExperimentID = exp.ID
	result.VariantName = variant.Name
	result.UserID = userID
	if result.Input == nil {
		result.Input = input
	}
	if err := m.record(ctx, exp, result); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordResult stores an externally produced test result.
func (m *Manager) RecordResult(ctx context.Context, result TestResult) error {
	exp, err := m.store.GetExperiment(ctx, result.ExperimentID)
	if err != nil {
		return err
	}
	if _, ok := exp.Variant(result.VariantName); !ok {
		return fmt.Errorf("experiment %s has no variant %q", exp.ID, result.VariantName)
	}
	return m.record(ctx, exp, &result)
}

// record stamps result in place, so the caller holds exactly what was stored.
func (m *Manager) record(ctx context.Context, exp *Experiment, result *TestResult) error {
	if math.IsNaN(result.QualityScore) || result.QualityScore < 0 || result.QualityScore > 1 {
		return fmt.Errorf("quality score %v is outside [0, 1]", result.QualityScore)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = m.now().UTC()
	}
	if err := m.store.AppendResult(ctx, *result); err != nil {
		return fmt.Errorf("failed to store test result: %w", err)
	}
	counters := m.bump(exp.ID, true)
	if m.observer != nil {
		m.observer.ResultRecorded(exp, *result, counters)
	}
	return nil
}

// Counters returns the execution counters of an experiment.
func (m *Manager) Counters(id string) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[id]; ok {
		return *c
	}
	return Counters{}
}

func (m *Manager) bump(id string, ok bool) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.counters[id]
	if !found {
		c = &Counters{}
		m.counters[id] = c
	}
	if ok {
		c.Successful++
	} else {
		c.Failed++
	}
	return *c
}

func (m *Manager) notifyStatus(exp *Experiment) {
	if m.observer != nil {
		m.observer.StatusChanged(exp, m.Counters(exp.ID))
	}
}
