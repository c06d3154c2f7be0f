// Package store provides persistence for experiments and their test results.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Memory is an in-process store. Values are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
	order       []string
	results     map[string][]experiment.TestResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		experiments: make(map[string]*experiment.Experiment),
		results:     make(map[string][]experiment.TestResult),
	}
}

// SaveExperiment inserts or replaces an experiment.
func (m *Memory) SaveExperiment(_ context.Context, exp *experiment.Experiment) error {
	c := cloneExperiment(exp)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[exp.ID]; !ok {
		m.order = append(m.order, exp.ID)
	}
	m.experiments[exp.ID] = c
	return nil
}

// GetExperiment returns a copy of the stored experiment.
func (m *Memory) GetExperiment(_ context.Context, id string) (*experiment.Experiment, error) {
	m.mu.RLock()
	exp, ok := m.experiments[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	}
	return cloneExperiment(exp), nil
}

// ListExperiments returns copies of all experiments in creation order.
func (m *Memory) ListExperiments(_ context.Context) ([]*experiment.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*experiment.Experiment, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneExperiment(m.experiments[id]))
	}
	return out, nil
}

// AppendResult stores a test result.
func (m *Memory) AppendResult(_ context.Context, result experiment.TestResult) error {
	result.Input = maps.Clone(result.Input)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[result.ExperimentID]; !ok {
		return fmt.Errorf("%w: %s", experiment.ErrNotFound, result.ExperimentID)
	}
	m.results[result.ExperimentID] = append(m.results[result.ExperimentID], result)
	return nil
}

// Results returns the results of an experiment in insertion order.
func (m *Memory) Results(_ context.Context, experimentID string) ([]experiment.TestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.results[experimentID]), nil
}

// cloneExperiment deep-copies an experiment, including nested maps.
func cloneExperiment(exp *experiment.Experiment) *experiment.Experiment {
	c := *exp
	c.Variants = make([]experiment.PromptVariant, len(exp.Variants))
	for i, v := range exp.Variants {
		v.Parameters = maps.Clone(v.Parameters)
		c.Variants[i] = v
	}
	c.Config.TrafficSplit = maps.Clone(exp.Config.TrafficSplit)
	c.Config.TargetMetrics = slices.Clone(exp.Config.TargetMetrics)
	if exp.StartedAt != nil {
		t := *exp.StartedAt
		c.StartedAt = &t
	}
	if exp.CompletedAt != nil {
		t := *exp.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
