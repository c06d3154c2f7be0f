package dashboard

import (
	"log/slog"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// Metric names recorded for experiment results.
const (
	MetricQualityScore = "quality_score"
	MetricLatencyMs    = "latency_ms"
	MetricCost         = "cost"
	MetricTokens       = "tokens"
)

// ExperimentObserver feeds experiment events into a Dashboard.
type ExperimentObserver struct {
	d *Dashboard
}

// NewExperimentObserver returns an experiment.Observer backed by d.
func NewExperimentObserver(d *Dashboard) *ExperimentObserver {
	return &ExperimentObserver{d: d}
}

var _ experiment.Observer = (*ExperimentObserver)(nil)

// ResultRecorded records the result's measurements tagged with its
// experiment and variant.
func (o *ExperimentObserver) ResultRecorded(exp *experiment.Experiment, result experiment.TestResult, counters experiment.Counters) {
	tags := map[string]string{TagExperiment: exp.ID, TagVariant: result.VariantName}
	for _, p := range []MetricPoint{
		{Name: MetricQualityScore, Kind: KindQuality, Value: result.QualityScore},
		{Name: MetricLatencyMs, Kind: KindLatency, Value: result.LatencyMs},
		{Name: MetricCost, Kind: KindCost, Value: result.Cost},
		{Name: MetricTokens, Kind: KindCustom, Value: float64(result.Tokens)},
	} {
		p.Tags = tags
		p.Timestamp = result.Timestamp
		o.d.Record(p)
	}
	o.update(exp, counters)
}

// TestFailed updates the failure counters of the experiment.
func (o *ExperimentObserver) TestFailed(exp *experiment.Experiment, variant string, err error, counters experiment.Counters) {
	slog.Debug("test failure reported to dashboard", "experiment", exp.ID, "variant", variant, "error", err)
	o.update(exp, counters)
}

// StatusChanged updates the lifecycle state of the experiment.
func (o *ExperimentObserver) StatusChanged(exp *experiment.Experiment, counters experiment.Counters) {
	o.update(exp, counters)
}

// update refreshes lifecycle and counters. Analysis fields stay as the last
// analysis left them.
func (o *ExperimentObserver) update(exp *experiment.Experiment, counters experiment.Counters) {
	o.d.UpdateExperimentProgress(ExperimentStatus{
		ID:              exp.ID,
		Name:            exp.Name,
		Status:          exp.Status,
		SuccessfulTests: counters.Successful,
		FailedTests:     counters.Failed,
		TrafficSplit:    exp.Config.TrafficSplit,
	})
}
