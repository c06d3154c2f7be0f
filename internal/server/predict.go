package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/predict"
)

// TrafficPlan is a recommended traffic split with whole request counts.
type TrafficPlan struct {
	ExperimentID string             `json:"experiment_id"`
	Split        map[string]float64 `json:"split"`
	Counts       map[string]int     `json:"counts"`
	TotalTraffic int                `json:"total_traffic"`
}

// History collects historical records from the results of every stored
// experiment.
func (sc *ServerContext) History(ctx context.Context) ([]predict.Record, error) {
	exps, err := sc.Manager.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	var out []predict.Record
	for _, exp := range exps {
		results, err := sc.Manager.Results(ctx, exp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load results of %s: %w", exp.ID, err)
		}
		out = append(out, predict.ResultsToHistory(exp, results)...)
	}
	return out, nil
}

// PredictQuality forecasts the quality score of template from all history.
func (sc *ServerContext) PredictQuality(ctx context.Context, template string) (predict.Result, error) {
	history, err := sc.History(ctx)
	if err != nil {
		return predict.Result{}, err
	}
	return sc.Predictor.PredictQualityScore(predict.PromptFeatures(template), history), nil
}

// PredictConversion forecasts the conversion rate of each variant of an
// experiment.
func (sc *ServerContext) PredictConversion(ctx context.Context, id string) (map[string]predict.Result, error) {
	exp, results, err := sc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := sc.History(ctx)
	if err != nil {
		return nil, err
	}
	return sc.Predictor.PredictConversionRate(predict.VariantsFromResults(exp, results), history), nil
}

// PredictCostTrend forecasts the per-request cost of an experiment for the
// next days.
func (sc *ServerContext) PredictCostTrend(ctx context.Context, id string, days int) ([]predict.Result, error) {
	_, results, err := sc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sc.Predictor.PredictCostTrend(id, predict.CostHistory(results), days), nil
}

// PredictTrafficSplit recommends how to divide totalTraffic requests between
// the variants of an experiment. Excluded variants receive none.
func (sc *ServerContext) PredictTrafficSplit(ctx context.Context, id string, totalTraffic int, exclude []string) (*TrafficPlan, error) {
	exp, results, err := sc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := sc.History(ctx)
	if err != nil {
		return nil, err
	}
	variants := predict.VariantsFromResults(exp, results)
	for i := range variants {
		variants[i].Excluded = slices.Contains(exclude, variants[i].Name)
	}
	split := sc.Predictor.PredictOptimalTrafficSplit(variants, history, totalTraffic)
	return &TrafficPlan{
		ExperimentID: id,
		Split:        split,
		Counts:       predict.AllocateCounts(split, totalTraffic),
		TotalTraffic: totalTraffic,
	}, nil
}

func (sc *ServerContext) load(ctx context.Context, id string) (*experiment.Experiment, []experiment.TestResult, error) {
	exp, err := sc.Manager.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	results, err := sc.Manager.Results(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load results: %w", err)
	}
	return exp, results, nil
}
