package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/config"
	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/llm"
	"github.com/giantswarm/prompt-optimizer/internal/runner"
	"github.com/giantswarm/prompt-optimizer/internal/scorer"
	"github.com/giantswarm/prompt-optimizer/internal/testutil"
)

func newTestContext(t *testing.T, cfg *config.Config) (*ServerContext, *testutil.MockLLMClient) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Judge.Heuristic = true
	}
	client := &testutil.MockLLMClient{
		DefaultResponse: "The customer was charged twice and wants a refund.",
		Usage:           llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
	}
	sc, err := NewServerContext(cfg, Options{OutputDir: t.TempDir(), Client: client})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close(context.Background()) })
	return sc, client
}

func startDefinition(t *testing.T, sc *ServerContext) (*experiment.Experiment, *experiment.Definition) {
	t.Helper()
	ctx := context.Background()
	def, err := sc.LoadDefinition("support-summary")
	require.NoError(t, err)
	exp, err := sc.Manager.Create(ctx, def.Name, def.Description, def.Variants, def.Config)
	require.NoError(t, err)
	exp, err = sc.Manager.Start(ctx, exp.ID)
	require.NoError(t, err)
	return exp, def
}

func TestNewServerContextHeuristicJudge(t *testing.T) {
	sc, _ := newTestContext(t, nil)

	assert.Nil(t, sc.Judge)
	assert.IsType(t, scorer.LengthScorer{}, sc.Scorer)
	assert.Nil(t, sc.Screener)
	assert.NotNil(t, sc.Manager)
	assert.NotNil(t, sc.Analyzer)
	assert.NotNil(t, sc.Predictor)
}

func TestNewServerContextJudgeAndScreening(t *testing.T) {
	cfg := config.Default()
	cfg.Screening.Enabled = true
	sc, _ := newTestContext(t, cfg)

	require.NotNil(t, sc.Judge)
	assert.Same(t, sc.Judge, sc.Scorer)
	assert.NotNil(t, sc.Screener)
}

func TestNewServerContextSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Judge.Heuristic = true
	cfg.Store.Path = filepath.Join(t.TempDir(), "experiments.db")
	sc, _ := newTestContext(t, cfg)

	exp, _ := startDefinition(t, sc)
	got, err := sc.Manager.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, got.Status)
}

func TestServerContextRunAndAnalyze(t *testing.T) {
	sc, client := newTestContext(t, nil)
	ctx := context.Background()
	exp, def := startDefinition(t, sc)

	run, err := runner.NewRunner(sc.Manager, sc.OutputDir).Run(ctx, exp.ID, def.Inputs)
	require.NoError(t, err)
	assert.Equal(t, len(def.Inputs), run.Completed)
	assert.Equal(t, len(def.Inputs), client.Calls())

	status, ok := sc.Dashboard.ExperimentStatus(exp.ID)
	require.True(t, ok)
	assert.Equal(t, len(def.Inputs), status.SuccessfulTests)
	assert.Equal(t, experiment.StatusRunning, status.Status)

	report, err := sc.Analyze(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, len(def.Inputs), report.TotalSamples)

	status, ok = sc.Dashboard.ExperimentStatus(exp.ID)
	require.True(t, ok)
	assert.Equal(t, report.BestVariant, status.BestVariant)
	assert.Equal(t, report.ConfidenceLevel, status.ConfidenceLevel)
}

func TestServerContextPredictions(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	ctx := context.Background()
	exp, def := startDefinition(t, sc)
	_, err := runner.NewRunner(sc.Manager, sc.OutputDir).Run(ctx, exp.ID, def.Inputs)
	require.NoError(t, err)

	history, err := sc.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, len(def.Inputs))

	quality, err := sc.PredictQuality(ctx, "Summarize: {ticket}")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, quality.PredictedValue, 0.0)
	assert.LessOrEqual(t, quality.PredictedValue, 1.0)

	conversion, err := sc.PredictConversion(ctx, exp.ID)
	require.NoError(t, err)
	assert.Len(t, conversion, len(exp.Variants))

	trend, err := sc.PredictCostTrend(ctx, exp.ID, 3)
	require.NoError(t, err)
	assert.Len(t, trend, 3)

	plan, err := sc.PredictTrafficSplit(ctx, exp.ID, 100, []string{"terse"})
	require.NoError(t, err)
	assert.Zero(t, plan.Split["terse"])
	assert.InDelta(t, 1.0, plan.Split["structured"], 1e-9)
	assert.Equal(t, 100, plan.Counts["structured"])
	assert.Zero(t, plan.Counts["terse"])
}

func TestServerContextPredictUnknownExperiment(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	_, err := sc.PredictCostTrend(context.Background(), "missing", 3)
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func TestServerContextStartClose(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	sc.Start(context.Background())
	sc.Start(context.Background())
	assert.True(t, sc.Dashboard.Running())

	require.NoError(t, sc.Close(context.Background()))
	assert.False(t, sc.Dashboard.Running())
}

func TestRegisterRoutes(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	ctx := context.Background()
	exp, def := startDefinition(t, sc)
	_, err := runner.NewRunner(sc.Manager, sc.OutputDir).Run(ctx, exp.ID, def.Inputs[:2])
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterRoutes(mux, sc, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/healthz", contains: "ok"},
		{path: "/dashboard", contains: exp.ID},
		{path: "/metrics", contains: "prompt_optimizer_metric_points_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			body := new(strings.Builder)
			_, err = io.Copy(body, resp.Body)
			require.NoError(t, err)
			assert.Contains(t, body.String(), tt.contains)
		})
	}
}

func TestRegisterRoutesProtectsDashboard(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, sc, deny)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerContextScoreResults(t *testing.T) {
	cfg := config.Default()
	judge := &testutil.MockLLMClient{DefaultResponse: "Accurate and concise.\nSCORE: 0.8"}
	sc, err := NewServerContext(cfg, Options{
		OutputDir:   t.TempDir(),
		Client:      &testutil.MockLLMClient{DefaultResponse: "A refund was requested."},
		JudgeClient: judge,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close(context.Background()) })

	ctx := context.Background()
	exp, _ := startDefinition(t, sc)
	run, err := runner.NewRunner(sc.Manager, sc.OutputDir).Run(ctx, exp.ID, []map[string]any{{"ticket": "charged twice"}})
	require.NoError(t, err)
	callsAfterRun := judge.Calls()

	scored, err := sc.ScoreResults(ctx, run.ResultsFile)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	require.NotNil(t, scored[0].Summary.MeanScore)
	assert.InDelta(t, 0.8, *scored[0].Summary.MeanScore, 1e-9)
	assert.Equal(t, callsAfterRun+3, judge.Calls())
	assert.Contains(t, judge.LastRequest().UserMessage, "charged twice")
	assert.FileExists(t, filepath.Join(filepath.Dir(run.ResultsFile), scored[0].EvaluationFile))
}

func TestServerContextScoreResultsNoJudge(t *testing.T) {
	sc, _ := newTestContext(t, nil)
	_, err := sc.ScoreResults(context.Background(), "results.csv")
	assert.ErrorIs(t, err, ErrNoJudge)
}

func TestEvaluationName(t *testing.T) {
	assert.Equal(t, "run_1-0"+EvaluationSuffix, evaluationName("run 1-0"))
	assert.Equal(t, "a_b"+EvaluationSuffix, evaluationName("a/b"))
}
