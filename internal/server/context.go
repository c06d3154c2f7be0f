package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/giantswarm/prompt-optimizer/internal/config"
	"github.com/giantswarm/prompt-optimizer/internal/dashboard"
	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/llm"
	"github.com/giantswarm/prompt-optimizer/internal/optimizer"
	"github.com/giantswarm/prompt-optimizer/internal/predict"
	"github.com/giantswarm/prompt-optimizer/internal/runner"
	"github.com/giantswarm/prompt-optimizer/internal/scorer"
	"github.com/giantswarm/prompt-optimizer/internal/screening"
	"github.com/giantswarm/prompt-optimizer/internal/sink"
	"github.com/giantswarm/prompt-optimizer/internal/stats"
	"github.com/giantswarm/prompt-optimizer/internal/store"
)

// ServerContext holds shared dependencies for the CLI, the MCP tool handlers
// and the HTTP endpoints.
type ServerContext struct {
	Config    *config.Config
	Store     experiment.Store
	Manager   *experiment.Manager
	Executor  *runner.Executor
	Scorer    runner.QualityScorer
	Judge     *scorer.Scorer // nil when the heuristic scorer is configured
	Screener  screening.Screener
	Analyzer  *stats.Analyzer
	Dashboard *dashboard.Dashboard
	Predictor *predict.Predictor
	Registry  *prometheus.Registry

	OutputDir      string
	DefinitionsDir string // external experiment definitions directory (optional)

	influx   *sink.Influx
	closeFns []func() error

	mu      sync.Mutex
	stopped chan struct{}
	cancel  context.CancelFunc
}

// Options are the non-config settings of a ServerContext.
type Options struct {
	OutputDir      string
	DefinitionsDir string
	// Client overrides the execution model client built from the config.
	Client llm.Client
	// JudgeClient overrides the judge model client built from the config.
	JudgeClient llm.Client
}

// NewServerContext wires every component from cfg.
func NewServerContext(cfg *config.Config, opts Options) (*ServerContext, error) {
	sc := &ServerContext{
		Config:         cfg,
		OutputDir:      opts.OutputDir,
		DefinitionsDir: opts.DefinitionsDir,
		Registry:       prometheus.NewRegistry(),
	}
	sc.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Store.Path != "" {
		db, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		sc.Store = db
		sc.closeFns = append(sc.closeFns, db.Close)
	} else {
		sc.Store = store.NewMemory()
	}

	dashOpts := append(cfg.DashboardOptions(), dashboard.WithMetrics(dashboard.NewMetrics(sc.Registry)))
	if cfg.Dashboard.Influx != nil {
		sc.influx = sink.NewInflux(*cfg.Dashboard.Influx)
		dashOpts = append(dashOpts, dashboard.WithSink(sc.influx))
	}
	sc.Dashboard = dashboard.New(dashOpts...)

	client := opts.Client
	if client == nil {
		client = llm.NewOpenAIClient(cfg.LLMOptions()...)
	}
	if cfg.Judge.Heuristic {
		sc.Scorer = scorer.LengthScorer{}
	} else {
		judgeClient := opts.JudgeClient
		if judgeClient == nil {
			judgeClient = llm.NewOpenAIClient(cfg.JudgeOptions()...)
		}
		sc.Judge = scorer.NewScorer(judgeClient, scorer.Config{
			Model:       cfg.Judge.Model,
			Repetitions: cfg.Judge.Repetitions,
		})
		sc.Scorer = sc.Judge
	}
	sc.Executor = runner.NewExecutor(client, sc.Scorer, cfg.ExecutorOptions()...)

	managerOpts := []experiment.Option{
		experiment.WithExecutor(sc.Executor),
		experiment.WithObserver(dashboard.NewExperimentObserver(sc.Dashboard)),
	}
	if cfg.Screening.Enabled {
		sc.Screener = screening.NewKeyword()
		managerOpts = append(managerOpts, experiment.WithScreener(sc.Screener, cfg.Screening.Block))
	}
	sc.Manager = experiment.NewManager(sc.Store, managerOpts...)
	sc.Analyzer = stats.NewAnalyzer(sc.Manager)
	sc.Predictor = predict.New(cfg.PredictorOptions()...)

	return sc, nil
}

// Start runs the dashboard aggregation loop and periodically completes
// experiments past their maximum duration. It returns immediately.
func (sc *ServerContext) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil {
		return
	}
	ctx, sc.cancel = context.WithCancel(ctx)
	sc.stopped = make(chan struct{})
	sc.Dashboard.Start(ctx)

	go func() {
		defer close(sc.stopped)
		ticker := time.NewTicker(sc.Config.Dashboard.AggregationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids, err := sc.Manager.Sweep(ctx); err != nil {
					slog.Warn("failed to sweep expired experiments", "error", err)
				} else if len(ids) > 0 {
					slog.Info("completed expired experiments", "experiment_ids", ids)
				}
			}
		}
	}()
}

// Analyze analyses an experiment and publishes the best variant to the
// dashboard.
func (sc *ServerContext) Analyze(ctx context.Context, id string) (*stats.Report, error) {
	report, err := sc.Analyzer.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Dashboard.SetExperimentAnalysis(id, report.BestVariant, report.ConfidenceLevel)
	return report, nil
}

// NewOptimizer builds an optimizer whose candidates are measured against
// inputs through the configured test-execution service.
func (sc *ServerContext) NewOptimizer(cfg optimizer.Config, inputs []map[string]any) (*optimizer.Optimizer, error) {
	evalCfg := sc.Config.EvaluatorConfig(inputs)
	evalCfg.Screener = sc.Screener
	return optimizer.New(optimizer.NewExecutorEvaluator(sc.Executor, evalCfg), cfg)
}

// LoadDefinition loads an experiment definition by name from the definitions
// directory or the embedded set.
func (sc *ServerContext) LoadDefinition(name string) (*experiment.Definition, error) {
	return experiment.Load(name, sc.DefinitionsDir)
}

// Close stops background work and releases resources.
func (sc *ServerContext) Close(ctx context.Context) error {
	sc.mu.Lock()
	cancel, stopped := sc.cancel, sc.stopped
	sc.cancel = nil
	sc.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		<-stopped
	}
	if err := sc.Dashboard.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close dashboard: %w", err))
	}
	if sc.influx != nil {
		sc.influx.Close()
	}
	for _, fn := range sc.closeFns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
