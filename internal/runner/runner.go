package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// ProgressFunc is called to report progress during a run.
type ProgressFunc func(experimentID string, inputIndex, totalInputs int)

// Files written to every run directory.
const (
	ManifestFile = "resultset.json"
	ResultsCSV   = "results.csv"
)

// Manager is the part of the experiment manager a Runner drives.
type Manager interface {
	Get(ctx context.Context, id string) (*experiment.Experiment, error)
	RunTest(ctx context.Context, id, userID string, input map[string]any) (*experiment.TestResult, error)
	Results(ctx context.Context, id string) ([]experiment.TestResult, error)
}

// Run summarises one pass of a dataset through a running experiment.
type Run struct {
	ID           string                  `json:"id"`
	ExperimentID string                  `json:"experiment_id"`
	Experiment   string                  `json:"experiment"`
	Timestamp    time.Time               `json:"timestamp"`
	Duration     time.Duration           `json:"-"`
	Completed    int                     `json:"completed"`
	Failed       int                     `json:"failed"`
	ResultsFile  string                  `json:"results_file"`
	Results      []experiment.TestResult `json:"-"`
}

// Runner executes datasets against running experiments.
type Runner struct {
	manager   Manager
	outputDir string
	progress  ProgressFunc
}

// NewRunner creates a new runner that writes results below outputDir.
func NewRunner(manager Manager, outputDir string) *Runner {
	return &Runner{
		manager:   manager,
		outputDir: outputDir,
	}
}

// SetProgressFunc sets the progress callback.
func (r *Runner) SetProgressFunc(fn ProgressFunc) {
	r.progress = fn
}

// Run sends every input through the experiment, one test per input, and
// writes the results as CSV together with a resultset.json manifest. Failed
// tests are logged and counted; the run continues with the next input.
func (r *Runner) Run(ctx context.Context, experimentID string, inputs []map[string]any) (*Run, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs specified for run")
	}

	exp, err := r.manager.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != experiment.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", experiment.ErrNotRunning, exp.ID, exp.Status)
	}

	timestamp := time.Now()
	runID := fmt.Sprintf("%s_%s", sanitizeFilename(strings.ReplaceAll(exp.Name, " ", "_")), timestamp.Format("20060102-150405"))

	outputPath := filepath.Join(r.outputDir, runID)
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	run := &Run{
		ID:           runID,
		ExperimentID: exp.ID,
		Experiment:   exp.Name,
		Timestamp:    timestamp,
	}

	slog.Info("running experiment", "experiment_id", exp.ID, "inputs", len(inputs))

	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			slog.Warn("run cancelled", "experiment_id", exp.ID, "completed", i, "total", len(inputs))
			break
		}

		if r.progress != nil {
			r.progress(exp.ID, i+1, len(inputs))
		}

		userID := fmt.Sprintf("%s-%d", runID, i)
		result, err := r.manager.RunTest(ctx, exp.ID, userID, input)
		if err != nil {
			if errors.Is(err, experiment.ErrNotRunning) {
				slog.Warn("experiment stopped during run", "experiment_id", exp.ID, "completed", i)
				break
			}
			run.Failed++
			slog.Error("test execution failed", "experiment_id", exp.ID, "input", i, "error", err)
			continue
		}
		run.Completed++
		run.Results = append(run.Results, *result)
	}

	run.Duration = time.Since(timestamp)

	resultsFile := filepath.Join(outputPath, ResultsCSV)
	if err := writeResults(resultsFile, run.Results); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}
	run.ResultsFile = resultsFile

	if err := writeRunMetadata(outputPath, run); err != nil {
		return nil, fmt.Errorf("failed to write run metadata: %w", err)
	}

	slog.Info("run complete",
		"experiment_id", exp.ID,
		"completed", run.Completed,
		"failed", run.Failed,
		"duration", run.Duration,
	)
	return run, nil
}

// sanitizeFilename replaces characters unsafe for filenames with underscores.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}

func writeResults(path string, results []experiment.TestResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := experiment.Export(f, results, experiment.FormatCSV); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeRunMetadata(outputPath string, run *Run) error {
	variants := make(map[string]int)
	for _, r := range run.Results {
		variants[r.VariantName]++
	}

	metadata := map[string]interface{}{
		"id":            run.ID,
		"experiment_id": run.ExperimentID,
		"experiment":    run.Experiment,
		"timestamp":     run.Timestamp,
		"full_duration": run.Duration.Seconds(),
		"completed":     run.Completed,
		"failed":        run.Failed,
		"variants":      variants,
		"results_file":  run.ResultsFile,
	}

	data, err := json.MarshalIndent(metadata, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(outputPath, ManifestFile), data, 0o644)
}
