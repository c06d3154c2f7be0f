package mcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/giantswarm/prompt-optimizer/internal/runner"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

// runDir is a validated run directory below the output directory.
type runDir string

// openRunDir resolves runID to its directory. IDs are single path elements,
// so a client can never address anything outside outputDir.
func openRunDir(outputDir, runID string) (runDir, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || strings.ContainsRune(runID, filepath.Separator) {
		return "", fmt.Errorf("path separators are not allowed")
	}
	if runID == "." || runID == ".." {
		return "", fmt.Errorf("path traversal is not allowed")
	}
	path, err := withinDir(outputDir, runID)
	if err != nil {
		return "", err
	}
	return runDir(path), nil
}

func (d runDir) manifest() string { return filepath.Join(string(d), runner.ManifestFile) }

func (d runDir) results() string { return filepath.Join(string(d), runner.ResultsCSV) }

// evaluations lists the judge evaluation files written by score_run, in
// directory order. A missing directory yields none.
func (d runDir) evaluations() []string {
	entries, _ := os.ReadDir(string(d))
	out := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), server.EvaluationSuffix) {
			out = append(out, e.Name())
		}
	}
	return out
}

// withinDir joins p onto base and rejects results that escape base.
func withinDir(base, p string) (string, error) {
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(baseAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within output directory")
	}
	return targetAbs, nil
}
