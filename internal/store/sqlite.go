package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

// SQLite persists experiments and results in a SQLite database.
// Variants, configuration and inputs are stored as JSON columns.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) a SQLite database at path.
// An empty path opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			variants TEXT NOT NULL,
			config TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create experiments table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id TEXT NOT NULL REFERENCES experiments(id),
			variant_name TEXT NOT NULL,
			user_id TEXT,
			input TEXT,
			response TEXT,
			quality_score REAL NOT NULL,
			latency_ms REAL NOT NULL,
			cost REAL NOT NULL,
			tokens INTEGER NOT NULL,
			converted INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_results_experiment ON results(experiment_id)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveExperiment inserts or replaces an experiment.
func (s *SQLite) SaveExperiment(ctx context.Context, exp *experiment.Experiment) error {
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	cfg, err := json.Marshal(exp.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, seq, name, description, variants, config, status, created_at, started_at, completed_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM experiments), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			variants = excluded.variants,
			config = excluded.config,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		exp.ID,
		exp.Name,
		exp.Description,
		string(variants),
		string(cfg),
		string(exp.Status),
		formatTime(exp.CreatedAt),
		nullTime(exp.StartedAt),
		nullTime(exp.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment %s: %w", exp.ID, err)
	}
	return nil
}

const experimentColumns = "id, name, description, variants, config, status, created_at, started_at, completed_at"

// GetExperiment loads one experiment.
func (s *SQLite) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+experimentColumns+" FROM experiments WHERE id = ?", id)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	}
	return exp, err
}

// ListExperiments returns all experiments in creation order.
func (s *SQLite) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+experimentColumns+" FROM experiments ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*experiment.Experiment, error) {
	var (
		exp                   experiment.Experiment
		description           sql.NullString
		variants, cfg, status string
		created               string
		started, completed    sql.NullString
	)
	if err := row.Scan(&exp.ID, &exp.Name, &description, &variants, &cfg, &status, &created, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}

	exp.Description = description.String
	exp.Status = experiment.Status(status)
	if err := json.Unmarshal([]byte(variants), &exp.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &exp.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	if exp.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if exp.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if exp.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &exp, nil
}

// AppendResult stores a test result.
func (s *SQLite) AppendResult(ctx context.Context, r experiment.TestResult) error {
	var input sql.NullString
	if len(r.Input) > 0 {
		raw, err := json.Marshal(r.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal input: %w", err)
		}
		input = sql.NullString{String: string(raw), Valid: true}
	}

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM experiments WHERE id = ?", r.ExperimentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up experiment: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", experiment.ErrNotFound, r.ExperimentID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (experiment_id, variant_name, user_id, input, response, quality_score, latency_ms, cost, tokens, converted, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ExperimentID,
		r.VariantName,
		r.UserID,
		input,
		r.Response,
		r.QualityScore,
		r.LatencyMs,
		r.Cost,
		r.Tokens,
		r.Converted,
		formatTime(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// Results returns the results of an experiment in insertion order.
func (s *SQLite) Results(ctx context.Context, experimentID string) ([]experiment.TestResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, variant_name, user_id, input, response, quality_score, latency_ms, cost, tokens, converted, timestamp
		FROM results WHERE experiment_id = ? ORDER BY id
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []experiment.TestResult
	for rows.Next() {
		var (
			r                   experiment.TestResult
			userID, input, resp sql.NullString
			ts                  string
		)
		if err := rows.Scan(&r.ExperimentID, &r.VariantName, &userID, &input, &resp,
			&r.QualityScore, &r.LatencyMs, &r.Cost, &r.Tokens, &r.Converted, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.UserID = userID.String
		r.Response = resp.String
		if input.Valid {
			if err := json.Unmarshal([]byte(input.String), &r.Input); err != nil {
				return nil, fmt.Errorf("failed to unmarshal input: %w", err)
			}
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
