package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/Mineru98/neural-vps-go/rank"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	started_at        TEXT NOT NULL,
	dataset           TEXT NOT NULL,
	arch              TEXT NOT NULL,
	pooling           TEXT NOT NULL,
	num_db            INTEGER NOT NULL,
	num_q             INTEGER NOT NULL,
	accuracy          REAL NOT NULL,
	identity_accuracy REAL NOT NULL,
	recall            TEXT
)`, `
CREATE TABLE IF NOT EXISTS matches (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	query_idx    INTEGER NOT NULL,
	query        TEXT NOT NULL,
	prediction   TEXT NOT NULL,
	predicted_id TEXT,
	lat          REAL,
	lon          REAL,
	heading      REAL,
	distance     REAL,
	matched      INTEGER NOT NULL,
	PRIMARY KEY (run_id, query_idx)
)`}

// Run is one persisted evaluation
type Run struct {
	ID        string
	StartedAt time.Time
	Dataset   string
	Arch      string
	Pooling   string
	Eval      *rank.Evaluation
}

// RunSummary is a row of the run history
type RunSummary struct {
	ID               string
	StartedAt        time.Time
	Dataset          string
	Arch             string
	Pooling          string
	NumDB            int
	NumQ             int
	Accuracy         float64
	IdentityAccuracy float64
	Recall           map[int]float64
}

// SQLiteSink stores evaluation runs in a SQLite file
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the history database at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results db: %w", err)
	}
	// a single connection keeps writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

// SaveRun persists run and its matches in one transaction. An empty ID is
// replaced by a new UUID, which is returned.
func (s *SQLiteSink) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.Eval == nil {
		return "", fmt.Errorf("run has no evaluation")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var recall []byte
	if len(run.Eval.Recall) > 0 {
		var err error
		if recall, err = json.Marshal(run.Eval.Recall); err != nil {
			return "", err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, dataset, arch, pooling, num_db, num_q, accuracy, identity_accuracy, recall)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Dataset, run.Arch, run.Pooling,
		run.Eval.NumDB, len(run.Eval.Matches), run.Eval.Accuracy, run.Eval.IdentityAccuracy, nullable(recall))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matches (run_id, query_idx, query, prediction, predicted_id, lat, lon, heading, distance, matched)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, m := range run.Eval.Matches {
		_, err := stmt.ExecContext(ctx, run.ID, i, m.Query, m.Prediction, m.PredictedID,
			m.Pose.Lat, m.Pose.Lon, m.Pose.Heading, float64(m.Distance), m.Matched)
		if err != nil {
			return "", fmt.Errorf("failed to insert match %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return run.ID, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Runs lists the stored runs, newest first
func (s *SQLiteSink) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, dataset, arch, pooling, num_db, num_q, accuracy, identity_accuracy, recall
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r         RunSummary
			startedAt string
			recall    sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &r.Dataset, &r.Arch, &r.Pooling,
			&r.NumDB, &r.NumQ, &r.Accuracy, &r.IdentityAccuracy, &recall); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		if recall.Valid {
			if err := json.Unmarshal([]byte(recall.String), &r.Recall); err != nil {
				return nil, fmt.Errorf("run %s: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MatchedQueries returns the query paths of a run that were matched
func (s *SQLiteSink) MatchedQueries(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query FROM matches WHERE run_id = ? AND matched = 1 ORDER BY query_idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
