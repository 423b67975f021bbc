package observation

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT    NOT NULL,
	name    TEXT    NOT NULL,
	cycle   INTEGER NOT NULL,
	time    REAL    NOT NULL,
	value   REAL
);
CREATE INDEX IF NOT EXISTS observations_run_name ON observations (run_id, name, cycle);
`

// SQLite is the durable observation sink.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := sql.Open("sqlite", cleanPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Write(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations (run_id, name, cycle, time, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		// NULL stands in for non-finite values.
		var value any = r.Value
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			value = nil
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Name, r.Cycle, r.Time, value); err != nil {
			return fmt.Errorf("insert observation %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// Runs lists run ids, most recent first.
func (s *SQLite) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM observations GROUP BY run_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Names lists the observation names recorded for a run.
func (s *SQLite) Names(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM observations WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Series returns one observation of a run in cycle order. Non-finite values
// come back as NaN.
func (s *SQLite) Series(ctx context.Context, runID, name string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, time, value FROM observations WHERE run_id = ? AND name = ? ORDER BY cycle, id`,
		runID, name)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r := Row{RunID: runID, Name: name}
		var v sql.NullFloat64
		if err := rows.Scan(&r.Cycle, &r.Time, &v); err != nil {
			return nil, err
		}
		r.Value = v.Float64
		if !v.Valid {
			r.Value = math.NaN()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
