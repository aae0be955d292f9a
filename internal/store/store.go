// Package store persists a ledger of subtraction runs and their output
// stacks in SQLite, so the monitor API can report on past and in-flight
// passes. A nil Store is a valid no-op: every method tolerates it, which
// keeps persistence optional for one-shot command line runs.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run states recorded in the ledger.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps the SQLite handle.
type Store struct {
	DB *sql.DB
}

// RunRecord is one subtraction pass in the ledger.
type RunRecord struct {
	ID           int64      `json:"id"`
	InputStar    string     `json:"input_star"`
	WholeMap     string     `json:"whole_map"`
	SubMap       string     `json:"sub_map"`
	OutputStar   string     `json:"output_star"`
	Status       string     `json:"status"`
	Particles    int        `json:"particles"`
	Stacks       int        `json:"stacks"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StackRecord is one output stack written by a run.
type StackRecord struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Path      string    `json:"path"`
	Frames    int       `json:"frames"`
	CreatedAt time.Time `json:"created_at"`
}

// New opens (creating if necessary) the ledger database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subtraction_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			input_star TEXT NOT NULL,
			whole_map TEXT NOT NULL,
			sub_map TEXT NOT NULL,
			output_star TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			particles INTEGER NOT NULL DEFAULT 0,
			stacks INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON subtraction_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON subtraction_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS run_stacks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES subtraction_runs(id),
			path TEXT NOT NULL,
			frames INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_stacks_run ON run_stacks(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// CreateRun inserts a queued run and returns its id.
func (s *Store) CreateRun(inputStar, wholeMap, subMap, outputStar string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(
		`INSERT INTO subtraction_runs (input_star, whole_map, sub_map, output_star, status)
		 VALUES (?, ?, ?, ?, ?)`,
		inputStar, wholeMap, subMap, outputStar, StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return res.LastInsertId()
}

// MarkRunStarted flips a run to running and stamps the start time.
func (s *Store) MarkRunStarted(id int64) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE subtraction_runs SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusRunning, id)
	return err
}

// MarkRunCompleted finalizes a successful run.
func (s *Store) MarkRunCompleted(id int64, particles, stacks int) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE subtraction_runs
		 SET status = ?, particles = ?, stacks = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		StatusCompleted, particles, stacks, id)
	return err
}

// MarkRunFailed finalizes a failed run with its error message.
func (s *Store) MarkRunFailed(id int64, message string) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE subtraction_runs
		 SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		StatusFailed, message, id)
	return err
}

// AddStack records one finalized output stack for a run.
func (s *Store) AddStack(runID int64, path string, frames int) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT INTO run_stacks (run_id, path, frames) VALUES (?, ?, ?)`,
		runID, path, frames)
	return err
}

const runColumns = `id, input_star, whole_map, sub_map, output_star, status,
	particles, stacks, error_message, created_at, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*RunRecord, error) {
	var r RunRecord
	var errMsg sql.NullString
	var started, completed sql.NullTime
	err := row.Scan(&r.ID, &r.InputStar, &r.WholeMap, &r.SubMap, &r.OutputStar,
		&r.Status, &r.Particles, &r.Stacks, &errMsg, &r.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// Run fetches one run by id.
func (s *Store) Run(id int64) (*RunRecord, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM subtraction_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %d: %w", id, err)
	}
	return r, nil
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(
		`SELECT `+runColumns+` FROM subtraction_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RunStacks lists the stacks recorded for a run, oldest first.
func (s *Store) RunStacks(runID int64) ([]StackRecord, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	rows, err := s.DB.Query(
		`SELECT id, run_id, path, frames, created_at FROM run_stacks WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	defer rows.Close()

	var out []StackRecord
	for rows.Next() {
		var r StackRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.Path, &r.Frames, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stack: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
