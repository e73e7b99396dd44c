// Package store persists run records and plans. Runs go to SQLite so every
// state transition is durable and queryable; plans are JSON files on an
// afero filesystem so tests run fully in memory.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/run"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	plan_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	selected    TEXT NOT NULL,
	totals      TEXT NOT NULL,
	paused_for  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_sections (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	section_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	skip_override INTEGER NOT NULL DEFAULT 0,
	worker_id     TEXT NOT NULL DEFAULT '',
	branch        TEXT NOT NULL DEFAULT '',
	merge_seq     INTEGER NOT NULL DEFAULT 0,
	progress      INTEGER NOT NULL DEFAULT 0,
	commits       TEXT NOT NULL DEFAULT '[]',
	failure_note  TEXT NOT NULL DEFAULT '',
	metrics       TEXT NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP,
	PRIMARY KEY (run_id, section_id)
);

CREATE TABLE IF NOT EXISTS gate_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	section_id  TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	stage       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	blocking    INTEGER NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_gate_results_section
	ON gate_results(run_id, section_id, attempt);
`

// RunStore persists run records in SQLite. Safe for concurrent use; SQLite
// serializes writers internally.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (and migrates) the run database at path. Use ":memory:"
// for tests.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate run database: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the underlying database.
func (s *RunStore) Close() error { return s.db.Close() }

// SaveRun upserts the run and all of its section rows in one transaction.
// Called after every state transition; the record on disk always reflects
// the engine's latest step.
func (s *RunStore) SaveRun(r *run.Run) error {
	selected, err := json.Marshal(r.Selected)
	if err != nil {
		return err
	}
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r.UpdatedAt = time.Now()
	_, err = tx.Exec(`
		INSERT INTO runs (id, plan_id, project_id, status, selected, totals, paused_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			selected = excluded.selected,
			totals = excluded.totals,
			paused_for = excluded.paused_for,
			updated_at = excluded.updated_at`,
		r.ID, r.PlanID, r.ProjectID, string(r.Status), string(selected),
		string(totals), r.PausedFor, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}

	for _, st := range r.Sections {
		metrics, err := json.Marshal(st.Metrics)
		if err != nil {
			return err
		}
		commits, err := json.Marshal(st.Commits)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO run_sections (run_id, section_id, status, attempts, skip_override,
				worker_id, branch, merge_seq, progress, commits, failure_note, metrics,
				started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, section_id) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				skip_override = excluded.skip_override,
				worker_id = excluded.worker_id,
				branch = excluded.branch,
				merge_seq = excluded.merge_seq,
				progress = excluded.progress,
				commits = excluded.commits,
				failure_note = excluded.failure_note,
				metrics = excluded.metrics,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at`,
			r.ID, st.SectionID, string(st.Status), st.Attempts, boolInt(st.SkipOverride),
			st.WorkerID, st.Branch, st.MergeSeq, st.Progress, string(commits),
			st.FailureNote, string(metrics), st.StartedAt, st.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to save section %s: %w", st.SectionID, err)
		}
	}

	return tx.Commit()
}

// LoadRun reads a run record by ID.
func (s *RunStore) LoadRun(id string) (*run.Run, error) {
	r := &run.Run{ID: id, Sections: make(map[string]*run.SectionState)}
	var selected, totals string
	err := s.db.QueryRow(`
		SELECT plan_id, project_id, status, selected, totals, paused_for, created_at, updated_at
		FROM runs WHERE id = ?`, id).Scan(
		&r.PlanID, &r.ProjectID, (*string)(&r.Status), &selected, &totals,
		&r.PausedFor, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(selected), &r.Selected); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(totals), &r.Totals); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT section_id, status, attempts, skip_override, worker_id, branch,
			merge_seq, progress, commits, failure_note, metrics, started_at, finished_at
		FROM run_sections WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		st := &run.SectionState{}
		var skip int
		var metrics, commits string
		if err := rows.Scan(&st.SectionID, (*string)(&st.Status), &st.Attempts,
			&skip, &st.WorkerID, &st.Branch, &st.MergeSeq, &st.Progress, &commits,
			&st.FailureNote, &metrics, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, err
		}
		st.SkipOverride = skip != 0
		if err := json.Unmarshal([]byte(commits), &st.Commits); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metrics), &st.Metrics); err != nil {
			return nil, err
		}
		r.Sections[st.SectionID] = st
	}
	return r, rows.Err()
}

// RunSummary is a lightweight listing row.
type RunSummary struct {
	ID        string      `json:"id"`
	PlanID    string      `json:"plan_id"`
	ProjectID string      `json:"project_id"`
	Status    run.Status  `json:"status"`
	Totals    run.Metrics `json:"totals"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ListRuns returns summaries for a project, newest first. An empty projectID
// lists everything.
func (s *RunStore) ListRuns(projectID string) ([]RunSummary, error) {
	query := `SELECT id, plan_id, project_id, status, totals, created_at, updated_at
		FROM runs ORDER BY created_at DESC`
	args := []any{}
	if projectID != "" {
		query = `SELECT id, plan_id, project_id, status, totals, created_at, updated_at
			FROM runs WHERE project_id = ? ORDER BY created_at DESC`
		args = append(args, projectID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var totals string
		if err := rows.Scan(&rs.ID, &rs.PlanID, &rs.ProjectID, (*string)(&rs.Status),
			&totals, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(totals), &rs.Totals); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// ActiveRun returns the in-progress or paused run for a project, or
// ErrRunNotFound when there is none. At most one run per project is ever
// active.
func (s *RunStore) ActiveRun(projectID string) (*run.Run, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM runs
		WHERE project_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		projectID, string(run.StatusInProgress), string(run.StatusPaused)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.LoadRun(id)
}

// DeleteRun removes a run and its section rows. Active runs cannot be
// deleted.
func (s *RunStore) DeleteRun(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return errors.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if !run.Status(status).IsTerminal() {
		return errors.ErrRunActive
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM gate_results WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM run_sections WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GateRecord is one persisted gate stage outcome.
type GateRecord struct {
	RunID     string        `json:"run_id"`
	SectionID string        `json:"section_id"`
	Attempt   int           `json:"attempt"`
	Stage     string        `json:"stage"`
	Kind      string        `json:"kind"`
	Passed    bool          `json:"passed"`
	Blocking  bool          `json:"blocking"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// AppendGateResults records gate outcomes for one verification attempt.
// History is append-only; retries never overwrite earlier attempts.
func (s *RunStore) AppendGateResults(records []GateRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		_, err := tx.Exec(`
			INSERT INTO gate_results (run_id, section_id, attempt, stage, kind,
				passed, blocking, output, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.SectionID, rec.Attempt, rec.Stage, rec.Kind,
			boolInt(rec.Passed), boolInt(rec.Blocking), rec.Output,
			rec.Duration.Milliseconds(), time.Now())
		if err != nil {
			return fmt.Errorf("failed to append gate result: %w", err)
		}
	}
	return tx.Commit()
}

// GateHistory returns all gate records for a section, oldest first.
func (s *RunStore) GateHistory(runID, sectionID string) ([]GateRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, section_id, attempt, stage, kind, passed, blocking,
			output, duration_ms, created_at
		FROM gate_results
		WHERE run_id = ? AND section_id = ?
		ORDER BY id ASC`, runID, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GateRecord
	for rows.Next() {
		var rec GateRecord
		var passed, blocking int
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.SectionID, &rec.Attempt, &rec.Stage,
			&rec.Kind, &passed, &blocking, &rec.Output, &durationMS,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Passed = passed != 0
		rec.Blocking = blocking != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
