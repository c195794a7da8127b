// Package history persists build runs and runtime actions to SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/plcgw/internal/build"
)

// ErrRunNotFound is returned when a build run id is unknown.
var ErrRunNotFound = errors.New("build run not found")

// RunRecord is a stored build run.
type RunRecord struct {
	build.Run
	// ExitCode is the failing toolchain's exit status, when one ran.
	ExitCode *int `json:"exit_code,omitempty"`
}

// RuntimeEntry is one runtime lifecycle action.
type RuntimeEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads and writes history tables created by storage.BootstrapSQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SaveRun inserts or updates run.
func (s *Store) SaveRun(ctx context.Context, run build.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	if !run.Stage.Valid() {
		return fmt.Errorf("run %s: unknown stage %q", run.ID, run.Stage)
	}

	var exitCode any
	var stageErr *build.BuildStageError
	if errors.As(run.Err, &stageErr) && stageErr.ExitCode >= 0 {
		exitCode = stageErr.ExitCode
	}
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO build_runs(
  id, source_name, source_path, stage, outcome, diagnostic, exit_code,
  executable_hash, workspace, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  stage = excluded.stage,
  outcome = excluded.outcome,
  diagnostic = excluded.diagnostic,
  exit_code = excluded.exit_code,
  executable_hash = excluded.executable_hash,
  workspace = excluded.workspace,
  completed_at = excluded.completed_at;
`,
		run.ID, run.Source.Name, run.Source.Path, string(run.Stage), string(run.Outcome),
		nullString(run.Diagnostic), exitCode, nullString(run.ExecutableHash), nullString(run.Workspace),
		run.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save build run: %w", err)
	}
	return nil
}

const runColumns = `id, source_name, source_path, stage, outcome, diagnostic, exit_code,
  executable_hash, workspace, started_at, completed_at`

// GetRun returns the run with id or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM build_runs WHERE id = ?;`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get build run: %w", err)
	}
	return rec, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM build_runs ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list build runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RecordRuntime appends a runtime action.
func (s *Store) RecordRuntime(ctx context.Context, entry RuntimeEntry) error {
	if entry.Action == "" {
		return fmt.Errorf("action is empty")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var pid any
	if entry.PID > 0 {
		pid = entry.PID
	}
	var exitCode any
	if entry.ExitCode != nil {
		exitCode = *entry.ExitCode
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runtime_log(action, pid, exit_code, detail, created_at)
VALUES(?, ?, ?, ?, ?);
`, entry.Action, pid, exitCode, nullString(entry.Detail), created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record runtime action: %w", err)
	}
	return nil
}

// ListRuntime returns up to limit runtime actions, newest first.
func (s *Store) ListRuntime(ctx context.Context, limit int) ([]RuntimeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, action, pid, exit_code, detail, created_at
FROM runtime_log
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runtime actions: %w", err)
	}
	defer rows.Close()

	var out []RuntimeEntry
	for rows.Next() {
		var (
			e        RuntimeEntry
			pid      sql.NullInt64
			exitCode sql.NullInt64
			detail   sql.NullString
			created  string
		)
		if err := rows.Scan(&e.ID, &e.Action, &pid, &exitCode, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan runtime action: %w", err)
		}
		e.PID = int(pid.Int64)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		e.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneRuns deletes finished runs that started before cutoff.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM build_runs WHERE completed_at IS NOT NULL AND started_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune build runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		rec         RunRecord
		stage       string
		outcome     string
		diagnostic  sql.NullString
		exitCode    sql.NullInt64
		hash        sql.NullString
		ws          sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Source.Name, &rec.Source.Path, &stage, &outcome, &diagnostic, &exitCode,
		&hash, &ws, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Stage = build.Stage(stage)
	rec.Outcome = build.Outcome(outcome)
	rec.Diagnostic = diagnostic.String
	rec.ExecutableHash = hash.String
	rec.Workspace = ws.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		rec.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
