package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/runbookd/runbook/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

// --- Workflow definitions ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, source, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, source=excluded.source,
		   enabled=excluded.enabled, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Description, string(wf.Source), wf.Enabled, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeErr("put workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var desc sql.NullString
	var source string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, source, enabled, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &desc, &source, &wf.Enabled, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	wf.Description = desc.String
	wf.Source = []byte(source)
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := `SELECT id, name, description, source, enabled, created_at, updated_at FROM workflows`
	var args []any
	if filter.EnabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		wf := &WorkflowRecord{}
		var desc sql.NullString
		var source string
		if err := rows.Scan(&wf.ID, &wf.Name, &desc, &source, &wf.Enabled, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf.Description = desc.String
		wf.Source = []byte(source)
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetWorkflowEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return storeErr("set workflow enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

// --- Run archive ---

func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, status, trigger_source, user_id, mode,
		                   started_at, completed_at, results, errors, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, completed_at=excluded.completed_at,
		   results=excluded.results, errors=excluded.errors, error=excluded.error`,
		run.ID, run.WorkflowID, run.WorkflowName, run.Status, run.Trigger, run.UserID, run.Mode,
		run.StartedAt, completedAt, nullableText(run.Results), nullableText(run.Errors), run.Error,
	)
	if err != nil {
		return storeErr("save run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var trigger, userID, mode, results, errs, topErr sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, status, trigger_source, user_id, mode,
		        started_at, completed_at, results, errors, error
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Status, &trigger, &userID, &mode,
		&run.StartedAt, &completedAt, &results, &errs, &topErr)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	run.Trigger = trigger.String
	run.UserID = userID.String
	run.Mode = mode.String
	run.Error = topErr.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if results.Valid {
		run.Results = []byte(results.String)
	}
	if errs.Valid {
		run.Errors = []byte(errs.String)
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_id, workflow_name, status, trigger_source, user_id, mode,
	                 started_at, completed_at, results, errors, error
	          FROM runs`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var trigger, userID, mode, results, errs, topErr sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Status, &trigger, &userID, &mode,
			&run.StartedAt, &completedAt, &results, &errs, &topErr); err != nil {
			return nil, storeErr("scan run", err)
		}
		run.Trigger = trigger.String
		run.UserID = userID.String
		run.Mode = mode.String
		run.Error = topErr.String
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		if results.Valid {
			run.Results = []byte(results.String)
		}
		if errs.Valid {
			run.Errors = []byte(errs.String)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Event log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, event_type, step_index, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, event.EventType, event.StepIndex,
		nullableText(event.Payload), event.CreatedAt,
	)
	if err != nil {
		return storeErr("append event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, event_type, step_index, payload, created_at
		 FROM events WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var wfID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &wfID, &ev.EventType, &ev.StepIndex, &payload, &ev.CreatedAt); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.WorkflowID = wfID.String
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron_expr, variables, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpr, nullableText(sched.Variables),
		sched.Enabled, sched.CreatedAt,
	)
	if err != nil {
		return storeErr("create schedule", err)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var variables sql.NullString
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expr, variables, enabled, created_at, last_run_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpr, &variables, &sched.Enabled, &sched.CreatedAt, &lastRun)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeErr("get schedule", err)
	}
	if variables.Valid {
		sched.Variables = []byte(variables.String)
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	return sched, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, workflow_id, cron_expr, variables, enabled, created_at, last_run_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var variables sql.NullString
		var lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpr, &variables, &sched.Enabled, &sched.CreatedAt, &lastRun); err != nil {
			return nil, storeErr("scan schedule", err)
		}
		if variables.Valid {
			sched.Variables = []byte(variables.String)
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return storeErr("set schedule enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

func (s *LibSQLStore) TouchSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return storeErr("touch schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

// nullableText converts raw JSON bytes to a driver value, mapping empty to NULL.
func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Store = (*LibSQLStore)(nil)
