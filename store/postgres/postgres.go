// Package postgres implements store.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	nodeflow "nodeflow"
	"nodeflow/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	nodes       JSONB NOT NULL DEFAULT '[]',
	connections JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_owner_idx ON workflows (owner_id);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL REFERENCES workflows (id) ON DELETE CASCADE,
	status          TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	initial_context JSONB NOT NULL DEFAULT '{}',
	final_context   JSONB,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_id, started_at);

CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Store is a PostgreSQL backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, nodeflow.ErrNotFound)
}

// jsonb encodes v for a JSONB parameter, mapping nil slices and maps to
// their empty JSON form. lib/pq sends []byte as bytea, so the text form is
// passed instead.
func jsonb(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *nodeflow.Workflow) error {
	nodes, err := jsonb(wf.Nodes, "[]")
	if err != nil {
		return err
	}
	conns, err := jsonb(wf.Connections, "[]")
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, owner_id, nodes, connections, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wf.ID, wf.Name, wf.OwnerID, nodes, conns, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", wf.ID, err)
	}
	return nil
}

func scanWorkflow(row interface{ Scan(...any) error }) (*nodeflow.Workflow, error) {
	var wf nodeflow.Workflow
	var nodes, conns []byte
	if err := row.Scan(&wf.ID, &wf.Name, &wf.OwnerID, &nodes, &conns, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes of %s: %w", wf.ID, err)
	}
	if err := json.Unmarshal(conns, &wf.Connections); err != nil {
		return nil, fmt.Errorf("decode connections of %s: %w", wf.ID, err)
	}
	return &wf, nil
}

const workflowColumns = `id, name, owner_id, nodes, connections, created_at, updated_at`

func (s *Store) LoadGraph(ctx context.Context, workflowID string) (*nodeflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return wf, nil
}

func (s *Store) SaveGraph(ctx context.Context, workflowID string, nodes []nodeflow.Node, connections []nodeflow.Connection) error {
	rawNodes, err := jsonb(nodes, "[]")
	if err != nil {
		return err
	}
	rawConns, err := jsonb(connections, "[]")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET nodes = $2, connections = $3, updated_at = $4 WHERE id = $1`,
		workflowID, rawNodes, rawConns, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save graph %s: %w", workflowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", workflowID)
	}
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", workflowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", workflowID)
	}
	return nil
}

func (s *Store) ListWorkflows(ctx context.Context, ownerID string) ([]nodeflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE $1::text = '' OR owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []nodeflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func (s *Store) CreateExecution(ctx context.Context, exec *nodeflow.Execution) error {
	if exec.Status == "" {
		exec.Status = nodeflow.ExecutionPending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now().UTC()
	}
	initial, err := jsonb(exec.InitialContext, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, started_at, initial_context)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.StartedAt, initial)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return notFound("workflow", exec.WorkflowID)
	}
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, started_at, completed_at, initial_context, final_context, error`

func scanExecution(row interface{ Scan(...any) error }) (*nodeflow.Execution, error) {
	var exec nodeflow.Execution
	var status string
	var completed pq.NullTime
	var initial, final []byte
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &exec.StartedAt, &completed, &initial, &final, &exec.Error); err != nil {
		return nil, err
	}
	exec.Status = nodeflow.ExecutionStatus(status)
	if completed.Valid {
		t := completed.Time
		exec.CompletedAt = &t
	}
	if len(initial) > 0 {
		if err := json.Unmarshal(initial, &exec.InitialContext); err != nil {
			return nil, fmt.Errorf("decode initial context of %s: %w", exec.ID, err)
		}
	}
	if len(final) > 0 {
		if err := json.Unmarshal(final, &exec.FinalContext); err != nil {
			return nil, fmt.Errorf("decode final context of %s: %w", exec.ID, err)
		}
	}
	return &exec, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*nodeflow.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return exec, nil
}

// TransitionExecution locks the row so concurrent transitions serialize.
func (s *Store) TransitionExecution(ctx context.Context, id string, t store.Transition) (*nodeflow.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if t.At.IsZero() {
		t.At = s.now().UTC()
	}
	if err := store.ApplyTransition(exec, t); err != nil {
		return nil, err
	}

	var final sql.NullString
	if exec.Status.Terminal() {
		if final.String, err = jsonb(exec.FinalContext, "{}"); err != nil {
			return nil, err
		}
		final.Valid = true
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET status = $2, completed_at = $3, final_context = $4, error = $5
		WHERE id = $1`,
		id, string(exec.Status), pq.NullTime{Time: derefTime(exec.CompletedAt), Valid: exec.CompletedAt != nil}, final, exec.Error)
	if err != nil {
		return nil, fmt.Errorf("update execution %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return exec, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]nodeflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE $1::text = '' OR workflow_id = $1 ORDER BY started_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []nodeflow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func (s *Store) CreateCredential(ctx context.Context, cred *nodeflow.Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, type, name, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cred.ID, cred.UserID, string(cred.Type), cred.Name, cred.Value, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential %s: %w", cred.ID, err)
	}
	return nil
}

func (s *Store) FindCredential(ctx context.Context, id, ownerID string) (*nodeflow.Credential, error) {
	var cred nodeflow.Credential
	var credType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, name, value, created_at
		FROM credentials WHERE id = $1 AND user_id = $2`, id, ownerID).
		Scan(&cred.ID, &cred.UserID, &credType, &cred.Name, &cred.Value, &cred.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("credential", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", id, err)
	}
	cred.Type = nodeflow.CredentialType(credType)
	return &cred, nil
}
