// Package store persists workflows, executions and credentials.
package store

import (
	"context"
	"time"

	nodeflow "nodeflow"
)

// GraphStore loads and saves workflow graphs.
type GraphStore interface {
	LoadGraph(ctx context.Context, workflowID string) (*nodeflow.Workflow, error)
	SaveGraph(ctx context.Context, workflowID string, nodes []nodeflow.Node, connections []nodeflow.Connection) error
}

// WorkflowStore manages workflow rows. Deleting a workflow deletes its
// executions.
type WorkflowStore interface {
	GraphStore
	CreateWorkflow(ctx context.Context, wf *nodeflow.Workflow) error
	DeleteWorkflow(ctx context.Context, workflowID string) error
	ListWorkflows(ctx context.Context, ownerID string) ([]nodeflow.Workflow, error)
}

// Transition carries the fields written alongside a status change.
type Transition struct {
	Status       nodeflow.ExecutionStatus
	At           time.Time
	FinalContext nodeflow.Context
	Error        string
}

// ExecutionStore tracks execution rows. TransitionExecution rejects moves
// that ExecutionStatus.CanTransition forbids with nodeflow.ErrIllegalTransition.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *nodeflow.Execution) error
	GetExecution(ctx context.Context, id string) (*nodeflow.Execution, error)
	TransitionExecution(ctx context.Context, id string, t Transition) (*nodeflow.Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]nodeflow.Execution, error)
}

// CredentialStore holds encrypted credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *nodeflow.Credential) error
	FindCredential(ctx context.Context, id, ownerID string) (*nodeflow.Credential, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	WorkflowStore
	ExecutionStore
	CredentialStore
	Close() error
}

// ApplyTransition validates t against exec and applies it in place. Backends
// call it inside their own locking.
func ApplyTransition(exec *nodeflow.Execution, t Transition) error {
	if !exec.Status.CanTransition(t.Status) {
		return &IllegalTransitionError{ID: exec.ID, From: exec.Status, To: t.Status}
	}
	exec.Status = t.Status
	if t.Status.Terminal() {
		at := t.At
		if at.IsZero() {
			at = time.Now()
		}
		exec.CompletedAt = &at
		exec.FinalContext = t.FinalContext
		exec.Error = t.Error
	}
	return nil
}

// IllegalTransitionError wraps nodeflow.ErrIllegalTransition with the
// offending states.
type IllegalTransitionError struct {
	ID   string
	From nodeflow.ExecutionStatus
	To   nodeflow.ExecutionStatus
}

func (e *IllegalTransitionError) Error() string {
	return "execution " + e.ID + ": " + string(e.From) + " -> " + string(e.To) + ": " + nodeflow.ErrIllegalTransition.Error()
}

func (e *IllegalTransitionError) Unwrap() error { return nodeflow.ErrIllegalTransition }
