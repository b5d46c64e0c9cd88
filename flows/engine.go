// Package flows runs persisted workflow graphs one execution at a time.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
	"nodeflow/graph"
	"nodeflow/nodes"
	"nodeflow/status"
	"nodeflow/store"
	"nodeflow/tmpl"
)

// CredentialResolver decrypts a credential owned by ownerID.
type CredentialResolver interface {
	Resolve(ctx context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error)
}

// Canceller reports whether cancellation of an execution was requested.
type Canceller interface {
	Cancelled(ctx context.Context, executionID string) (bool, error)
}

// StepSource returns the step runner scoped to one node of one execution.
type StepSource func(executionID, nodeID string) nodes.StepRunner

// Options wires an Engine to its collaborators. Executions, Graphs and
// Registry are required.
type Options struct {
	Executions  store.ExecutionStore
	Graphs      store.GraphStore
	Registry    *nodes.Registry
	Credentials CredentialResolver
	Steps       StepSource
	Publisher   status.Publisher
	Templates   *tmpl.Resolver
	// Policy defaults to graph.DefaultPolicy when ExclusiveTriggers is nil.
	Policy    graph.Policy
	Canceller Canceller
	Monitors  []Monitor
	Now       func() time.Time
	NewID     func() string
}

// Engine is the execution orchestrator. It has no retry loop of its own:
// retriable failures are returned to the caller with the execution still
// RUNNING so a runtime can invoke Execute again.
type Engine struct {
	executions  store.ExecutionStore
	graphs      store.GraphStore
	registry    *nodes.Registry
	credentials CredentialResolver
	steps       StepSource
	publisher   status.Publisher
	templates   *tmpl.Resolver
	policy      graph.Policy
	canceller   Canceller
	now         func() time.Time
	newID       func() string

	monitors   []Monitor
	monitorMux sync.RWMutex
}

func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Executions == nil:
		return nil, errors.New("engine: execution store is required")
	case opts.Graphs == nil:
		return nil, errors.New("engine: graph store is required")
	case opts.Registry == nil:
		return nil, errors.New("engine: executor registry is required")
	}

	e := &Engine{
		executions:  opts.Executions,
		graphs:      opts.Graphs,
		registry:    opts.Registry,
		credentials: opts.Credentials,
		steps:       opts.Steps,
		publisher:   opts.Publisher,
		templates:   opts.Templates,
		policy:      opts.Policy,
		canceller:   opts.Canceller,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if e.policy.ExclusiveTriggers == nil {
		e.policy = graph.DefaultPolicy()
	}
	if e.publisher == nil {
		e.publisher = status.Nop
	}
	if e.templates == nil {
		e.templates = tmpl.NewResolver()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	for _, m := range opts.Monitors {
		e.AddMonitor(m)
	}
	return e, nil
}

// Trigger creates a PENDING execution of workflowID seeded with initial.
// Scheduling it is up to the caller.
func (e *Engine) Trigger(ctx context.Context, workflowID string, initial nodeflow.Context) (*nodeflow.Execution, error) {
	if _, err := e.graphs.LoadGraph(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("trigger workflow %s: %w", workflowID, err)
	}
	exec := &nodeflow.Execution{
		ID:             e.newID(),
		WorkflowID:     workflowID,
		Status:         nodeflow.ExecutionPending,
		StartedAt:      e.now(),
		InitialContext: initial.Clone(),
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// Execute runs one execution from its initial context. Re-running an
// execution replays every node; steps that already completed are served from
// the step runner's memo. A terminal execution is left untouched.
func (e *Engine) Execute(ctx context.Context, executionID string) error {
	logger := ctxlog.FromContext(ctx).With(slog.String("executionID", executionID))
	ctx = ctxlog.WithLogger(ctx, logger)

	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, nodeflow.ErrNotFound) {
			return nodeflow.NonRetriable(fmt.Errorf("load execution: %w", err))
		}
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.Terminal() {
		logger.Debug("execution already finished", slog.String("status", string(exec.Status)))
		return nil
	}

	e.emitEvent(ctx, Event{Type: EventExecutionStart, ExecutionID: exec.ID, WorkflowID: exec.WorkflowID})
	final, runErr := e.run(ctx, exec)
	e.emitEvent(ctx, Event{
		Type:        EventExecutionComplete,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      final,
		Err:         runErr,
	})
	return runErr
}

// run walks the graph and reports the status the execution was left in.
func (e *Engine) run(ctx context.Context, exec *nodeflow.Execution) (nodeflow.ExecutionStatus, error) {
	logger := ctxlog.FromContext(ctx)

	wf, err := e.graphs.LoadGraph(ctx, exec.WorkflowID)
	if err != nil {
		if errors.Is(err, nodeflow.ErrNotFound) {
			return e.fail(ctx, exec, nodeflow.NonRetriable(fmt.Errorf("load workflow: %w", err)))
		}
		return exec.Status, fmt.Errorf("load workflow: %w", err)
	}

	warnings, err := graph.Validate(wf.Nodes, wf.Connections, e.policy)
	if err != nil {
		return e.fail(ctx, exec, nodeflow.NonRetriable(fmt.Errorf("invalid workflow: %w", err)))
	}
	for _, w := range warnings {
		logger.Warn("workflow warning", slog.String("nodeID", w.NodeID), slog.String("warning", w.Message))
	}
	ordered, err := graph.Order(wf.Nodes, wf.Connections)
	if err != nil {
		return e.fail(ctx, exec, err)
	}

	if exec.Status == nodeflow.ExecutionPending {
		started, err := e.executions.TransitionExecution(ctx, exec.ID, store.Transition{Status: nodeflow.ExecutionRunning, At: e.now()})
		if err != nil {
			return exec.Status, fmt.Errorf("start execution: %w", err)
		}
		exec = started
	}

	current := exec.InitialContext.Clone()
	for _, node := range ordered {
		if err := e.checkCancelled(ctx, exec.ID); err != nil {
			if ctx.Err() != nil {
				return e.suspend(ctx, ctx.Err())
			}
			if !errors.Is(err, nodeflow.ErrCancelled) {
				return e.suspend(ctx, nodeflow.Transient(err))
			}
			return e.fail(ctx, exec, err)
		}

		next, err := e.runNode(ctx, exec, wf, node, current)
		if err != nil {
			if ctx.Err() != nil {
				return e.suspend(ctx, ctx.Err())
			}
			if nodeflow.IsRetriable(err) {
				return e.suspend(ctx, err)
			}
			return e.fail(ctx, exec, err)
		}
		current = next
	}

	if _, err := e.executions.TransitionExecution(ctx, exec.ID, store.Transition{
		Status:       nodeflow.ExecutionSuccess,
		At:           e.now(),
		FinalContext: current,
	}); err != nil {
		return exec.Status, fmt.Errorf("complete execution: %w", err)
	}
	logger.Info("execution succeeded", slog.Int("nodes", len(ordered)))
	return nodeflow.ExecutionSuccess, nil
}

// Abandon marks a non-terminal execution FAILED with cause.
func (e *Engine) Abandon(ctx context.Context, executionID string, cause error) error {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := e.markFailed(ctx, exec, cause); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Error("execution abandoned", slog.String("executionID", executionID), slog.Any("error", cause))
	return nil
}

func (e *Engine) runNode(ctx context.Context, exec *nodeflow.Execution, wf *nodeflow.Workflow, node nodeflow.Node, current nodeflow.Context) (nodeflow.Context, error) {
	logger := ctxlog.FromContext(ctx).With(slog.String("nodeID", node.ID), slog.String("nodeType", string(node.Type)))
	ctx = ctxlog.WithLogger(ctx, logger)

	in := nodes.Input{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		UserID:      wf.OwnerID,
		Data:        node.Data,
		Context:     current.Clone(),
		Publisher:   e.publisher,
		Templates:   e.templates,
	}
	if e.steps != nil {
		in.Steps = e.steps(exec.ID, node.ID)
	}

	e.emitEvent(ctx, Event{Type: EventNodeStart, ExecutionID: exec.ID, WorkflowID: wf.ID, NodeID: node.ID, NodeType: node.Type})
	started := e.now()
	nodeErr := func(err error) (nodeflow.Context, error) {
		e.emitEvent(ctx, Event{
			Type: EventNodeError, ExecutionID: exec.ID, WorkflowID: wf.ID,
			NodeID: node.ID, NodeType: node.Type, Duration: e.now().Sub(started), Err: err,
		})
		return nil, err
	}

	if credentialID := node.StringField("credentialId"); credentialID != "" {
		cred, err := e.resolveCredential(ctx, credentialID, wf.OwnerID)
		if err != nil {
			in.Publish(ctx, status.Loading)
			in.Publish(ctx, status.Error)
			return nodeErr(fmt.Errorf("node %s: %w", node.ID, err))
		}
		in.Credential = cred
	}

	executor, err := e.registry.Lookup(node.Type)
	if err != nil {
		in.Publish(ctx, status.Loading)
		in.Publish(ctx, status.Error)
		return nodeErr(fmt.Errorf("node %s: %w", node.ID, err))
	}

	out, err := executor.Execute(ctx, in)
	if err != nil {
		return nodeErr(fmt.Errorf("node %s: %w", node.ID, err))
	}

	variable := ""
	if !node.Type.IsTrigger() && node.Type != nodeflow.NodeTypeInitial {
		variable = node.StringField("variableName")
	}
	if err := nodeflow.CheckAppendOnly(current, out, variable); err != nil {
		return nodeErr(fmt.Errorf("node %s: %w", node.ID, err))
	}

	e.emitEvent(ctx, Event{
		Type: EventNodeEnd, ExecutionID: exec.ID, WorkflowID: wf.ID,
		NodeID: node.ID, NodeType: node.Type, Duration: e.now().Sub(started),
	})
	return out, nil
}

func (e *Engine) resolveCredential(ctx context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error) {
	if e.credentials == nil {
		return nil, nodeflow.NonRetriablef("credential %s cannot be resolved: no credential store configured", id)
	}
	return e.credentials.Resolve(ctx, id, ownerID)
}

func (e *Engine) checkCancelled(ctx context.Context, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.canceller == nil {
		return nil
	}
	cancelled, err := e.canceller.Cancelled(ctx, executionID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if cancelled {
		return nodeflow.ErrCancelled
	}
	return nil
}

// fail moves exec to FAILED and returns cause as a permanent error.
func (e *Engine) fail(ctx context.Context, exec *nodeflow.Execution, cause error) (nodeflow.ExecutionStatus, error) {
	if err := e.markFailed(ctx, exec, cause); err != nil {
		return exec.Status, err
	}
	ctxlog.FromContext(ctx).Error("execution failed", slog.Any("error", cause))
	return nodeflow.ExecutionFailed, nodeflow.NonRetriable(cause)
}

// markFailed writes the FAILED transition. An execution that another run
// already finished is left as it is.
func (e *Engine) markFailed(ctx context.Context, exec *nodeflow.Execution, cause error) error {
	_, err := e.executions.TransitionExecution(ctx, exec.ID, store.Transition{
		Status: nodeflow.ExecutionFailed,
		At:     e.now(),
		Error:  cause.Error(),
	})
	if err != nil && !errors.Is(err, nodeflow.ErrIllegalTransition) {
		return fmt.Errorf("mark execution failed: %w (cause: %v)", err, cause)
	}
	return nil
}

// suspend returns err with the execution left RUNNING for a later attempt.
func (e *Engine) suspend(ctx context.Context, err error) (nodeflow.ExecutionStatus, error) {
	ctxlog.FromContext(ctx).Warn("execution suspended", slog.Any("error", err))
	return nodeflow.ExecutionRunning, err
}
