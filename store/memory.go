package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	nodeflow "nodeflow"
)

// Memory is an in-process Store. Values are deep copied through JSON on the
// way in and out, matching what a database round trip would do.
type Memory struct {
	mu          sync.RWMutex
	workflows   map[string]nodeflow.Workflow
	executions  map[string]nodeflow.Execution
	credentials map[string]nodeflow.Credential
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[string]nodeflow.Workflow),
		executions:  make(map[string]nodeflow.Execution),
		credentials: make(map[string]nodeflow.Credential),
		now:         time.Now,
	}
}

func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: value is not JSON encodable: %v", err))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("store: decode copy: %v", err))
	}
	return out
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, nodeflow.ErrNotFound)
}

func (m *Memory) CreateWorkflow(_ context.Context, wf *nodeflow.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	now := m.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	m.workflows[wf.ID] = clone(*wf)
	return nil
}

func (m *Memory) LoadGraph(_ context.Context, workflowID string) (*nodeflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, notFound("workflow", workflowID)
	}
	out := clone(wf)
	return &out, nil
}

func (m *Memory) SaveGraph(_ context.Context, workflowID string, nodes []nodeflow.Node, connections []nodeflow.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return notFound("workflow", workflowID)
	}
	wf.Nodes = clone(nodes)
	wf.Connections = clone(connections)
	wf.UpdatedAt = m.now()
	m.workflows[workflowID] = wf
	return nil
}

func (m *Memory) DeleteWorkflow(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflowID]; !ok {
		return notFound("workflow", workflowID)
	}
	delete(m.workflows, workflowID)
	for id, exec := range m.executions {
		if exec.WorkflowID == workflowID {
			delete(m.executions, id)
		}
	}
	return nil
}

func (m *Memory) ListWorkflows(_ context.Context, ownerID string) ([]nodeflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []nodeflow.Workflow
	for _, wf := range m.workflows {
		if ownerID == "" || wf.OwnerID == ownerID {
			out = append(out, clone(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateExecution(_ context.Context, exec *nodeflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[exec.WorkflowID]; !ok {
		return notFound("workflow", exec.WorkflowID)
	}
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	if exec.Status == "" {
		exec.Status = nodeflow.ExecutionPending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = m.now()
	}
	m.executions[exec.ID] = clone(*exec)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*nodeflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	out := clone(exec)
	return &out, nil
}

func (m *Memory) TransitionExecution(_ context.Context, id string, t Transition) (*nodeflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	if t.At.IsZero() {
		t.At = m.now()
	}
	if err := ApplyTransition(&exec, t); err != nil {
		return nil, err
	}
	m.executions[id] = clone(exec)
	out := clone(exec)
	return &out, nil
}

func (m *Memory) ListExecutions(_ context.Context, workflowID string) ([]nodeflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []nodeflow.Execution
	for _, exec := range m.executions {
		if workflowID == "" || exec.WorkflowID == workflowID {
			out = append(out, clone(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateCredential(_ context.Context, cred *nodeflow.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.credentials[cred.ID]; exists {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = m.now()
	}
	// Value is tagged json:"-", so it is copied by hand.
	stored := clone(*cred)
	stored.Value = cred.Value
	m.credentials[cred.ID] = stored
	return nil
}

func (m *Memory) FindCredential(_ context.Context, id, ownerID string) (*nodeflow.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[id]
	if !ok || cred.UserID != ownerID {
		return nil, notFound("credential", id)
	}
	out := cred
	return &out, nil
}

func (m *Memory) Close() error { return nil }
