// Package storetest holds a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"errors"
	"testing"

	nodeflow "nodeflow"
	"nodeflow/store"
)

// RunConformance exercises the store.Store contract against s. Backends call it
// from their own tests.
func RunConformance(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	wf := &nodeflow.Workflow{
		ID:      "wf-conf",
		Name:    "conformance",
		OwnerID: "owner-1",
		Nodes: []nodeflow.Node{
			{ID: "t", Type: nodeflow.NodeTypeManualTrigger},
			{ID: "h", Type: nodeflow.NodeTypeHTTPRequest, Data: map[string]any{"endpoint": "https://x/{{t.id}}", "variableName": "h"}},
		},
		Connections: []nodeflow.Connection{{FromNodeID: "t", ToNodeID: "h"}},
	}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	loaded, err := s.LoadGraph(ctx, wf.ID)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(loaded.Nodes) != 2 || loaded.Nodes[1].StringField("endpoint") != "https://x/{{t.id}}" {
		t.Fatalf("unexpected graph %#v", loaded)
	}
	if _, err := s.LoadGraph(ctx, "missing"); !errors.Is(err, nodeflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SaveGraph(ctx, wf.ID, loaded.Nodes[:1], nil); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}
	if loaded, _ = s.LoadGraph(ctx, wf.ID); len(loaded.Nodes) != 1 || len(loaded.Connections) != 0 {
		t.Fatalf("SaveGraph not applied: %#v", loaded)
	}

	exec := &nodeflow.Execution{ID: "ex-conf", WorkflowID: wf.ID, InitialContext: nodeflow.Context{"seed": "v"}}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil || got.Status != nodeflow.ExecutionPending || got.InitialContext["seed"] != "v" {
		t.Fatalf("GetExecution = %#v, %v", got, err)
	}

	if _, err := s.TransitionExecution(ctx, exec.ID, store.Transition{Status: nodeflow.ExecutionSuccess}); !errors.Is(err, nodeflow.ErrIllegalTransition) {
		t.Fatalf("PENDING -> SUCCESS must be rejected, got %v", err)
	}
	if _, err := s.TransitionExecution(ctx, exec.ID, store.Transition{Status: nodeflow.ExecutionRunning}); err != nil {
		t.Fatalf("PENDING -> RUNNING: %v", err)
	}
	done, err := s.TransitionExecution(ctx, exec.ID, store.Transition{
		Status:       nodeflow.ExecutionSuccess,
		FinalContext: nodeflow.Context{"seed": "v", "h": map[string]any{"ok": true}},
	})
	if err != nil {
		t.Fatalf("RUNNING -> SUCCESS: %v", err)
	}
	if done.CompletedAt == nil || done.FinalContext["h"] == nil {
		t.Fatalf("terminal transition should record completion: %#v", done)
	}
	if _, err := s.TransitionExecution(ctx, exec.ID, store.Transition{Status: nodeflow.ExecutionFailed}); !errors.Is(err, nodeflow.ErrIllegalTransition) {
		t.Fatalf("terminal executions must not move, got %v", err)
	}

	list, err := s.ListExecutions(ctx, wf.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListExecutions = %v, %v", list, err)
	}

	cred := &nodeflow.Credential{ID: "cred-conf", UserID: "owner-1", Type: nodeflow.CredentialOpenAI, Name: "main", Value: "cipher"}
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	found, err := s.FindCredential(ctx, cred.ID, "owner-1")
	if err != nil || found.Value != "cipher" {
		t.Fatalf("FindCredential = %#v, %v", found, err)
	}
	if _, err := s.FindCredential(ctx, cred.ID, "intruder"); !errors.Is(err, nodeflow.ErrNotFound) {
		t.Fatalf("credentials are owner scoped, got %v", err)
	}

	if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if _, err := s.GetExecution(ctx, exec.ID); !errors.Is(err, nodeflow.ErrNotFound) {
		t.Fatalf("deleting a workflow should delete its executions, got %v", err)
	}
}
