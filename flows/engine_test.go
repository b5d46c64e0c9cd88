package flows

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	nodeflow "nodeflow"
	"nodeflow/nodes"
	"nodeflow/status"
	"nodeflow/store"
)

type recordingMonitor struct {
	events []Event
}

func (m *recordingMonitor) Notify(_ context.Context, event Event) {
	m.events = append(m.events, event)
}

func (m *recordingMonitor) types() []EventType {
	out := make([]EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	t        *testing.T
	store    *store.Memory
	engine   *Engine
	recorder *status.Recorder
	monitor  *recordingMonitor
}

func newHarness(t *testing.T, registry *nodes.Registry, wf nodeflow.Workflow, opts Options) *harness {
	t.Helper()
	mem := store.NewMemory()
	if wf.ID == "" {
		wf.ID = "wf-1"
	}
	if wf.OwnerID == "" {
		wf.OwnerID = "user-1"
	}
	require.NoError(t, mem.CreateWorkflow(context.Background(), &wf))

	h := &harness{t: t, store: mem, recorder: status.NewRecorder(), monitor: &recordingMonitor{}}
	opts.Executions = mem
	opts.Graphs = mem
	opts.Registry = registry
	opts.Publisher = h.recorder
	opts.Monitors = append(opts.Monitors, h.monitor)
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) trigger(initial nodeflow.Context) string {
	h.t.Helper()
	exec, err := h.engine.Trigger(context.Background(), "wf-1", initial)
	require.NoError(h.t, err)
	require.Equal(h.t, nodeflow.ExecutionPending, exec.Status)
	return exec.ID
}

func (h *harness) execution(id string) *nodeflow.Execution {
	h.t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(h.t, err)
	return exec
}

// trace builds executors that record which nodes ran.
type trace struct {
	ran []string
}

func (tr *trace) action(value any) nodes.Executor {
	return nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		tr.ran = append(tr.ran, in.NodeID)
		return in.Context.With(in.Data["variableName"].(string), value), nil
	})
}

func (tr *trace) failing(err error) nodes.Executor {
	return nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		tr.ran = append(tr.ran, in.NodeID)
		return nil, err
	})
}

func (tr *trace) trigger() nodes.Executor {
	return nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		tr.ran = append(tr.ran, in.NodeID)
		return in.Context.Clone(), nil
	})
}

func action(id string, t nodeflow.NodeType, variable string) nodeflow.Node {
	return nodeflow.Node{ID: id, Type: t, Data: map[string]any{"variableName": variable}}
}

func conn(from, to string) nodeflow.Connection {
	return nodeflow.Connection{FromNodeID: from, ToNodeID: to}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestExecuteRendersUpstreamOutput(t *testing.T) {
	var requested []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		requested = append(requested, r.URL.String())
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			Request:    r,
		}, nil
	})}

	httpCfg := nodes.DefaultHTTPRequestConfig()
	httpCfg.Client = client
	registry := nodes.NewRegistry()
	tr := &trace{}
	registry.MustRegister(nodeflow.NodeTypeOpenAI, tr.action(map[string]any{"id": "7"}))
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, nodes.NewHTTPRequestExecutor(httpCfg))

	wf := nodeflow.Workflow{
		Nodes: []nodeflow.Node{
			{ID: "B", Type: nodeflow.NodeTypeHTTPRequest, Data: map[string]any{
				"variableName": "b",
				"endpoint":     "https://x/{{a.id}}",
			}},
			action("A", nodeflow.NodeTypeOpenAI, "a"),
		},
		Connections: []nodeflow.Connection{conn("A", "B")},
	}
	h := newHarness(t, registry, wf, Options{})
	id := h.trigger(nil)

	require.NoError(t, h.engine.Execute(context.Background(), id))
	require.Equal(t, []string{"https://x/7"}, requested)

	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionSuccess, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.ElementsMatch(t, []string{"a", "b"}, exec.FinalContext.Keys())
	resp := exec.FinalContext["b"].(map[string]any)["httpResponse"].(map[string]any)
	require.Equal(t, float64(200), resp["status"])

	require.Equal(t, []status.Status{status.Loading, status.Success}, h.recorder.ForNode("A"))
	require.Equal(t, []status.Status{status.Loading, status.Success}, h.recorder.ForNode("B"))
}

func TestExecuteCycleRunsNothing(t *testing.T) {
	tr := &trace{}
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, tr.action("x"))

	wf := nodeflow.Workflow{
		Nodes:       []nodeflow.Node{action("A", nodeflow.NodeTypeHTTPRequest, "a"), action("B", nodeflow.NodeTypeHTTPRequest, "b")},
		Connections: []nodeflow.Connection{conn("A", "B"), conn("B", "A")},
	}
	h := newHarness(t, registry, wf, Options{})
	id := h.trigger(nil)

	err := h.engine.Execute(context.Background(), id)
	require.ErrorIs(t, err, nodeflow.ErrCycle)
	require.False(t, nodeflow.IsRetriable(err))
	require.Empty(t, tr.ran)
	require.Empty(t, h.recorder.Events())

	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
	require.Equal(t, "workflow contains a cycle", exec.Error)
	require.Equal(t, []EventType{EventExecutionStart, EventExecutionComplete}, h.monitor.types())
}

func TestExecuteMissingUserPromptNeverCallsProvider(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := nodes.DefaultOptions()
	openai := opts.Providers[nodeflow.NodeTypeOpenAI]
	openai.BaseURL = srv.URL + "/v1"
	openai.APIKey = "sk-test"
	opts.Providers[nodeflow.NodeTypeOpenAI] = openai
	registry, err := nodes.NewBuiltinRegistry(opts)
	require.NoError(t, err)

	wf := nodeflow.Workflow{
		Nodes: []nodeflow.Node{
			{ID: "trigger", Type: nodeflow.NodeTypeManualTrigger},
			action("ai", nodeflow.NodeTypeOpenAI, "answer"),
		},
		Connections: []nodeflow.Connection{conn("trigger", "ai")},
	}
	h := newHarness(t, registry, wf, Options{})
	id := h.trigger(nodeflow.Context{})

	err = h.engine.Execute(context.Background(), id)
	require.Error(t, err)
	require.False(t, nodeflow.IsRetriable(err))
	require.Zero(t, atomic.LoadInt32(&calls))

	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
	require.Contains(t, exec.Error, "user prompt is missing")
	require.Equal(t, []status.Status{status.Loading, status.Success}, h.recorder.ForNode("trigger"))
	require.Equal(t, []status.Status{status.Loading, status.Error}, h.recorder.ForNode("ai"))
}

func TestExecuteStopsAtFirstPermanentFailure(t *testing.T) {
	tr := &trace{}
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, tr.failing(nodeflow.NonRetriablef("endpoint is missing")))
	registry.MustRegister(nodeflow.NodeTypeSlack, tr.action("sent"))

	wf := nodeflow.Workflow{
		Nodes: []nodeflow.Node{
			{ID: "t", Type: nodeflow.NodeTypeManualTrigger},
			action("h", nodeflow.NodeTypeHTTPRequest, "resp"),
			action("s", nodeflow.NodeTypeSlack, "msg"),
		},
		Connections: []nodeflow.Connection{conn("t", "h"), conn("h", "s")},
	}
	h := newHarness(t, registry, wf, Options{})
	id := h.trigger(nil)

	err := h.engine.Execute(context.Background(), id)
	require.Error(t, err)
	require.Equal(t, []string{"t", "h"}, tr.ran)

	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
	require.Equal(t, "node h: endpoint is missing", exec.Error)
	require.Empty(t, h.recorder.ForNode("s"))

	want := []EventType{
		EventExecutionStart,
		EventNodeStart, EventNodeEnd,
		EventNodeStart, EventNodeError,
		EventExecutionComplete,
	}
	if diff := cmp.Diff(want, h.monitor.types()); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	last := h.monitor.events[len(h.monitor.events)-1]
	require.Equal(t, nodeflow.ExecutionFailed, last.Status)
}

func TestExecuteRetriableFailureLeavesExecutionRunning(t *testing.T) {
	tr := &trace{}
	attempts := 0
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		tr.ran = append(tr.ran, in.NodeID)
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection reset")
		}
		return in.Context.With("resp", "ok"), nil
	}))

	wf := nodeflow.Workflow{
		Nodes:       []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}, action("h", nodeflow.NodeTypeHTTPRequest, "resp")},
		Connections: []nodeflow.Connection{conn("t", "h")},
	}
	h := newHarness(t, registry, wf, Options{})
	id := h.trigger(nodeflow.Context{"seed": "x"})

	err := h.engine.Execute(context.Background(), id)
	require.Error(t, err)
	require.True(t, nodeflow.IsRetriable(err))
	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionRunning, exec.Status)
	require.Empty(t, exec.Error)

	require.NoError(t, h.engine.Execute(context.Background(), id))
	exec = h.execution(id)
	require.Equal(t, nodeflow.ExecutionSuccess, exec.Status)
	require.Equal(t, nodeflow.Context{"seed": "x", "resp": "ok"}, exec.FinalContext)
	require.Equal(t, []string{"t", "h", "t", "h"}, tr.ran)
}

func TestExecuteRejectsContextThatBreaksAppendOnly(t *testing.T) {
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		out := in.Context.With("resp", 1)
		out["extra"] = 2
		return out, nil
	}))

	h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{action("h", nodeflow.NodeTypeHTTPRequest, "resp")}}, Options{})
	id := h.trigger(nil)

	err := h.engine.Execute(context.Background(), id)
	require.Error(t, err)
	require.False(t, nodeflow.IsRetriable(err))
	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
	require.Contains(t, exec.Error, "extra")
}

func TestExecuteIsDeterministic(t *testing.T) {
	tr := &trace{}
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
	registry.MustRegister(nodeflow.NodeTypeHTTPRequest, tr.action("r"))

	wf := nodeflow.Workflow{
		Nodes: []nodeflow.Node{
			action("C", nodeflow.NodeTypeHTTPRequest, "c"),
			action("B", nodeflow.NodeTypeHTTPRequest, "b"),
			{ID: "A", Type: nodeflow.NodeTypeManualTrigger},
			action("D", nodeflow.NodeTypeHTTPRequest, "d"),
		},
		Connections: []nodeflow.Connection{conn("A", "B"), conn("A", "D")},
	}
	h := newHarness(t, registry, wf, Options{})

	var runs [][]string
	for i := 0; i < 5; i++ {
		tr.ran = nil
		id := h.trigger(nil)
		require.NoError(t, h.engine.Execute(context.Background(), id))
		runs = append(runs, tr.ran)
	}
	for _, run := range runs[1:] {
		if diff := cmp.Diff(runs[0], run); diff != "" {
			t.Fatalf("order differs between runs (-first +later):\n%s", diff)
		}
	}
	count := 0
	for _, id := range runs[0] {
		if id == "C" {
			count++
		}
	}
	require.Equal(t, 1, count, "isolated node must run exactly once")
	require.Len(t, runs[0], 4)
}

type cancelAll struct{}

func (cancelAll) Cancelled(context.Context, string) (bool, error) { return true, nil }

type cancelCheckFails struct{}

func (cancelCheckFails) Cancelled(context.Context, string) (bool, error) {
	return false, errors.New("cancel store unavailable")
}

func TestExecuteCancellation(t *testing.T) {
	t.Run("requested", func(t *testing.T) {
		tr := &trace{}
		registry := nodes.NewRegistry()
		registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
		h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}}, Options{Canceller: cancelAll{}})
		id := h.trigger(nil)

		err := h.engine.Execute(context.Background(), id)
		require.ErrorIs(t, err, nodeflow.ErrCancelled)
		require.Empty(t, tr.ran)
		exec := h.execution(id)
		require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
		require.Equal(t, nodeflow.ErrCancelled.Error(), exec.Error)
	})

	t.Run("failed check keeps execution resumable", func(t *testing.T) {
		tr := &trace{}
		registry := nodes.NewRegistry()
		registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
		h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}}, Options{Canceller: cancelCheckFails{}})
		id := h.trigger(nil)

		err := h.engine.Execute(context.Background(), id)
		require.ErrorContains(t, err, "cancel store unavailable")
		require.True(t, nodeflow.IsRetriable(err))
		require.Empty(t, tr.ran)
		require.Equal(t, nodeflow.ExecutionRunning, h.execution(id).Status)
	})

	t.Run("shutdown keeps execution resumable", func(t *testing.T) {
		tr := &trace{}
		registry := nodes.NewRegistry()
		registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
		h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}}, Options{})
		id := h.trigger(nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := h.engine.Execute(ctx, id)
		require.ErrorIs(t, err, context.Canceled)
		require.Empty(t, tr.ran)
		require.Equal(t, nodeflow.ExecutionRunning, h.execution(id).Status)
	})
}

func TestExecuteTerminalIsNoop(t *testing.T) {
	tr := &trace{}
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeManualTrigger, tr.trigger())
	h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}}, Options{})
	id := h.trigger(nil)

	require.NoError(t, h.engine.Execute(context.Background(), id))
	require.NoError(t, h.engine.Execute(context.Background(), id))
	require.Equal(t, []string{"t"}, tr.ran)
	require.Equal(t, nodeflow.ExecutionSuccess, h.execution(id).Status)
}

type credentialsFunc func(ctx context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error)

func (f credentialsFunc) Resolve(ctx context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error) {
	return f(ctx, id, ownerID)
}

func TestExecuteResolvesCredentialForOwner(t *testing.T) {
	var seen *nodeflow.ResolvedCredential
	registry := nodes.NewRegistry()
	registry.MustRegister(nodeflow.NodeTypeOpenAI, nodes.Tracked(func(_ context.Context, in nodes.Input) (nodeflow.Context, error) {
		seen = in.Credential
		return in.Context.With("answer", "hi"), nil
	}))
	resolver := credentialsFunc(func(_ context.Context, id, ownerID string) (*nodeflow.ResolvedCredential, error) {
		if id == "cred-1" && ownerID == "user-1" {
			return &nodeflow.ResolvedCredential{ID: id, Type: nodeflow.CredentialOpenAI, Value: "sk-secret"}, nil
		}
		return nil, nodeflow.NonRetriable(nodeflow.ErrNotFound)
	})

	node := action("ai", nodeflow.NodeTypeOpenAI, "answer")
	node.Data["credentialId"] = "cred-1"
	h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{node}}, Options{Credentials: resolver})
	require.NoError(t, h.engine.Execute(context.Background(), h.trigger(nil)))
	require.NotNil(t, seen)
	require.Equal(t, "sk-secret", seen.Value)

	missing := action("ai", nodeflow.NodeTypeOpenAI, "answer")
	missing.Data["credentialId"] = "cred-other"
	h = newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{missing}}, Options{Credentials: resolver})
	id := h.trigger(nil)
	err := h.engine.Execute(context.Background(), id)
	require.ErrorIs(t, err, nodeflow.ErrNotFound)
	require.Equal(t, nodeflow.ExecutionFailed, h.execution(id).Status)
	require.Equal(t, []status.Status{status.Loading, status.Error}, h.recorder.ForNode("ai"))
}

func TestExecuteUnknownExecutorFails(t *testing.T) {
	h := newHarness(t, nodes.NewRegistry(), nodeflow.Workflow{Nodes: []nodeflow.Node{action("s", nodeflow.NodeTypeSlack, "msg")}}, Options{})
	id := h.trigger(nil)
	err := h.engine.Execute(context.Background(), id)
	require.ErrorIs(t, err, nodes.ErrUnknownExecutor)
	require.Equal(t, nodeflow.ExecutionFailed, h.execution(id).Status)
	require.Equal(t, []status.Status{status.Loading, status.Error}, h.recorder.ForNode("s"))
}

func TestTriggerAndAbandon(t *testing.T) {
	registry := nodes.NewRegistry()
	h := newHarness(t, registry, nodeflow.Workflow{Nodes: []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}}, Options{
		NewID: func() string { return "exec-1" },
	})

	_, err := h.engine.Trigger(context.Background(), "missing", nil)
	require.ErrorIs(t, err, nodeflow.ErrNotFound)

	id := h.trigger(nodeflow.Context{"k": "v"})
	require.Equal(t, "exec-1", id)
	require.Equal(t, nodeflow.Context{"k": "v"}, h.execution(id).InitialContext)

	require.NoError(t, h.engine.Abandon(context.Background(), id, errors.New("retries exhausted")))
	exec := h.execution(id)
	require.Equal(t, nodeflow.ExecutionFailed, exec.Status)
	require.Equal(t, "retries exhausted", exec.Error)

	require.NoError(t, h.engine.Abandon(context.Background(), id, errors.New("again")))
	require.Equal(t, "retries exhausted", h.execution(id).Error)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
}
