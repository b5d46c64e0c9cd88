package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	nodeflow "nodeflow"
	"nodeflow/flows"
)

func TestMonitorCountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	ctx := context.Background()
	m.Notify(ctx, flows.Event{Type: flows.EventExecutionStart})
	require.Equal(t, float64(1), testutil.ToFloat64(m.activeRuns))

	m.Notify(ctx, flows.Event{Type: flows.EventNodeEnd, NodeType: nodeflow.NodeTypeHTTPRequest, Duration: 20 * time.Millisecond})
	m.Notify(ctx, flows.Event{Type: flows.EventNodeError, NodeType: nodeflow.NodeTypeOpenAI, Err: errors.New("timeout")})
	m.Notify(ctx, flows.Event{Type: flows.EventNodeError, NodeType: nodeflow.NodeTypeOpenAI, Err: nodeflow.NonRetriablef("user prompt is missing")})
	m.Notify(ctx, flows.Event{Type: flows.EventExecutionComplete, Status: nodeflow.ExecutionFailed})

	require.Equal(t, float64(0), testutil.ToFloat64(m.activeRuns))
	require.Equal(t, float64(1), testutil.ToFloat64(m.executions.WithLabelValues("failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.nodeRuns.WithLabelValues("HTTP_REQUEST", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.nodeRuns.WithLabelValues("OPENAI", "retry")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.nodeRuns.WithLabelValues("OPENAI", "fatal")))
	require.Equal(t, 2, testutil.CollectAndCount(m.nodeDuration))
}

func TestExecutionLabel(t *testing.T) {
	require.Equal(t, "success", executionLabel(nodeflow.ExecutionSuccess))
	require.Equal(t, "failed", executionLabel(nodeflow.ExecutionFailed))
	require.Equal(t, "suspended", executionLabel(nodeflow.ExecutionRunning))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.Notify(context.Background(), flows.Event{Type: flows.EventExecutionComplete, Status: nodeflow.ExecutionSuccess})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.True(t, strings.Contains(string(body), `nodeflow_executions_total{status="success"} 1`), string(body))

	_, err = New(reg)
	require.Error(t, err, "registering twice must fail")
}
