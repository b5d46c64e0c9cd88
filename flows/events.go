package flows

import (
	"context"
	"log/slog"
	"time"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
)

// EventType enumerates observable lifecycle hooks emitted by the engine.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventNodeStart         EventType = "node_start"
	EventNodeEnd           EventType = "node_end"
	EventNodeError         EventType = "node_error"
	EventExecutionComplete EventType = "execution_complete"
)

// Event carries metadata that observability hooks can use.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    nodeflow.NodeType
	// Duration is set on node_end and node_error.
	Duration time.Duration
	// Status is the execution status after execution_complete. It stays
	// RUNNING when the run stopped on a retriable failure.
	Status nodeflow.ExecutionStatus
	Err    error
}

// Monitor observes lifecycle events emitted by Engine.Execute.
type Monitor interface {
	Notify(ctx context.Context, event Event)
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(ctx context.Context, event Event)

func (f MonitorFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// AddMonitor registers a Monitor. Nil monitors are ignored.
func (e *Engine) AddMonitor(monitor Monitor) *Engine {
	if monitor == nil {
		return e
	}
	e.monitorMux.Lock()
	e.monitors = append(e.monitors, monitor)
	e.monitorMux.Unlock()
	return e
}

// emitEvent emits an event to all registered monitors
func (e *Engine) emitEvent(ctx context.Context, event Event) {
	e.monitorMux.RLock()
	monitors := append([]Monitor(nil), e.monitors...)
	e.monitorMux.RUnlock()

	if len(monitors) == 0 {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}

	for _, monitor := range monitors {
		monitor.Notify(ctx, event)
	}
}

// LogMonitor writes every event to the logger carried by the context.
type LogMonitor struct{}

func (LogMonitor) Notify(ctx context.Context, ev Event) {
	attrs := []any{slog.String("event", string(ev.Type)), slog.String("executionID", ev.ExecutionID)}
	if ev.NodeID != "" {
		attrs = append(attrs, slog.String("nodeID", ev.NodeID), slog.String("nodeType", string(ev.NodeType)))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", string(ev.Status)))
	}

	logger := ctxlog.FromContext(ctx)
	if ev.Err != nil {
		logger.Warn("workflow event", append(attrs, slog.Any("error", ev.Err))...)
		return
	}
	logger.Info("workflow event", attrs...)
}
