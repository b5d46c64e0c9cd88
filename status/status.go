// Package status publishes live per-node status for observers. Publishing is
// fire-and-forget from the run's point of view: a failed publish never fails
// a node.
package status

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	nodeflow "nodeflow"
)

// Status is the lifecycle state of one node as seen by an observer.
type Status string

const (
	Initial Status = "initial"
	Loading Status = "loading"
	Success Status = "success"
	Error   Status = "error"
)

// Terminal reports whether s ends a node's status sequence.
func (s Status) Terminal() bool { return s == Success || s == Error }

// Event is one status update on a channel.
type Event struct {
	Channel     string    `json:"channel"`
	NodeID      string    `json:"nodeId"`
	Status      Status    `json:"status"`
	ExecutionID string    `json:"executionId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers status events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// ChannelFor returns the channel a node type publishes on, for example
// HTTP_REQUEST -> "http-request-execution".
func ChannelFor(t nodeflow.NodeType) string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", "-") + "-execution"
}

// Room names the subscription scope for one node on one channel.
func Room(channel, nodeID string) string {
	return channel + ":" + nodeID
}

// Nop drops every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every publisher and returns the first error.
func Multi(publishers ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		var first error
		for _, p := range publishers {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Logger writes every event as a debug record.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Publish(ctx context.Context, ev Event) error {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "node status",
		slog.String("channel", ev.Channel),
		slog.String("nodeID", ev.NodeID),
		slog.String("status", string(ev.Status)),
		slog.String("executionID", ev.ExecutionID),
	)
	return nil
}

// Recorder keeps every event in memory. Mostly useful in tests and for the
// execution inspector endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForNode returns the status sequence published for nodeID.
func (r *Recorder) ForNode(nodeID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.events {
		if ev.NodeID == nodeID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
