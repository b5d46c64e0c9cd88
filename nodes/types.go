package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
	"nodeflow/status"
	"nodeflow/tmpl"
)

// Executor runs one node. It returns the context to hand to the next node;
// action nodes add exactly their variableName, triggers add nothing.
type Executor interface {
	Execute(ctx context.Context, in Input) (nodeflow.Context, error)
}

// StepRunner runs named, memoized units of work. A step that already
// completed for this node returns its recorded result instead of running again.
type StepRunner interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error), out any) error
	RunAI(ctx context.Context, name string, input any, fn func(ctx context.Context) (any, error), out any) error
}

// Input is everything an executor may look at.
type Input struct {
	ExecutionID string
	NodeID      string
	NodeType    nodeflow.NodeType
	UserID      string
	Data        map[string]any
	Context     nodeflow.Context
	Credential  *nodeflow.ResolvedCredential
	Steps       StepRunner
	Publisher   status.Publisher
	Templates   *tmpl.Resolver
}

func (in Input) steps() StepRunner {
	if in.Steps == nil {
		return DirectSteps{}
	}
	return in.Steps
}

func (in Input) templates() *tmpl.Resolver {
	if in.Templates == nil {
		return defaultTemplates
	}
	return in.Templates
}

var defaultTemplates = tmpl.NewResolver()

// render resolves src against the node's input context with HTML escaping.
func (in Input) render(src string) (string, error) {
	out, err := in.templates().Render(src, in.Context)
	if err != nil {
		return "", nodeflow.NonRetriable(fmt.Errorf("node %s: %w", in.NodeID, err))
	}
	return out, nil
}

func (in Input) renderRaw(src string) (string, error) {
	out, err := in.templates().RenderRaw(src, in.Context)
	if err != nil {
		return "", nodeflow.NonRetriable(fmt.Errorf("node %s: %w", in.NodeID, err))
	}
	return out, nil
}

// Publish sends a status for this node. Failures are logged and dropped.
func (in Input) Publish(ctx context.Context, s status.Status) {
	if in.Publisher == nil {
		return
	}
	ev := status.Event{
		Channel:     status.ChannelFor(in.NodeType),
		NodeID:      in.NodeID,
		Status:      s,
		ExecutionID: in.ExecutionID,
	}
	if err := in.Publisher.Publish(ctx, ev); err != nil {
		ctxlog.FromContext(ctx).Warn("publish node status",
			slog.String("nodeID", in.NodeID), slog.String("status", string(s)), slog.Any("error", err))
	}
}

// track publishes loading, runs fn, then publishes exactly one of success
// or error.
func track(ctx context.Context, in Input, fn func() (nodeflow.Context, error)) (nodeflow.Context, error) {
	in.Publish(ctx, status.Loading)
	out, err := fn()
	if err != nil {
		in.Publish(ctx, status.Error)
		return nil, err
	}
	in.Publish(ctx, status.Success)
	return out, nil
}

// decodeData maps the node's free-form data onto a typed struct.
func decodeData(in Input, v any) error {
	if len(in.Data) == 0 {
		return nil
	}
	raw, err := json.Marshal(in.Data)
	if err != nil {
		return nodeflow.NonRetriable(fmt.Errorf("node %s: encode data: %w", in.NodeID, err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nodeflow.NonRetriable(fmt.Errorf("node %s: invalid data: %w", in.NodeID, err))
	}
	return nil
}

// validVariableName accepts identifiers usable as template paths.
func validVariableName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func requireVariable(label string, in Input, name string) error {
	if name == "" {
		return nodeflow.NonRetriablef("%s node %s: variable name is missing", label, in.NodeID)
	}
	if !validVariableName(name) {
		return nodeflow.NonRetriablef("%s node %s: invalid variable name %q", label, in.NodeID, name)
	}
	return nil
}

// DirectSteps runs every step immediately without memoization. Results are
// still passed through JSON so callers see the same shapes as a durable run.
type DirectSteps struct{}

func (DirectSteps) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error), out any) error {
	result, err := fn(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nodeflow.NonRetriable(fmt.Errorf("step %q: %w", name, err))
	}
	return json.Unmarshal(raw, out)
}

func (d DirectSteps) RunAI(ctx context.Context, name string, _ any, fn func(ctx context.Context) (any, error), out any) error {
	return d.Run(ctx, name, fn, out)
}
