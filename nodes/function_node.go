package nodes

import (
	"context"

	nodeflow "nodeflow"
)

// ExecutorFunc adapts a plain function to Executor. Status publishing is up
// to the function.
type ExecutorFunc func(ctx context.Context, in Input) (nodeflow.Context, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (nodeflow.Context, error) {
	return f(ctx, in)
}

// Tracked wraps fn so that loading, then success or error, are published
// around it.
func Tracked(fn ExecutorFunc) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (nodeflow.Context, error) {
		return track(ctx, in, func() (nodeflow.Context, error) { return fn(ctx, in) })
	})
}
