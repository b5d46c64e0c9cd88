package checkpointer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
)

// Executor runs one execution to completion or to its first failure.
type Executor interface {
	Execute(ctx context.Context, executionID string) error
	// Abandon marks a still running execution FAILED once retries are used up.
	Abandon(ctx context.Context, executionID string, cause error) error
}

// CancelSet records executions whose cancellation was requested. The
// orchestrator checks it between nodes.
type CancelSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[string]struct{})}
}

func (c *CancelSet) Cancel(executionID string) {
	c.mu.Lock()
	c.ids[executionID] = struct{}{}
	c.mu.Unlock()
}

func (c *CancelSet) Cancelled(_ context.Context, executionID string) (bool, error) {
	c.mu.RLock()
	_, ok := c.ids[executionID]
	c.mu.RUnlock()
	return ok, nil
}

func (c *CancelSet) Clear(executionID string) {
	c.mu.Lock()
	delete(c.ids, executionID)
	c.mu.Unlock()
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Retry   RetryPolicy
	Cancels *CancelSet
	// Memo, when set, is cleared for executions that reach a terminal state.
	Memo   *Memo
	Logger *slog.Logger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{Retry: DefaultRetryPolicy()}
}

// Runtime schedules executions, one goroutine each.
type Runtime struct {
	exec   Executor
	cfg    RuntimeConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewRuntime(exec Executor, cfg RuntimeConfig) *Runtime {
	if cfg.Cancels == nil {
		cfg.Cancels = NewCancelSet()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	cfg.Retry = cfg.Retry.normalized()

	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), cfg.Logger))
	return &Runtime{
		exec:    exec,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Cancels exposes the set checked by the orchestrator.
func (r *Runtime) Cancels() *CancelSet { return r.cfg.Cancels }

// Enqueue starts the execution in the background. It returns false when the
// execution is already scheduled on this runtime.
func (r *Runtime) Enqueue(executionID string) bool {
	r.mu.Lock()
	if _, busy := r.running[executionID]; busy {
		r.mu.Unlock()
		return false
	}
	r.running[executionID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, executionID)
			r.mu.Unlock()
		}()
		if err := r.Run(r.ctx, executionID); err != nil {
			r.cfg.Logger.Error("execution failed", "executionID", executionID, "error", err)
		}
	}()
	return true
}

// Run drives one execution synchronously, retrying retriable failures with
// backoff. Permanent failures return immediately. When retries run out the
// execution is abandoned (marked FAILED) and a permanent error is returned.
func (r *Runtime) Run(ctx context.Context, executionID string) error {
	logger := ctxlog.FromContext(ctx).With("executionID", executionID)
	policy := r.cfg.Retry

	for attempt := 0; ; attempt++ {
		err := r.exec.Execute(ctx, executionID)
		if err == nil {
			r.finish(executionID)
			return nil
		}
		if !nodeflow.IsRetriable(err) {
			if ctx.Err() == nil {
				r.finish(executionID)
			}
			return err
		}
		if ctx.Err() != nil {
			// Shutdown: the execution stays resumable.
			return ctx.Err()
		}
		if attempt >= policy.MaxRetries {
			cause := fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
			if aerr := r.exec.Abandon(ctx, executionID, cause); aerr != nil {
				logger.Error("abandon execution", "error", aerr)
			}
			r.finish(executionID)
			return nodeflow.NonRetriable(cause)
		}

		delay := backoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.Jitter)
		logger.Warn("retrying execution", "attempt", attempt+1, "delay", delay, "error", err)
		if err := r.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Runtime) finish(executionID string) {
	r.cfg.Cancels.Clear(executionID)
	if r.cfg.Memo != nil {
		if err := r.cfg.Memo.Forget(executionID); err != nil {
			r.cfg.Logger.Warn("forget steps", "executionID", executionID, "error", err)
		}
	}
}

// Cancel requests cancellation. The run stops before its next node.
func (r *Runtime) Cancel(executionID string) {
	r.cfg.Cancels.Cancel(executionID)
}

// Wait blocks until every enqueued execution has returned.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Close stops scheduling retries and waits for in-flight runs.
func (r *Runtime) Close() {
	r.cancel()
	r.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
