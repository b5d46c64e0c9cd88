package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	nodeflow "nodeflow"
	"nodeflow/checkpointer"
	"nodeflow/config"
	"nodeflow/credentials"
	"nodeflow/flows"
	"nodeflow/kv"
	"nodeflow/metrics"
	"nodeflow/nodes"
	"nodeflow/status"
	"nodeflow/store"
	"nodeflow/store/postgres"
)

// app holds the assembled service.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	steps    kv.KVStore
	memo     *checkpointer.Memo
	engine   *flows.Engine
	runtime  *checkpointer.Runtime
	metrics  *metrics.Monitor
	registry *prometheus.Registry
}

type appOptions struct {
	// Publishers receive node status in addition to the log publisher.
	Publishers []status.Publisher
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	switch cfg.Database.Driver {
	case "postgres":
		a.store, err = postgres.Open(ctx, cfg.Database.URL)
	default:
		a.store = store.NewMemory()
	}
	if err != nil {
		return nil, err
	}

	switch cfg.Steps.KV {
	case "file":
		a.steps, err = kv.NewFileBasedKVStore(cfg.Steps.Path)
	default:
		a.steps = kv.NewInMemoryKVStore()
	}
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.memo = checkpointer.NewMemo(a.steps)

	var resolver flows.CredentialResolver
	if cfg.EncryptionKey != "" {
		cipher, err := credentials.NewCipher(cfg.EncryptionKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		resolver = credentials.NewResolver(a.store, cipher)
	} else {
		logger.Warn("no encryption key configured, nodes with credentials will fail")
	}

	registry, err := nodes.NewBuiltinRegistry(cfg.NodeOptions())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	publishers := append([]status.Publisher{status.NewLogger(logger)}, opts.Publishers...)
	cancels := checkpointer.NewCancelSet()
	a.engine, err = flows.NewEngine(flows.Options{
		Executions:  a.store,
		Graphs:      a.store,
		Registry:    registry,
		Credentials: resolver,
		Steps: func(executionID, nodeID string) nodes.StepRunner {
			return a.memo.Steps(executionID, nodeID)
		},
		Publisher: status.Multi(publishers...),
		Policy:    cfg.GraphPolicy(),
		Canceller: cancels,
		Monitors:  []flows.Monitor{flows.LogMonitor{}, a.metrics},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.runtime = checkpointer.NewRuntime(a.engine, checkpointer.RuntimeConfig{
		Retry:   cfg.RetryPolicy(),
		Cancels: cancels,
		Memo:    a.memo,
		Logger:  logger,
	})
	return a, nil
}

// ensureWorkflow stores wf unless a workflow with its id already exists.
func (a *app) ensureWorkflow(ctx context.Context, wf *nodeflow.Workflow) (bool, error) {
	if _, err := a.store.LoadGraph(ctx, wf.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, nodeflow.ErrNotFound) {
		return false, err
	}
	if err := a.store.CreateWorkflow(ctx, wf); err != nil {
		return false, fmt.Errorf("store workflow %s: %w", wf.ID, err)
	}
	return true, nil
}

// resume schedules executions left PENDING or RUNNING by a previous process.
func (a *app) resume(ctx context.Context) (int, error) {
	execs, err := a.store.ListExecutions(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		if a.runtime.Enqueue(exec.ID) {
			n++
		}
	}
	return n, nil
}

func (a *app) Close() {
	if a.runtime != nil {
		a.runtime.Close()
	}
	if a.steps != nil {
		if err := a.steps.Close(); err != nil {
			a.logger.Warn("close step store", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
