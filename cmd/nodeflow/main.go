// Command nodeflow serves, runs and validates workflows.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	nodeflow "nodeflow"
	"nodeflow/config"
	"nodeflow/ctxlog"
	"nodeflow/dsl"
	"nodeflow/graph"
	"nodeflow/hclgraph"
	"nodeflow/ingress"
	"nodeflow/status"
)

const usage = `usage: nodeflow <command> [flags]

commands:
  serve     run the HTTP service
  run       execute a workflow file once and print the execution
  validate  check workflow files
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCmd(ctx, os.Args[2:])
	case "run":
		err = runCmd(ctx, os.Args[2:], os.Stdout)
	case "validate":
		err = validateCmd(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "nodeflow:", err)
		os.Exit(1)
	}
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	workflowDir := fs.String("workflows", "", "directory of .hcl workflow files to load and mirror saved graphs into")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	ctx = ctxlog.WithLogger(ctx, logger)

	sio := status.NewSocketIO(status.SocketIOConfig{AllowedOrigin: cfg.Server.AllowedOrigin, Logger: logger})
	a, err := buildApp(ctx, cfg, logger, appOptions{Publishers: []status.Publisher{sio}})
	if err != nil {
		return err
	}
	defer a.Close()

	srvCfg := ingress.Config{
		Engine:      a.engine,
		Scheduler:   a.runtime,
		Executions:  a.store,
		Graphs:      a.store,
		GraphPolicy: cfg.GraphPolicy(),
		Metrics:     a.metrics.Handler(),
		Status:      sio.Handler(),
		Logger:      logger,
	}
	if *workflowDir != "" {
		files, err := hclgraph.NewFileStore(*workflowDir)
		if err != nil {
			return err
		}
		if err := seedWorkflows(ctx, a, files); err != nil {
			return err
		}
		srvCfg.Mirror = files
	}

	resumed, err := a.resume(ctx)
	if err != nil {
		return fmt.Errorf("resume executions: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed unfinished executions", slog.Int("count", resumed))
	}

	srv, err := ingress.New(srvCfg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	return nil
}

// seedWorkflows stores every workflow file that the main store does not know
// yet.
func seedWorkflows(ctx context.Context, a *app, files *hclgraph.FileStore) error {
	ids, err := files.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		wf, err := files.LoadGraph(ctx, id)
		if err != nil {
			return err
		}
		created, err := a.ensureWorkflow(ctx, wf)
		if err != nil {
			return err
		}
		if created {
			a.logger.Info("loaded workflow", slog.String("workflowID", id), slog.Int("nodes", len(wf.Nodes)))
		}
	}
	return nil
}

func runCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	workflowPath := fs.String("workflow", "", "workflow file (.hcl or line DSL)")
	inputPath := fs.String("input", "", "JSON file with the initial context")
	fs.Parse(args)
	if *workflowPath == "" {
		return errors.New("run: -workflow is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// One-shot runs never touch the configured database.
	cfg.Database = config.DatabaseConfig{Driver: "memory"}
	cfg.Steps = config.StepsConfig{KV: "memory"}
	return runWorkflow(ctx, cfg, *workflowPath, *inputPath, out)
}

func runWorkflow(ctx context.Context, cfg *config.Config, workflowPath, inputPath string, out io.Writer) error {
	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	ctx = ctxlog.WithLogger(ctx, logger)

	wf, warnings, err := loadWorkflow(workflowPath, cfg.GraphPolicy())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("graph warning", slog.String("warning", w.String()))
	}

	var initial nodeflow.Context
	if inputPath != "" {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(data, &initial); err != nil {
			return fmt.Errorf("parse input %s: %w", inputPath, err)
		}
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.ensureWorkflow(ctx, wf); err != nil {
		return err
	}
	exec, err := a.engine.Trigger(ctx, wf.ID, initial)
	if err != nil {
		return err
	}
	runErr := a.runtime.Run(ctx, exec.ID)

	exec, err = a.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exec); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if exec.Status != nodeflow.ExecutionSuccess {
		return fmt.Errorf("execution %s ended %s", exec.ID, exec.Status)
	}
	return nil
}

func validateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("validate: no files given")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	policy := cfg.GraphPolicy()
	failed := 0
	for _, path := range fs.Args() {
		wf, warnings, err := loadWorkflow(path, policy)
		if err == nil {
			_, err = graph.Order(wf.Nodes, wf.Connections)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "%s: warning: %s\n", path, w)
		}
		fmt.Fprintf(out, "%s: ok (%d nodes, %d connections)\n", path, len(wf.Nodes), len(wf.Connections))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, fs.NArg())
	}
	return nil
}

// loadWorkflow reads an HCL file or a line DSL script. DSL scripts without a
// workflow directive take their id from the file name.
func loadWorkflow(path string, policy graph.Policy) (*nodeflow.Workflow, []graph.Warning, error) {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		wf, err := hclgraph.ParseFile(path)
		if err != nil {
			return nil, nil, err
		}
		warnings, err := graph.Validate(wf.Nodes, wf.Connections, policy)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return wf, warnings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	wf, warnings, err := dsl.Parse(string(data), policy)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, warnings, nil
}
