// Package main is the entry point for the steward binary. It runs the
// portfolio cycle, the wake evaluator, and the step-action API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const usage = `usage: steward [-config path] <command> [flags]

commands:
  run-cycle       score every account, create workflows, rank the queue
  evaluate-wakes  wake snoozed steps that are due
  serve           run the HTTP API and the periodic evaluator
  migrate         create the postgres schema
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("steward", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", "", "path to configuration file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd, cmdArgs := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "run-cycle":
		return runCycle(ctx, cfg, logger, cmdArgs, stdout, stderr)
	case "evaluate-wakes":
		return evaluateWakes(ctx, cfg, logger, cmdArgs, stdout, stderr)
	case "serve":
		return serve(ctx, cfg, logger)
	case "migrate":
		return migrate(ctx, cfg, logger)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return 2
	}
}

// parseTime parses an RFC3339 flag value, defaulting to the current time.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339: %w", v, err)
	}
	return t.UTC(), nil
}

func writeReport(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runCycle(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asOfFlag := fs.String("as-of", "", "cycle reference time (RFC3339, default now)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	asOf, err := parseTime(*asOfFlag)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	a, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.close()

	report, err := a.scheduler.RunCycle(ctx, asOf)
	if err != nil {
		logger.Error("cycle failed", zap.Error(err))
		return 1
	}
	writeReport(stdout, report)
	if !report.Succeeded() {
		fmt.Fprintf(stderr, "%d account failures\n", len(report.Failures))
		return 1
	}
	return 0
}

func evaluateWakes(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate-wakes", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nowFlag := fs.String("now", "", "evaluation time (RFC3339, default now)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	now, err := parseTime(*nowFlag)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	a, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.close()

	report, err := a.evaluator.EvaluateDue(ctx, now)
	if err != nil {
		logger.Error("evaluation failed", zap.Error(err))
		return 1
	}
	writeReport(stdout, report)
	if len(report.Failures) > 0 {
		fmt.Fprintf(stderr, "%d step failures\n", len(report.Failures))
		return 1
	}
	return 0
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	if cfg.Store.Driver != config.DriverPostgres {
		logger.Error("migrate requires store.driver postgres", zap.String("driver", cfg.Store.Driver))
		return 1
	}
	pool, err := openPool(ctx, cfg.Store)
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return 1
	}
	defer pool.Close()

	if err := migrateSchema(ctx, pool); err != nil {
		logger.Error("migration failed", zap.Error(err))
		return 1
	}
	logger.Info("migration complete")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "steward", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	a, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.close()

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   a.metrics,
		Engine:    a.engine,
		Scheduler: a.scheduler,
		Evaluator: a.evaluator,
		Events:    a.events,
		Readiness: a.readiness(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go func() {
		if err := a.evaluator.Run(bgCtx, cfg.Evaluator.Interval); err != nil {
			logger.Error("evaluator stopped", zap.Error(err))
		}
	}()
	if cfg.Scheduler.CycleInterval > 0 {
		go runCycles(bgCtx, a, cfg.Scheduler.CycleInterval, logger)
	}

	stages, workflows := a.catalog.Counts()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("stages", stages),
		zap.Int("workflows", workflows),
		zap.Duration("evaluator_interval", cfg.Evaluator.Interval),
		zap.Duration("cycle_interval", cfg.Scheduler.CycleInterval),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// runCycles runs the scheduler cycle on a fixed interval while serving.
func runCycles(ctx context.Context, a *app, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			report, err := a.scheduler.RunCycle(ctx, t.UTC())
			if err != nil {
				logger.Error("scheduled cycle failed", zap.Error(err))
				continue
			}
			if !report.Succeeded() {
				logger.Warn("scheduled cycle finished with failures", zap.Int("failures", len(report.Failures)))
			}
		}
	}
}
