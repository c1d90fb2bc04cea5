package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashita-ai/chousei"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	switch os.Getenv("CHOUSEI_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	sys, err := chousei.New(
		chousei.WithLogger(logger),
		chousei.WithVersion(version),
		chousei.WithExecutor("log", chousei.StepExecutorFunc(logStep)),
		chousei.WithExecutor("sleep", chousei.StepExecutorFunc(sleepStep)),
	)
	if err != nil {
		return err
	}
	if err := registerDefaults(sys); err != nil {
		return err
	}

	// Serve blocks until ctx is cancelled and handles shutdown itself.
	return sys.Serve(ctx)
}

// registerDefaults installs the static catalogue the standalone binary ships
// with: a re-sync recovery strategy, baseline alert rules, and a smoke-test
// workflow template. Embedding hosts replace all of these with their own.
func registerDefaults(sys *chousei.System) error {
	err := sys.RegisterStrategy(chousei.Strategy{
		ID:                  "resync_component",
		Name:                "Force component re-sync",
		ApplicableErrors:    []string{"sync_error", "state_stale"},
		SeverityThreshold:   "warning",
		MaxAttempts:         3,
		Delay:               2 * time.Second,
		EscalationThreshold: 15 * time.Minute,
	}, func(ctx context.Context, _, component, _ string) error {
		syncC, err := sys.Sync()
		if err != nil {
			return err
		}
		_, err = syncC.Resync(ctx, component)
		return err
	})
	if err != nil {
		return err
	}

	rules := []chousei.AlertRule{
		{
			ID:                "high_error_rate",
			Name:              "High error rate",
			Condition:         "error_rate > 10",
			SeverityThreshold: "warning",
			TimeWindow:        5 * time.Minute,
			Channels:          []string{"log"},
		},
		{
			ID:                "critical_burst",
			Name:              "Repeated critical errors",
			Condition:         "total_errors >= 3 && severity >= 3",
			SeverityThreshold: "critical",
			TimeWindow:        10 * time.Minute,
			Channels:          []string{"log"},
		},
	}
	for _, r := range rules {
		if err := sys.RegisterAlertRule(r); err != nil {
			return err
		}
	}

	return sys.RegisterTemplate(chousei.Template{
		Type:        "diagnostics",
		Description: "Smoke-test pipeline exercising the step executor path.",
		Steps: []chousei.StepSpec{
			{Name: "warmup", Executor: "sleep", Parameters: map[string]any{"duration_ms": 100}},
			{Name: "report", Executor: "log", Dependencies: []string{"warmup"}},
		},
	})
}

func logStep(_ context.Context, step chousei.Step) (map[string]any, error) {
	slog.Info("workflow step", "step", step.Name, "parameters", step.Parameters)
	return map[string]any{"logged": true}, nil
}

func sleepStep(ctx context.Context, step chousei.Step) (map[string]any, error) {
	ms, _ := step.Parameters["duration_ms"].(float64)
	if ms <= 0 {
		if n, ok := step.Parameters["duration_ms"].(int); ok {
			ms = float64(n)
		}
	}
	if ms <= 0 {
		ms = 100
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return map[string]any{"slept_ms": ms}, nil
}
