package chousei

import "context"

// StepExecutor runs one workflow step. Registered under a name via
// WithExecutor or System.RegisterExecutor; templates reference executors by
// that name. Executors must honor ctx; the workflow coordinator enforces the
// per-step timeout through it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step Step) (map[string]any, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step Step) (map[string]any, error)

func (f StepExecutorFunc) ExecuteStep(ctx context.Context, step Step) (map[string]any, error) {
	return f(ctx, step)
}

// StateAccessor re-pulls a component's current state on demand. Optional;
// when set via WithStateAccessor the sync monitor uses it to recover stale
// components and to serve forced re-syncs.
type StateAccessor interface {
	PullState(ctx context.Context, componentID string) (map[string]any, error)
}

// Notifier delivers alert notifications to a channel (email, webhook, chat).
// When none is provided, notifications are written to the structured log.
// Notify runs on the error coordinator's goroutines and must not block
// indefinitely. Failures are logged but never fail the originating error.
type Notifier interface {
	Notify(ctx context.Context, channel string, n Notification) error
}

// Probe reads OS-level utilization for the resource monitor. The default
// probe uses gopsutil; replace it via WithProbe in tests or on platforms
// where process-level sampling is unavailable.
type Probe interface {
	Sample(ctx context.Context) (SystemSample, error)
}
