package chousei

import "log/slog"

// Option configures a System.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port           int
	logger         *slog.Logger
	version        string
	checkpointPath string
	notifier       Notifier
	accessor       StateAccessor
	probe          Probe
	executors      map[string]StepExecutor
}

// WithPort overrides the TCP port from config (CHOUSEI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the System.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCheckpointPath overrides the sqlite checkpoint file from config
// (CHOUSEI_CHECKPOINT_PATH env var). An empty path disables checkpointing.
func WithCheckpointPath(path string) Option {
	return func(o *resolvedOptions) { o.checkpointPath = path }
}

// WithNotifier sets the alert notification sink. If not set, notifications
// are written to the structured log.
func WithNotifier(n Notifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithStateAccessor sets the host callback the sync coordinator uses to
// re-pull component state. Without one, stale components stay stale until
// they push an update.
func WithStateAccessor(a StateAccessor) Option {
	return func(o *resolvedOptions) { o.accessor = a }
}

// WithProbe replaces the default gopsutil utilization probe.
func WithProbe(p Probe) Option {
	return func(o *resolvedOptions) { o.probe = p }
}

// WithExecutor registers a named step executor. Multiple executors may be
// registered; a later registration under the same name wins.
func WithExecutor(name string, ex StepExecutor) Option {
	return func(o *resolvedOptions) {
		if o.executors == nil {
			o.executors = make(map[string]StepExecutor)
		}
		o.executors[name] = ex
	}
}
