// Package chousei is the public API for embedding the chousei coordinator
// system.
//
// Hosts import this package to construct the system, plug in their
// collaborators, and run it:
//
//	sys, err := chousei.New(
//	    chousei.WithLogger(logger),
//	    chousei.WithExecutor("indexer", myIndexer),
//	    chousei.WithNotifier(myWebhookNotifier),
//	)
//	if err != nil { ... }
//	if err := sys.Serve(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chousei (root) imports
// internal/*, but internal/* never imports chousei (root). Public types
// (Step, Template, Notification, etc.) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package chousei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/chousei/internal/checkpoint"
	"github.com/ashita-ai/chousei/internal/config"
	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/ratelimit"
	"github.com/ashita-ai/chousei/internal/recovery"
	"github.com/ashita-ai/chousei/internal/resource"
	"github.com/ashita-ai/chousei/internal/server"
	"github.com/ashita-ai/chousei/internal/statesync"
	"github.com/ashita-ai/chousei/internal/telemetry"
	"github.com/ashita-ai/chousei/internal/workflow"
)

// ErrNotInitialized is returned by coordinator accessors before Initialize
// has completed.
var ErrNotInitialized = errors.New("chousei: system not initialized")

// System is the coordinator system lifecycle. Construct with New(), bring up
// with Initialize() or the blocking Serve(), tear down with Shutdown().
// System has no public fields; use New() options to configure it.
type System struct {
	cfg      config.Config
	sync     *statesync.Coordinator
	resource *resource.Coordinator
	recovery *recovery.Coordinator
	workflow *workflow.Coordinator
	store    *checkpoint.Store // nil when checkpointing is disabled
	broker   *server.Broker
	limiter  ratelimit.Limiter
	srv      *server.Server

	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	cancelLoops context.CancelFunc
}

// New builds the coordinator system: loads configuration, initialises
// telemetry, constructs all four coordinators and the HTTP server, and wires
// the host collaborators. It does NOT start any goroutines or accept
// connections until Initialize() or Serve() is called.
func New(opts ...Option) (*System, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.checkpointPath != "" {
		cfg.CheckpointPath = o.checkpointPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Error coordinator first: everything downstream reports into it.
	var notifier recovery.Notifier
	if o.notifier != nil {
		notifier = &notifierAdapter{n: o.notifier}
	} else {
		notifier = recovery.LogNotifier{Logger: logger}
	}
	recoveryC := recovery.New(recovery.Config{
		NotificationCooldown: cfg.NotificationCooldown,
		HistoryLimit:         cfg.ErrorHistoryLimit,
	}, notifier, logger)

	var probe resource.Probe
	if o.probe != nil {
		probe = &probeAdapter{p: o.probe}
	} else {
		probe = resource.NewSystemProbe()
	}
	resourceC := resource.New(resource.Config{
		TotalCPUCores:   cfg.TotalCPUCores,
		TotalMemoryMB:   cfg.TotalMemoryMB,
		ReserveCPUCores: cfg.CPUReserve,
		ReserveMemoryMB: cfg.MemoryReserveMB,
		MonitorInterval: cfg.MonitorInterval,
	}, probe, logger)

	syncC := statesync.New(statesync.Config{
		QueueSize:          cfg.EventQueueSize,
		HistorySize:        cfg.StateHistorySize,
		SyncInterval:       cfg.SyncInterval,
		StalenessThreshold: cfg.StalenessThreshold,
		ConflictDetection:  cfg.ConflictDetection,
		DefaultStrategy:    model.ResolutionStrategy(cfg.ConflictStrategy),
	}, logger)
	if o.accessor != nil {
		// The public StateAccessor signature matches the internal one, so the
		// host value satisfies it directly.
		syncC.SetAccessor(o.accessor)
	}

	workflowC := workflow.New(workflow.Config{
		MaxConcurrent:      cfg.MaxConcurrentWorkflows,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
	}, logger)
	for name, ex := range o.executors {
		if err := workflowC.RegisterExecutor(name, &executorAdapter{ex: ex}); err != nil {
			return nil, fmt.Errorf("executor %s: %w", name, err)
		}
	}

	// Downstream coordinators publish lifecycle events through the sync bus.
	recoveryC.SetPublisher(syncC)
	workflowC.SetPublisher(syncC)

	var store *checkpoint.Store
	if cfg.CheckpointPath != "" {
		store, err = checkpoint.Open(cfg.CheckpointPath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		logger.Info("checkpointing: enabled", "path", cfg.CheckpointPath)
	} else {
		logger.Info("checkpointing: disabled (no CHOUSEI_CHECKPOINT_PATH)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	broker := server.NewBroker(logger)
	srv := server.New(server.ServerConfig{
		Sync:                syncC,
		Resource:            resourceC,
		Recovery:            recoveryC,
		Workflow:            workflowC,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &System{
		cfg:          cfg,
		sync:         syncC,
		resource:     resourceC,
		recovery:     recoveryC,
		workflow:     workflowC,
		store:        store,
		broker:       broker,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Initialize starts the coordinator loops in dependency order: error handling
// first so everything downstream can report into it, then resources, then
// sync, then workflows. Restores checkpointed state before the loops can
// observe it. Idempotent.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.shutdown {
		return errors.New("chousei: system already shut down")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoops = cancel

	s.recovery.Start(loopCtx)
	s.resource.Start(loopCtx)
	s.sync.Start(loopCtx)

	if s.store != nil {
		s.restoreCheckpoint(ctx)
		s.sync.Subscribe(model.EventStateChanged, s.persistSnapshot)
		s.sync.Subscribe(model.EventStateRollback, s.persistSnapshot)
		s.sync.Subscribe(model.EventWorkflowCompleted, s.persistWorkflow)
		s.sync.Subscribe(model.EventWorkflowFailed, s.persistWorkflow)
	}

	s.workflow.Start(loopCtx)

	s.initialized = true
	s.logger.Info("chousei initialized", "version", s.version)
	return nil
}

// Serve initializes the system, starts the HTTP server, and blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown has been
// called; callers should not call Shutdown separately.
func (s *System) Serve(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.logger.Info("chousei serving", "version", s.version, "port", s.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}

	return s.Shutdown(context.Background())
}

// Run initializes the system, invokes fn, and shuts down on every exit path,
// including when fn returns an error or panics. For embedding hosts that
// drive the coordinators directly rather than over HTTP.
func (s *System) Run(ctx context.Context, fn func(ctx context.Context, sys *System) error) (err error) {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()
	return fn(ctx, s)
}

// Shutdown tears the system down in reverse initialization order: stop
// accepting HTTP requests, drain workflows, then sync, resources, and error
// handling, then close the checkpoint store and telemetry. Idempotent.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.initialized = false
	s.mu.Unlock()
	s.logger.Info("chousei shutting down")

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	s.workflow.Stop()
	s.sync.Stop()
	s.resource.Stop()
	s.recovery.Stop()
	if s.cancelLoops != nil {
		s.cancelLoops()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("checkpoint close error", "error", err)
		}
	}
	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}
	_ = s.otelShutdown(context.Background())

	s.logger.Info("chousei stopped")
	return nil
}

// Handler exposes the HTTP API without binding a listener. For tests and
// hosts that mount the API on their own server.
func (s *System) Handler() http.Handler { return s.srv.Handler() }

// ── Coordinator accessors ──────────────────────────────────────────────

func (s *System) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Sync returns the state sync coordinator. Fails before Initialize.
func (s *System) Sync() (*statesync.Coordinator, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.sync, nil
}

// Resource returns the resource coordinator. Fails before Initialize.
func (s *System) Resource() (*resource.Coordinator, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.resource, nil
}

// Recovery returns the error coordinator. Fails before Initialize.
func (s *System) Recovery() (*recovery.Coordinator, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.recovery, nil
}

// Workflow returns the workflow coordinator. Fails before Initialize.
func (s *System) Workflow() (*workflow.Coordinator, error) {
	if !s.ready() {
		return nil, ErrNotInitialized
	}
	return s.workflow, nil
}

// ── Registration (valid before or after Initialize) ────────────────────

// RegisterExecutor registers a named step executor.
func (s *System) RegisterExecutor(name string, ex StepExecutor) error {
	return s.workflow.RegisterExecutor(name, &executorAdapter{ex: ex})
}

// RegisterTemplate registers a workflow template. Every step's executor must
// already be registered.
func (s *System) RegisterTemplate(t Template) error {
	return s.workflow.RegisterTemplate(toModelTemplate(t))
}

// RegisterStrategy registers a recovery strategy. The action is invoked once
// per attempt with the failing error's type, component and message; a nil
// return marks the recovery successful.
func (s *System) RegisterStrategy(st Strategy, action func(ctx context.Context, errorType, component, message string) error) error {
	if action == nil {
		return fmt.Errorf("chousei: strategy %s has no action", st.ID)
	}
	return s.recovery.RegisterStrategy(toModelStrategy(st), func(ctx context.Context, rec *model.ErrorRecord) error {
		return action(ctx, rec.ErrorType, rec.Component, rec.Message)
	})
}

// RegisterAlertRule registers an alert rule. The condition expression is
// validated here; unsafe or malformed conditions are rejected.
func (s *System) RegisterAlertRule(r AlertRule) error {
	return s.recovery.RegisterAlertRule(toModelAlertRule(r))
}

// ── Checkpoint wiring ──────────────────────────────────────────────────

// restoreCheckpoint seeds the sync store from the latest persisted snapshots.
// Best-effort: a missing or unreadable checkpoint degrades to a cold start.
func (s *System) restoreCheckpoint(ctx context.Context) {
	snaps, err := s.store.LatestSnapshots(ctx)
	if err != nil {
		s.logger.Warn("checkpoint restore failed, cold start", "error", err)
		return
	}
	for _, snap := range snaps {
		v := snap.Version
		if _, err := s.sync.UpdateComponentState(ctx, snap.ComponentID, snap.StateData, &v); err != nil {
			s.logger.Warn("checkpoint restore: snapshot rejected",
				"component_id", snap.ComponentID, "version", snap.Version, "error", err)
		}
	}
	if len(snaps) > 0 {
		s.logger.Info("checkpoint restored", "components", len(snaps))
	}
}

// persistSnapshot saves the commit behind a state event. Best-effort and
// bounded: a slow disk must not stall event delivery.
func (s *System) persistSnapshot(_ context.Context, ev *model.Event) error {
	id, _ := ev.Payload["component_id"].(string)
	if id == "" {
		return nil
	}
	snap, ok := s.sync.GetComponentState(id)
	if !ok {
		return nil
	}
	opCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveSnapshot(opCtx, snap); err != nil {
		s.logger.Warn("checkpoint: snapshot save failed", "component_id", id, "error", err)
	}
	return nil
}

// persistWorkflow saves a terminal workflow record.
func (s *System) persistWorkflow(_ context.Context, ev *model.Event) error {
	raw, _ := ev.Payload["workflow_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	wf, ok := s.workflow.GetWorkflow(id)
	if !ok {
		return nil
	}
	opCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveWorkflowRecord(opCtx, wf); err != nil {
		s.logger.Warn("checkpoint: workflow save failed", "workflow_id", id, "error", err)
	}
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────

// executorAdapter wraps a chousei.StepExecutor to satisfy the internal
// workflow.StepExecutor. It converts the internal step record to the public
// Step at the boundary.
type executorAdapter struct {
	ex StepExecutor
}

func (a *executorAdapter) ExecuteStep(ctx context.Context, step *model.WorkflowStep) (map[string]any, error) {
	return a.ex.ExecuteStep(ctx, Step{
		ID:           step.ID,
		Name:         step.Name,
		Executor:     step.Executor,
		Parameters:   step.Parameters,
		Dependencies: step.Dependencies,
		Timeout:      step.Timeout,
		Retries:      step.RetryCount,
	})
}

// notifierAdapter wraps a chousei.Notifier to satisfy recovery.Notifier.
type notifierAdapter struct {
	n Notifier
}

func (a *notifierAdapter) Notify(ctx context.Context, channel string, n model.Notification) error {
	return a.n.Notify(ctx, channel, Notification{
		ID:      n.ID,
		RuleID:  n.RuleID,
		Channel: n.Channel,
		Subject: n.Subject,
		Body:    n.Body,
		SentAt:  n.SentAt,
	})
}

// probeAdapter wraps a chousei.Probe to satisfy resource.Probe.
type probeAdapter struct {
	p Probe
}

func (a *probeAdapter) Sample(ctx context.Context) (model.SystemSample, error) {
	sample, err := a.p.Sample(ctx)
	if err != nil {
		return model.SystemSample{}, err
	}
	return model.SystemSample{
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		MemoryUsedMB:  sample.MemoryUsedMB,
		Taken:         sample.Taken,
	}, nil
}

// ── Type converters ────────────────────────────────────────────────────

func toModelTemplate(t Template) model.WorkflowTemplate {
	steps := make([]model.StepDefinition, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = model.StepDefinition{
			Name:         s.Name,
			Description:  s.Description,
			Executor:     s.Executor,
			Parameters:   s.Parameters,
			Dependencies: s.Dependencies,
			Timeout:      s.Timeout,
			Retries:      s.Retries,
		}
	}
	return model.WorkflowTemplate{
		Type:        t.Type,
		Description: t.Description,
		Parameters:  t.Parameters,
		Steps:       steps,
	}
}

func toModelStrategy(st Strategy) model.RecoveryStrategy {
	return model.RecoveryStrategy{
		ID:                  st.ID,
		Name:                st.Name,
		ApplicableErrors:    st.ApplicableErrors,
		SeverityThreshold:   model.ParseSeverity(st.SeverityThreshold),
		AutoRetry:           !st.ManualOnly,
		MaxAttempts:         st.MaxAttempts,
		Delay:               st.Delay,
		EscalationThreshold: st.EscalationThreshold,
	}
}

func toModelAlertRule(r AlertRule) model.AlertRule {
	return model.AlertRule{
		ID:                r.ID,
		Name:              r.Name,
		Condition:         r.Condition,
		SeverityThreshold: model.ParseSeverity(r.SeverityThreshold),
		TimeWindow:        r.TimeWindow,
		MaxOccurrences:    r.MaxOccurrences,
		Channels:          r.Channels,
		Enabled:           !r.Disabled,
	}
}
