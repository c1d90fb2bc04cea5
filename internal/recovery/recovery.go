// Package recovery implements centralized error intake, automated recovery
// strategies and rule-based alerting.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/chousei/internal/expr"
	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/ratelimit"
	"github.com/ashita-ai/chousei/internal/telemetry"
)

// Notifier dispatches alert notifications. Host-supplied (email, webhook, log).
type Notifier interface {
	Notify(ctx context.Context, channel string, n model.Notification) error
}

// EventPublisher is the narrow slice of the sync coordinator the error
// coordinator needs. Injected rather than referenced concretely so the
// compile-time dependency cycle between coordinators is broken while the
// runtime call path is preserved.
type EventPublisher interface {
	PublishEvent(ctx context.Context, t model.EventType, source string, payload map[string]any, target string, priority model.EventPriority) (uuid.UUID, error)
}

// RecoveryFunc is one strategy's action. It receives the error record being
// recovered; a nil return marks the attempt successful.
type RecoveryFunc func(ctx context.Context, rec *model.ErrorRecord) error

// Config tunes intake and alerting.
type Config struct {
	NotificationCooldown time.Duration
	HistoryLimit         int
	AnalyzeInterval      time.Duration
	AlertInterval        time.Duration
	CleanupInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.NotificationCooldown <= 0 {
		c.NotificationCooldown = 5 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	if c.AnalyzeInterval <= 0 {
		c.AnalyzeInterval = time.Hour
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// ComponentStats is the per-component rolling error profile.
type ComponentStats struct {
	TotalErrors      int64         `json:"total_errors"`
	RecentErrors     int64         `json:"recent_errors"` // last hour
	ErrorRate        float64       `json:"error_rate"`    // errors/hour
	MeanTimeBetween  time.Duration `json:"mean_time_between_errors"`
	LastError        time.Time     `json:"last_error"`
}

type compiledRule struct {
	rule model.AlertRule
	prog *expr.Program
}

// Coordinator is the error coordinator.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	notifier  Notifier
	publisher EventPublisher

	mu            sync.Mutex
	records       map[uuid.UUID]*model.ErrorRecord
	history       []*model.ErrorRecord // insertion order, bounded
	typeCounts    map[string]int64
	stats         map[string]*ComponentStats
	strategies    []model.RecoveryStrategy
	actions       map[string]RecoveryFunc
	successRates  map[string]float64 // per-strategy EMA
	rules         []compiledRule
	notifications []model.Notification

	cooldown *ratelimit.MemoryLimiter

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	errorsHandled  metric.Int64Counter
	alertsFired    metric.Int64Counter
	recoveriesRun  metric.Int64Counter
}

// New creates an error coordinator. notifier and publisher may be nil.
func New(cfg Config, notifier Notifier, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	meter := telemetry.Meter("chousei/recovery")
	handled, _ := meter.Int64Counter("chousei.errors.handled")
	fired, _ := meter.Int64Counter("chousei.alerts.fired")
	runs, _ := meter.Int64Counter("chousei.recoveries.run")

	// One notification per rule per cooldown period: a per-key bucket of
	// capacity one refilling at 1/cooldown.
	cooldown := ratelimit.NewMemoryLimiter(1/cfg.NotificationCooldown.Seconds(), 1)

	return &Coordinator{
		cfg:           cfg,
		logger:        logger,
		notifier:      notifier,
		records:       make(map[uuid.UUID]*model.ErrorRecord),
		typeCounts:    make(map[string]int64),
		stats:         make(map[string]*ComponentStats),
		actions:       make(map[string]RecoveryFunc),
		successRates:  make(map[string]float64),
		cooldown:      cooldown,
		done:          make(chan struct{}),
		errorsHandled: handled,
		alertsFired:   fired,
		recoveriesRun: runs,
	}
}

// SetPublisher injects the event-bus slice used for error lifecycle events.
func (c *Coordinator) SetPublisher(p EventPublisher) {
	c.mu.Lock()
	c.publisher = p
	c.mu.Unlock()
}

// Start launches the pattern analyzer, the alert processor and the cleanup loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(3)
	go c.analyzeLoop(ctx)
	go c.alertLoop(ctx)
	go c.cleanupLoop(ctx)
}

// Stop signals the loops, waits for them and releases the cooldown limiter.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.cooldown.Close()
	})
	c.wg.Wait()
}

// RegisterStrategy appends a strategy to the catalogue. Catalogue order is
// priority order. Strategies are static configuration, registered at startup.
func (c *Coordinator) RegisterStrategy(s model.RecoveryStrategy, fn RecoveryFunc) error {
	if s.ID == "" {
		return fmt.Errorf("recovery: strategy id required")
	}
	if fn == nil {
		return fmt.Errorf("recovery: strategy %s has no action", s.ID)
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
	c.actions[s.ID] = fn
	return nil
}

// RegisterAlertRule compiles and validates the rule's condition. A malformed
// or unsafe condition is rejected here, at registration, with a typed error.
func (c *Coordinator) RegisterAlertRule(rule model.AlertRule) error {
	prog, err := expr.Compile(rule.Condition)
	if err != nil {
		return fmt.Errorf("recovery: rule %s: %w", rule.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, compiledRule{rule: rule, prog: prog})
	return nil
}

// HandleError ingests an error report and returns the record's ID.
//
// Every call stores a fresh record, updates per-type counters and
// per-component rolling stats, logs at the severity-mapped level, and
// evaluates alert rules before returning. Unless the severity is FATAL,
// recovery runs asynchronously; its outcome surfaces through the error-status
// API and the escalation path, never through this call.
func (c *Coordinator) HandleError(ctx context.Context, errorType string, err error, errCtx map[string]any, component string, severity model.Severity, tags ...string) uuid.UUID {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	rec := &model.ErrorRecord{
		ID:             uuid.New(),
		ErrorType:      errorType,
		Severity:       severity,
		Message:        msg,
		StackTrace:     string(debug.Stack()),
		Component:      component,
		Context:        errCtx,
		Timestamp:      time.Now().UTC(),
		RecoveryStatus: model.RecoveryPending,
		Tags:           tags,
	}

	c.mu.Lock()
	c.records[rec.ID] = rec
	c.history = append(c.history, rec)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	c.typeCounts[errorType]++
	c.updateStatsLocked(rec)
	c.mu.Unlock()

	c.errorsHandled.Add(ctx, 1)
	if !rec.HasTag(model.TagSilent) {
		c.logger.Log(ctx, severity.LogLevel(), "recovery: error reported",
			"error_id", rec.ID,
			"error_type", errorType,
			"component", component,
			"severity", severity.String(),
			"message", msg,
		)
	}

	if p := c.eventPublisher(); p != nil {
		if _, perr := p.PublishEvent(ctx, model.EventErrorReported, "error_coordinator", map[string]any{
			"error_id":   rec.ID.String(),
			"error_type": errorType,
			"component":  component,
			"severity":   severity.String(),
		}, "", eventPriorityFor(severity)); perr != nil {
			c.logger.Debug("recovery: error event publish failed", "error", perr)
		}
	}

	c.evaluateAlerts(ctx, rec)

	if severity != model.SeverityFatal {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runRecovery(ctx, rec)
		}()
	}
	return rec.ID
}

func (c *Coordinator) eventPublisher() EventPublisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher
}

func eventPriorityFor(s model.Severity) model.EventPriority {
	switch {
	case s >= model.SeverityCritical:
		return model.PriorityCritical
	case s == model.SeverityError:
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}

// updateStatsLocked refreshes per-component rolling stats. Caller holds mu.
func (c *Coordinator) updateStatsLocked(rec *model.ErrorRecord) {
	st, ok := c.stats[rec.Component]
	if !ok {
		st = &ComponentStats{}
		c.stats[rec.Component] = st
	}
	if st.TotalErrors > 0 && !st.LastError.IsZero() {
		gap := rec.Timestamp.Sub(st.LastError)
		// Running mean of inter-error gaps.
		st.MeanTimeBetween = time.Duration(
			(int64(st.MeanTimeBetween)*(st.TotalErrors-1) + int64(gap)) / st.TotalErrors)
	}
	st.TotalErrors++
	st.LastError = rec.Timestamp

	hourAgo := rec.Timestamp.Add(-time.Hour)
	var recent int64
	for _, r := range c.history {
		if r.Component == rec.Component && r.Timestamp.After(hourAgo) {
			recent++
		}
	}
	st.RecentErrors = recent
	st.ErrorRate = float64(recent)
}

// GetRecord returns a copy of one error record.
func (c *Coordinator) GetRecord(id uuid.UUID) (model.ErrorRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return model.ErrorRecord{}, false
	}
	return *rec, true
}

// Records lists error records, optionally filtered by component, type and
// minimum severity. Newest last.
func (c *Coordinator) Records(component, errorType string, minSeverity model.Severity) []model.ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ErrorRecord
	for _, r := range c.history {
		if component != "" && r.Component != component {
			continue
		}
		if errorType != "" && r.ErrorType != errorType {
			continue
		}
		if r.Severity < minSeverity {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Stats returns a copy of the per-component stats table.
func (c *Coordinator) Stats() map[string]ComponentStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ComponentStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// Strategies lists the registered catalogue with current EMA success rates.
func (c *Coordinator) Strategies() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, map[string]any{
			"strategy":     s,
			"success_rate": c.successRates[s.ID],
		})
	}
	return out
}

// Notifications returns dispatched notifications, newest last.
func (c *Coordinator) Notifications() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Notification(nil), c.notifications...)
}

// Summary aggregates intake counters for the management API.
func (c *Coordinator) Summary() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[string]int64, len(c.typeCounts))
	for k, v := range c.typeCounts {
		byType[k] = v
	}
	var unresolved int
	for _, r := range c.history {
		if !r.Resolved {
			unresolved++
		}
	}
	return map[string]any{
		"total":      len(c.history),
		"unresolved": unresolved,
		"by_type":    byType,
	}
}
