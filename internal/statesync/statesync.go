// Package statesync owns cross-component state synchronization: the versioned
// state store with conflict resolution, and the priority event bus other
// coordinators publish through.
package statesync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
)

// Accessor re-pulls a component's current state on demand. Host-supplied,
// optional; used by the sync monitor to recover stale components.
type Accessor interface {
	PullState(ctx context.Context, componentID string) (map[string]any, error)
}

// Sink receives events for transport fan-out (e.g. an SSE client). Send must
// not block indefinitely; slow sinks may have events dropped.
type Sink interface {
	Send(event *model.Event) error
}

// Config tunes the coordinator. Zero values take defaults.
type Config struct {
	QueueSize          int
	HistorySize        int
	SyncInterval       time.Duration
	StalenessThreshold time.Duration
	ConflictDetection  bool
	DefaultStrategy    model.ResolutionStrategy
	// Strategies selects a resolution strategy per conflict type; falls back
	// to DefaultStrategy for unlisted types.
	Strategies map[model.ConflictType]model.ResolutionStrategy
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 10 * time.Minute
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = model.ResolveTimestampWins
	}
	return c
}

// component is the bookkeeping entry for one registered component.
type component struct {
	id       string
	sink     Sink
	status   model.ComponentStatus
	lastSync time.Time
}

// Handler processes one delivered event. Handlers for the same event run
// concurrently and fail independently.
type Handler func(ctx context.Context, event *model.Event) error

// Coordinator is the sync coordinator. All access to the snapshot table, the
// history rings and the queue goes through its methods.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	components map[string]*component
	current    map[string]model.StateSnapshot
	history    map[string][]model.StateSnapshot // bounded ring, oldest first
	conflicts  []model.ConflictResolution
	handlers   map[model.EventType][]Handler
	accessor   Accessor

	queue chan *model.Event

	// cmp bounds concurrent CPU-heavy state comparison/merge so it cannot
	// starve the delivery loop.
	cmp *semaphore.Weighted

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	eventsPublished   metric.Int64Counter
	eventsDelivered   metric.Int64Counter
	conflictsResolved metric.Int64Counter
}

// New creates a sync coordinator. Call Start to begin delivery and monitoring.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	meter := telemetry.Meter("chousei/statesync")
	published, _ := meter.Int64Counter("chousei.events.published")
	delivered, _ := meter.Int64Counter("chousei.events.delivered")
	resolved, _ := meter.Int64Counter("chousei.conflicts.resolved")

	return &Coordinator{
		cfg:               cfg,
		logger:            logger,
		components:        make(map[string]*component),
		current:           make(map[string]model.StateSnapshot),
		history:           make(map[string][]model.StateSnapshot),
		handlers:          make(map[model.EventType][]Handler),
		queue:             make(chan *model.Event, cfg.QueueSize),
		cmp:               semaphore.NewWeighted(int64(runtime.NumCPU())),
		done:              make(chan struct{}),
		eventsPublished:   published,
		eventsDelivered:   delivered,
		conflictsResolved: resolved,
	}
}

// SetAccessor installs the host's state accessor for staleness recovery.
func (c *Coordinator) SetAccessor(a Accessor) {
	c.mu.Lock()
	c.accessor = a
	c.mu.Unlock()
}

// Start launches the delivery loop, the sync monitor and the conflict sweep.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(3)
	go c.deliveryLoop(ctx)
	go c.monitorLoop(ctx)
	go c.cleanupLoop(ctx)
}

// Stop signals all loops and waits for them to drain. Safe to call twice.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// RegisterComponent records a component, stores its sink for targeted delivery
// and seeds initial state if given. Publishes a bookkeeping event.
func (c *Coordinator) RegisterComponent(ctx context.Context, id string, sink Sink, initialState map[string]any) error {
	c.mu.Lock()
	c.components[id] = &component{
		id:       id,
		sink:     sink,
		status:   model.StatusSynced,
		lastSync: time.Now().UTC(),
	}
	c.mu.Unlock()

	if initialState != nil {
		if _, err := c.UpdateComponentState(ctx, id, initialState, nil); err != nil {
			return fmt.Errorf("statesync: seed state for %s: %w", id, err)
		}
	}

	_, err := c.PublishEvent(ctx, model.EventComponentRegistered, "sync_coordinator",
		map[string]any{"component_id": id}, "", model.PriorityNormal)
	return err
}

// UnregisterComponent removes the component's sink and marks it disconnected.
func (c *Coordinator) UnregisterComponent(ctx context.Context, id string) error {
	c.mu.Lock()
	comp, ok := c.components[id]
	if ok {
		comp.sink = nil
		comp.status = model.StatusDisconnected
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("statesync: component %s not registered", id)
	}

	_, err := c.PublishEvent(ctx, model.EventComponentUnregistered, "sync_coordinator",
		map[string]any{"component_id": id}, "", model.PriorityNormal)
	return err
}

// ComponentStatus returns the recorded status of a component.
func (c *Coordinator) ComponentStatus(id string) (model.ComponentStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[id]
	if !ok {
		return "", false
	}
	return comp.status, true
}

// Components lists registered component IDs.
func (c *Coordinator) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.components))
	for id := range c.components {
		out = append(out, id)
	}
	return out
}

// GetComponentState returns the current snapshot for a component.
func (c *Coordinator) GetComponentState(id string) (model.StateSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.current[id]
	return snap, ok
}

// History returns the retained snapshots for a component, oldest first.
func (c *Coordinator) History(id string) []model.StateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.StateSnapshot(nil), c.history[id]...)
}

// Conflicts returns the transient conflict-resolution records.
func (c *Coordinator) Conflicts() []model.ConflictResolution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ConflictResolution(nil), c.conflicts...)
}

// UpdateComponentState commits a new state snapshot for a component.
//
// With no prior snapshot the version defaults to 1 (or the supplied version).
// With a prior snapshot and conflict detection enabled, conflicts are detected
// against the current snapshot only and resolved deterministically before
// commit; no partial write is ever observable. On success the snapshot is
// appended to the bounded history, the component is marked synced and a
// state_changed event is published at NORMAL priority.
func (c *Coordinator) UpdateComponentState(ctx context.Context, id string, state map[string]any, version *int64) (model.StateSnapshot, error) {
	if state == nil {
		return model.StateSnapshot{}, fmt.Errorf("statesync: nil state for component %s", id)
	}

	for {
		c.mu.Lock()
		current, exists := c.current[id]

		if !exists {
			v := int64(1)
			if version != nil && *version > 0 {
				v = *version
			}
			snap := model.NewStateSnapshot(id, state, v)
			c.commitLocked(id, snap)
			c.mu.Unlock()
			c.publishStateChanged(ctx, id, snap)
			return snap, nil
		}

		v := current.Version + 1
		if version != nil {
			v = *version
		}
		candidate := model.NewStateSnapshot(id, state, v)

		if !c.cfg.ConflictDetection {
			c.commitLocked(id, candidate)
			c.mu.Unlock()
			c.publishStateChanged(ctx, id, candidate)
			return candidate, nil
		}

		// Resolve optimistically outside the lock: the deep compare/merge is
		// CPU-bound and must not stall readers (the delivery loop takes
		// RLock). Commit only if nobody else committed in the meantime.
		c.mu.Unlock()
		resolved, record, superseded, err := c.resolve(ctx, id, current, candidate)
		if err != nil {
			return model.StateSnapshot{}, err
		}

		c.mu.Lock()
		latest, still := c.current[id]
		if !still || latest.Version != current.Version || latest.Checksum != current.Checksum {
			// Lost the race; re-resolve against the new current snapshot.
			c.mu.Unlock()
			continue
		}
		if record != nil {
			c.conflicts = append(c.conflicts, *record)
		}
		if superseded {
			// Resolution kept the current snapshot; nothing to commit.
			c.touchLocked(id)
			c.mu.Unlock()
			c.noteConflict(ctx, id, record, true)
			return current, nil
		}
		c.commitLocked(id, resolved)
		c.mu.Unlock()

		c.noteConflict(ctx, id, record, false)
		c.publishStateChanged(ctx, id, resolved)
		return resolved, nil
	}
}

// commitLocked installs snap as current and updates history and sync
// bookkeeping. Caller holds mu.
func (c *Coordinator) commitLocked(id string, snap model.StateSnapshot) {
	c.current[id] = snap
	c.appendHistoryLocked(id, snap)
	c.touchLocked(id)
}

func (c *Coordinator) publishStateChanged(ctx context.Context, id string, snap model.StateSnapshot) {
	_, err := c.PublishEvent(ctx, model.EventStateChanged, "sync_coordinator", map[string]any{
		"component_id": id,
		"version":      snap.Version,
		"checksum":     snap.Checksum,
	}, "", model.PriorityNormal)
	if err != nil {
		c.logger.Warn("statesync: state_changed publish failed", "component", id, "error", err)
	}
}

// noteConflict records metrics and logging for a committed resolution.
// Discarded resolutions (retried races) are never counted.
func (c *Coordinator) noteConflict(ctx context.Context, id string, record *model.ConflictResolution, superseded bool) {
	if record == nil {
		return
	}
	c.conflictsResolved.Add(ctx, 1)
	c.logger.Info("statesync: conflict resolved",
		"component", id,
		"type", string(record.Type),
		"strategy", string(record.Strategy),
		"superseded", superseded,
	)
}

// RollbackComponentState re-commits the state of an exact historical version as
// a brand-new version (current+1). History is never rewritten in place.
func (c *Coordinator) RollbackComponentState(ctx context.Context, id string, targetVersion int64) (model.StateSnapshot, error) {
	c.mu.Lock()
	current, exists := c.current[id]
	if !exists {
		c.mu.Unlock()
		return model.StateSnapshot{}, fmt.Errorf("statesync: component %s has no state", id)
	}

	var target *model.StateSnapshot
	for i := range c.history[id] {
		if c.history[id][i].Version == targetVersion {
			target = &c.history[id][i]
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return model.StateSnapshot{}, fmt.Errorf("statesync: component %s has no version %d in history", id, targetVersion)
	}

	snap := model.NewStateSnapshot(id, target.StateData, current.Version+1)
	c.current[id] = snap
	c.appendHistoryLocked(id, snap)
	c.touchLocked(id)
	c.mu.Unlock()

	_, err := c.PublishEvent(ctx, model.EventStateRollback, "sync_coordinator", map[string]any{
		"component_id":     id,
		"rolled_back_to":   targetVersion,
		"new_version":      snap.Version,
	}, "", model.PriorityNormal)
	if err != nil {
		c.logger.Warn("statesync: state_rollback publish failed", "component", id, "error", err)
	}
	return snap, nil
}

// appendHistoryLocked appends to the bounded history ring. Caller holds mu.
func (c *Coordinator) appendHistoryLocked(id string, snap model.StateSnapshot) {
	h := append(c.history[id], snap)
	if len(h) > c.cfg.HistorySize {
		h = h[len(h)-c.cfg.HistorySize:]
	}
	c.history[id] = h
}

// touchLocked refreshes last_sync_time and marks the component synced.
// Caller holds mu. Updating state for an unregistered component is allowed;
// it just has no sink.
func (c *Coordinator) touchLocked(id string) {
	if comp, ok := c.components[id]; ok {
		comp.lastSync = time.Now().UTC()
		comp.status = model.StatusSynced
	}
}

// Resync forces a state re-pull for one component through the accessor,
// outside the staleness monitor's schedule.
func (c *Coordinator) Resync(ctx context.Context, id string) (model.StateSnapshot, error) {
	c.mu.RLock()
	_, known := c.components[id]
	accessor := c.accessor
	c.mu.RUnlock()
	if !known {
		return model.StateSnapshot{}, fmt.Errorf("statesync: component %s not registered", id)
	}
	if accessor == nil {
		return model.StateSnapshot{}, fmt.Errorf("statesync: no state accessor configured")
	}

	state, err := accessor.PullState(ctx, id)
	if err != nil {
		return model.StateSnapshot{}, fmt.Errorf("statesync: re-pull %s: %w", id, err)
	}
	return c.UpdateComponentState(ctx, id, state, nil)
}

// Status summarizes component health for the management API.
func (c *Coordinator) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byStatus := make(map[string]int)
	components := make(map[string]string, len(c.components))
	for id, comp := range c.components {
		byStatus[string(comp.status)]++
		components[id] = string(comp.status)
	}
	return map[string]any{
		"components":  components,
		"by_status":   byStatus,
		"queue_depth": len(c.queue),
		"conflicts":   len(c.conflicts),
	}
}

// monitorLoop flags components whose last sync is older than the staleness
// threshold and attempts to re-pull their state through the accessor.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.checkStaleness(ctx)
		}
	}
}

func (c *Coordinator) checkStaleness(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.StalenessThreshold)

	c.mu.Lock()
	var stale []string
	for id, comp := range c.components {
		if comp.status != model.StatusDisconnected && comp.lastSync.Before(cutoff) {
			comp.status = model.StatusStale
			stale = append(stale, id)
		}
	}
	accessor := c.accessor
	c.mu.Unlock()

	for _, id := range stale {
		c.logger.Warn("statesync: component stale", "component", id)
		if _, err := c.PublishEvent(ctx, model.EventComponentStale, "sync_coordinator",
			map[string]any{"component_id": id}, "", model.PriorityHigh); err != nil {
			c.logger.Warn("statesync: stale publish failed", "component", id, "error", err)
		}

		if accessor == nil {
			continue
		}
		state, err := accessor.PullState(ctx, id)
		if err != nil {
			c.logger.Warn("statesync: state re-pull failed", "component", id, "error", err)
			continue
		}
		if _, err := c.UpdateComponentState(ctx, id, state, nil); err != nil {
			c.logger.Warn("statesync: stale recommit failed", "component", id, "error", err)
		}
	}
}

// cleanupLoop sweeps conflict records older than 24 hours, hourly.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepConflicts(time.Now().UTC().Add(-24 * time.Hour))
		}
	}
}

func (c *Coordinator) sweepConflicts(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.conflicts[:0]
	for _, cr := range c.conflicts {
		if cr.ResolvedAt.After(cutoff) {
			kept = append(kept, cr)
		}
	}
	c.conflicts = kept
}
