package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
)

// concurrentWindow is the timestamp proximity that classifies two updates as a
// concurrent_update conflict.
const concurrentWindow = time.Second

// resolve detects a conflict between the current and candidate snapshots and
// resolves it. Runs WITHOUT mu so the CPU-bound deep compare/merge never
// blocks readers, in particular the event-delivery loop; the cmp semaphore
// bounds how many resolutions run at once. Returns the snapshot to commit, a
// conflict record when one was detected (nil otherwise), and superseded=true
// when resolution kept the current snapshot. The caller re-checks under mu
// that current is still current before committing either outcome.
func (c *Coordinator) resolve(ctx context.Context, id string, current, candidate model.StateSnapshot) (model.StateSnapshot, *model.ConflictResolution, bool, error) {
	if err := c.cmp.Acquire(ctx, 1); err != nil {
		return model.StateSnapshot{}, nil, false, fmt.Errorf("statesync: compare pool: %w", err)
	}
	defer c.cmp.Release(1)

	conflictType, ok := detectConflict(current, candidate)
	if !ok {
		return candidate, nil, false, nil
	}

	strategy := c.strategyFor(conflictType)
	resolved, superseded := applyStrategy(c, strategy, current, candidate)

	record := &model.ConflictResolution{
		ID:         uuid.New(),
		ComponentA: id,
		ComponentB: id,
		Type:       conflictType,
		Strategy:   strategy,
		ResolvedAt: time.Now().UTC(),
	}
	if superseded {
		record.ResolvedState = current.StateData
	} else {
		record.ResolvedState = resolved.StateData
	}
	return resolved, record, superseded, nil
}

func (c *Coordinator) strategyFor(t model.ConflictType) model.ResolutionStrategy {
	if s, ok := c.cfg.Strategies[t]; ok {
		return s
	}
	return c.cfg.DefaultStrategy
}

// detectConflict checks the candidate against the current snapshot only, never
// against history. First matching class wins.
func detectConflict(current, candidate model.StateSnapshot) (model.ConflictType, bool) {
	if candidate.Version <= current.Version {
		return model.ConflictVersion, true
	}
	delta := candidate.Timestamp.Sub(current.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta < concurrentWindow {
		return model.ConflictConcurrent, true
	}
	if dataConflict(current.StateData, candidate.StateData) {
		return model.ConflictData, true
	}
	return "", false
}

// dataConflict reports structural incompatibility: a key present in current but
// absent in candidate (deletion), a type change on a shared key, or a
// conflicting nested-map comparison, recursively.
func dataConflict(current, candidate map[string]any) bool {
	for k, cv := range current {
		nv, ok := candidate[k]
		if !ok {
			return true
		}
		cm, cIsMap := cv.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if cIsMap != nIsMap {
			return true
		}
		if cIsMap {
			if dataConflict(cm, nm) {
				return true
			}
			continue
		}
		if fmt.Sprintf("%T", cv) != fmt.Sprintf("%T", nv) {
			return true
		}
	}
	return false
}

// applyStrategy resolves one conflict deterministically.
func applyStrategy(c *Coordinator, strategy model.ResolutionStrategy, current, candidate model.StateSnapshot) (model.StateSnapshot, bool) {
	switch strategy {
	case model.ResolveVersionWins:
		if candidate.Version > current.Version {
			return candidate, false
		}
		return current, true

	case model.ResolveMerge:
		merged := mergeStates(current.StateData, candidate.StateData)
		v := current.Version
		if candidate.Version > v {
			v = candidate.Version
		}
		return model.NewStateSnapshot(current.ComponentID, merged, v+1), false

	case model.ResolveUserDecides:
		// No interaction hook exists; degrade loudly. See DESIGN.md.
		c.logger.Warn("statesync: user_decides has no interaction hook, falling back to timestamp_wins",
			"component", current.ComponentID)
		fallthrough

	case model.ResolveTimestampWins:
		fallthrough

	default:
		if candidate.Timestamp.Before(current.Timestamp) {
			return current, true
		}
		if candidate.Version <= current.Version {
			// The newer data wins but versions must stay strictly increasing.
			candidate.Version = current.Version + 1
		}
		return candidate, false
	}
}

// mergeStates merges key-by-key: candidate values win scalar collisions, nested
// maps merge recursively. Neither input is mutated.
func mergeStates(current, candidate map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(candidate))
	for k, v := range current {
		out[k] = v
	}
	for k, nv := range candidate {
		if cv, ok := out[k]; ok {
			cm, cIsMap := cv.(map[string]any)
			nm, nIsMap := nv.(map[string]any)
			if cIsMap && nIsMap {
				out[k] = mergeStates(cm, nm)
				continue
			}
		}
		out[k] = nv
	}
	return out
}
