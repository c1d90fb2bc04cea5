package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
)

// RecoveryError reports that every applicable strategy was exhausted.
type RecoveryError struct {
	ErrorID   string
	Attempted []string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery: all strategies exhausted for error %s (attempted %v)",
		e.ErrorID, e.Attempted)
}

// RetryRecovery re-runs the strategy pipeline for an existing record, e.g.
// after an operator registers a new strategy or fixes the underlying fault.
func (c *Coordinator) RetryRecovery(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	rec, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: record %s not found", id)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runRecovery(ctx, rec)
	}()
	return nil
}

// runRecovery drives the strategy pipeline for one error record. Failures are
// never re-raised to the original reporter; they surface through the record's
// status and the escalation path.
func (c *Coordinator) runRecovery(ctx context.Context, rec *model.ErrorRecord) {
	c.mu.Lock()
	var applicable []model.RecoveryStrategy
	for _, s := range c.strategies {
		if s.AutoRetry && s.AppliesTo(rec) {
			applicable = append(applicable, s)
		}
	}
	rec.RecoveryStatus = model.RecoveryInProgress
	c.mu.Unlock()

	if len(applicable) == 0 {
		c.mu.Lock()
		rec.RecoveryStatus = model.RecoveryManualRequired
		c.mu.Unlock()
		return
	}

	var attempted []string
	for _, s := range applicable {
		attempted = append(attempted, s.ID)
		if c.tryStrategy(ctx, s, rec) {
			now := time.Now().UTC()
			c.mu.Lock()
			rec.Resolved = true
			rec.ResolutionTime = &now
			rec.RecoveryStatus = model.RecoveryResolved
			c.mu.Unlock()

			if p := c.eventPublisher(); p != nil {
				_, _ = p.PublishEvent(ctx, model.EventErrorRecovered, "error_coordinator", map[string]any{
					"error_id": rec.ID.String(),
					"strategy": s.ID,
				}, "", model.PriorityNormal)
			}
			return
		}
	}

	c.mu.Lock()
	rec.RecoveryStatus = model.RecoveryManualRequired
	c.mu.Unlock()
	c.logger.Warn("recovery: manual intervention required",
		"error_id", rec.ID, "error", (&RecoveryError{ErrorID: rec.ID.String(), Attempted: attempted}).Error())

	c.maybeEscalate(ctx, rec, applicable)
}

// tryStrategy runs one strategy with exponential backoff, recording each
// attempt on the record and folding the outcome into the strategy's EMA
// success rate (decay 0.9/0.1).
func (c *Coordinator) tryStrategy(ctx context.Context, s model.RecoveryStrategy, rec *model.ErrorRecord) bool {
	c.mu.Lock()
	fn := c.actions[s.ID]
	c.mu.Unlock()
	if fn == nil {
		return false
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.Delay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0 // deterministic delay*2^attempt schedule
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		c.recoveriesRun.Add(ctx, 1)
		err := fn(ctx, rec)

		a := model.RecoveryAttempt{
			StrategyID: s.ID,
			Attempt:    attempt,
			Succeeded:  err == nil,
			At:         time.Now().UTC(),
		}
		if err != nil {
			a.Error = err.Error()
		}
		c.mu.Lock()
		rec.RecoveryAttempts = append(rec.RecoveryAttempts, a)
		c.mu.Unlock()
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.MaxAttempts-1)), ctx))

	c.mu.Lock()
	prev := c.successRates[s.ID]
	if err == nil {
		c.successRates[s.ID] = prev*0.9 + 0.1
	} else {
		c.successRates[s.ID] = prev * 0.9
	}
	c.mu.Unlock()
	return err == nil
}

// maybeEscalate escalates an unrecovered error whose age exceeds the minimum
// escalation threshold among the strategies that were attempted.
func (c *Coordinator) maybeEscalate(ctx context.Context, rec *model.ErrorRecord, attempted []model.RecoveryStrategy) {
	var minThreshold time.Duration
	for _, s := range attempted {
		if s.EscalationThreshold > 0 && (minThreshold == 0 || s.EscalationThreshold < minThreshold) {
			minThreshold = s.EscalationThreshold
		}
	}
	if minThreshold == 0 {
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	age := now.Sub(rec.Timestamp)
	escalate := age >= minThreshold && rec.RecoveryStatus == model.RecoveryManualRequired
	if escalate {
		rec.RecoveryStatus = model.RecoveryEscalated
	}
	c.mu.Unlock()
	if !escalate {
		return
	}

	c.logger.Error("recovery: escalating unrecovered error",
		"error_id", rec.ID, "component", rec.Component, "age", age)

	c.dispatch(ctx, "escalation", model.Notification{
		RuleID:  "escalation",
		Subject: fmt.Sprintf("escalation: %s in %s", rec.ErrorType, rec.Component),
		Body:    rec.Message,
	})

	if p := c.eventPublisher(); p != nil {
		_, _ = p.PublishEvent(ctx, model.EventErrorEscalated, "error_coordinator", map[string]any{
			"error_id":  rec.ID.String(),
			"component": rec.Component,
		}, "", model.PriorityCritical)
	}
}
