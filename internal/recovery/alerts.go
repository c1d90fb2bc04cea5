package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
)

// evaluateAlerts checks every enabled rule against the new record. Condition
// errors never escape the evaluation loop: a rule that fails to evaluate is
// logged and skipped.
func (c *Coordinator) evaluateAlerts(ctx context.Context, rec *model.ErrorRecord) {
	if rec.HasTag(model.TagSilent) {
		return
	}

	c.mu.Lock()
	rules := append([]compiledRule(nil), c.rules...)
	c.mu.Unlock()

	for _, cr := range rules {
		if !cr.rule.Enabled || rec.Severity < cr.rule.SeverityThreshold {
			continue
		}
		c.evaluateRule(ctx, cr, rec)
	}
}

// evaluateRule builds the rule's variable context from the error history
// window and fires the rule's channels when the condition holds or the
// occurrence ceiling is reached.
func (c *Coordinator) evaluateRule(ctx context.Context, cr compiledRule, rec *model.ErrorRecord) {
	now := time.Now().UTC()
	windowStart := now.Add(-cr.rule.TimeWindow)

	c.mu.Lock()
	var windowCount, componentCount, totalErrors int
	for _, r := range c.history {
		totalErrors++
		if r.Timestamp.Before(windowStart) || r.Severity < cr.rule.SeverityThreshold {
			continue
		}
		windowCount++
		if rec != nil && r.Component == rec.Component {
			componentCount++
		}
	}
	c.mu.Unlock()

	minutes := cr.rule.TimeWindow.Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	vars := map[string]float64{
		"error_rate":        float64(windowCount) / minutes,
		"total_errors":      float64(totalErrors),
		"component_errors":  float64(componentCount),
		"severity":          0,
		"recovery_attempts": 0,
	}
	if rec != nil {
		vars["severity"] = float64(rec.Severity)
		c.mu.Lock()
		vars["recovery_attempts"] = float64(len(rec.RecoveryAttempts))
		c.mu.Unlock()
	}

	fired, err := cr.prog.Eval(vars)
	if err != nil {
		// Rules are validated at registration; an evaluation error means the
		// context is missing a variable. Skip, never propagate.
		c.logger.Warn("recovery: alert rule evaluation failed",
			"rule", cr.rule.ID, "error", err)
		return
	}
	if !fired && cr.rule.MaxOccurrences > 0 && windowCount >= cr.rule.MaxOccurrences {
		fired = true
	}
	if !fired {
		return
	}

	// Global per-rule cooldown: one dispatch per cooldown period regardless of
	// how many qualifying errors arrive inside it.
	allowed, err := c.cooldown.Allow(ctx, "rule:"+cr.rule.ID)
	if err != nil || !allowed {
		return
	}

	c.alertsFired.Add(ctx, 1)
	subject := fmt.Sprintf("alert: %s", cr.rule.Name)
	body := fmt.Sprintf("rule %s triggered (condition %q, %d errors in window)",
		cr.rule.ID, cr.rule.Condition, windowCount)
	for _, channel := range cr.rule.Channels {
		c.dispatch(ctx, channel, model.Notification{
			RuleID:  cr.rule.ID,
			Subject: subject,
			Body:    body,
		})
	}

	if p := c.eventPublisher(); p != nil {
		_, _ = p.PublishEvent(ctx, model.EventAlertTriggered, "error_coordinator", map[string]any{
			"rule_id": cr.rule.ID,
			"rule":    cr.rule.Name,
		}, "", model.PriorityHigh)
	}
}

// dispatch sends one notification through the host notifier and records it.
func (c *Coordinator) dispatch(ctx context.Context, channel string, n model.Notification) {
	n.ID = uuid.New()
	n.Channel = channel
	n.SentAt = time.Now().UTC()

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, channel, n); err != nil {
			c.logger.Warn("recovery: notification dispatch failed",
				"channel", channel, "rule", n.RuleID, "error", err)
		} else {
			n.Delivered = true
		}
	}

	c.mu.Lock()
	c.notifications = append(c.notifications, n)
	c.mu.Unlock()
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when the host supplies none.
type LogNotifier struct {
	Logger interface {
		Info(msg string, args ...any)
	}
}

// Notify logs the notification.
func (l LogNotifier) Notify(_ context.Context, channel string, n model.Notification) error {
	l.Logger.Info("notification", "channel", channel, "rule", n.RuleID, "subject", n.Subject)
	return nil
}
