package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/chousei/internal/model"
)

// SetQuota installs or replaces the quota for a service.
func (c *Coordinator) SetQuota(q model.APIQuota) {
	now := time.Now().UTC()
	q.LastResetMinute = now.Truncate(time.Minute)
	q.LastResetHour = now.Truncate(time.Hour)
	q.LastResetDay = now.Truncate(24 * time.Hour)

	c.mu.Lock()
	c.quotas[q.ServiceName] = &q
	c.mu.Unlock()
}

// GetQuota returns a copy of a service's quota state after applying any
// pending lazy resets.
func (c *Coordinator) GetQuota(service string) (model.APIQuota, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotas[service]
	if !ok {
		return model.APIQuota{}, false
	}
	resetQuotaWindows(q, time.Now().UTC())
	return *q, true
}

// Quotas returns a copy of every tracked quota.
func (c *Coordinator) Quotas() []model.APIQuota {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	out := make([]model.APIQuota, 0, len(c.quotas))
	for _, q := range c.quotas {
		resetQuotaWindows(q, now)
		out = append(out, *q)
	}
	return out
}

// CheckAPIQuota is a pure feasibility check against minute/hour request
// ceilings and the minute token ceiling. It never mutates counters (beyond the
// lazy window reset, which is a function of wall-clock time alone).
//
// Unknown services are permissively allowed; see DESIGN.md.
func (c *Coordinator) CheckAPIQuota(service string, requests, tokens int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkQuotaLocked(service, requests, tokens)
}

func (c *Coordinator) checkQuotaLocked(service string, requests, tokens int64) error {
	q, ok := c.quotas[service]
	if !ok {
		c.logger.Debug("resource: no quota registered, allowing", "service", service)
		return nil
	}
	resetQuotaWindows(q, time.Now().UTC())

	if q.RequestsPerMinute > 0 && q.CurrentMinuteRequests+requests > q.RequestsPerMinute {
		return &QuotaExceededError{Service: service, Window: "minute", Limit: q.RequestsPerMinute}
	}
	if q.RequestsPerHour > 0 && q.CurrentHourRequests+requests > q.RequestsPerHour {
		return &QuotaExceededError{Service: service, Window: "hour", Limit: q.RequestsPerHour}
	}
	if q.RequestsPerDay > 0 && q.CurrentDayRequests+requests > q.RequestsPerDay {
		return &QuotaExceededError{Service: service, Window: "day", Limit: q.RequestsPerDay}
	}
	if q.TokensPerMinute > 0 && q.CurrentMinuteTokens+tokens > q.TokensPerMinute {
		return &QuotaExceededError{Service: service, Window: "minute_tokens", Limit: q.TokensPerMinute}
	}
	return nil
}

// ConsumeAPIQuota re-checks feasibility and, if still feasible, atomically
// increments the sliding counters, attributes usage to the request's usage
// record when given, and records a cost entry. On rejection no counter moves.
func (c *Coordinator) ConsumeAPIQuota(ctx context.Context, service string, requests, tokens int64, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkQuotaLocked(service, requests, tokens); err != nil {
		c.quotaDenied.Add(ctx, 1)
		return err
	}

	if q, ok := c.quotas[service]; ok {
		q.CurrentMinuteRequests += requests
		q.CurrentHourRequests += requests
		q.CurrentDayRequests += requests
		q.CurrentMinuteTokens += tokens
	}

	if requestID != "" {
		if usage, ok := c.usages[requestID]; ok {
			usage.APICallsMade += requests
			usage.TokensUsed += tokens
		}
	}

	day := time.Now().UTC().Format("2006-01-02")
	if requests > 0 {
		c.addCostLocked(day, service, "requests", requests, c.cfg.CostPerRequest[service]*float64(requests))
	}
	if tokens > 0 {
		c.addCostLocked(day, service, "tokens", tokens, c.cfg.CostPerKiloTokens[service]*float64(tokens)/1000)
	}
	return nil
}

func (c *Coordinator) addCostLocked(day, service, kind string, units int64, cost float64) {
	key := fmt.Sprintf("%s|%s|%s", day, service, kind)
	entry, ok := c.costs[key]
	if !ok {
		entry = &model.CostEntry{Day: day, Service: service, Kind: kind}
		c.costs[key] = entry
	}
	entry.Units += units
	entry.CostUSD += cost
}

// Costs returns a copy of the cost-tracking table.
func (c *Coordinator) Costs() []model.CostEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CostEntry, 0, len(c.costs))
	for _, e := range c.costs {
		out = append(out, *e)
	}
	return out
}

// refreshQuotas applies lazy resets across all quotas; the periodic sweep
// keeps counters fresh under low traffic.
func (c *Coordinator) refreshQuotas() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	for _, q := range c.quotas {
		resetQuotaWindows(q, now)
	}
}

// resetQuotaWindows zeroes any window whose wall-clock boundary has passed
// since the last reset mark. Lazy reset on access, not a timer tick, avoids
// drift.
func resetQuotaWindows(q *model.APIQuota, now time.Time) {
	if minute := now.Truncate(time.Minute); minute.After(q.LastResetMinute) {
		q.CurrentMinuteRequests = 0
		q.CurrentMinuteTokens = 0
		q.LastResetMinute = minute
	}
	if hour := now.Truncate(time.Hour); hour.After(q.LastResetHour) {
		q.CurrentHourRequests = 0
		q.LastResetHour = hour
	}
	if day := now.Truncate(24 * time.Hour); day.After(q.LastResetDay) {
		q.CurrentDayRequests = 0
		q.LastResetDay = day
	}
}
