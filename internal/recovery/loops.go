package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ashita-ai/chousei/internal/model"
)

// analyzeLoop periodically mines the error history for patterns and logs
// human-readable insights when thresholds are crossed.
func (c *Coordinator) analyzeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AnalyzeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			for _, insight := range c.AnalyzePatterns() {
				c.logger.Info("recovery: pattern insight", "insight", insight)
			}
		}
	}
}

// AnalyzePatterns computes the hour-of-day distribution, the per-component and
// per-type distributions and a 24h trend over the last day of errors, and
// derives insights from them.
func (c *Coordinator) AnalyzePatterns() []string {
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	halfDayAgo := time.Now().UTC().Add(-12 * time.Hour)

	c.mu.Lock()
	var total int
	hourDist := make(map[int]int)
	componentDist := make(map[string]int)
	typeDist := make(map[string]int)
	var firstHalf, secondHalf int
	for _, r := range c.history {
		if r.Timestamp.Before(dayAgo) {
			continue
		}
		total++
		hourDist[r.Timestamp.Hour()]++
		componentDist[r.Component]++
		typeDist[r.ErrorType]++
		if r.Timestamp.Before(halfDayAgo) {
			firstHalf++
		} else {
			secondHalf++
		}
	}
	c.mu.Unlock()

	if total == 0 {
		return nil
	}

	var insights []string
	for hour, n := range hourDist {
		if float64(n) > float64(total)*0.5 {
			insights = append(insights, formatInsight("errors cluster at hour %02d:00 UTC (%d of %d)", hour, n, total))
		}
	}
	for component, n := range componentDist {
		if float64(n) > float64(total)*0.5 && total >= 4 {
			insights = append(insights, formatInsight("component %s accounts for %d of %d recent errors", component, n, total))
		}
	}
	type kv struct {
		k string
		n int
	}
	types := make([]kv, 0, len(typeDist))
	for k, n := range typeDist {
		types = append(types, kv{k, n})
	}
	sort.Slice(types, func(i, j int) bool { return types[i].n > types[j].n })
	if len(types) > 0 && types[0].n >= 5 {
		insights = append(insights, formatInsight("most frequent error type: %s (%d in 24h)", types[0].k, types[0].n))
	}
	if firstHalf > 0 && secondHalf > firstHalf*2 {
		insights = append(insights, formatInsight("error volume rising: %d in the last 12h vs %d before", secondHalf, firstHalf))
	}
	return insights
}

// alertLoop re-evaluates count-based rules every AlertInterval so a rule with
// an occurrence ceiling still fires when errors stop arriving.
func (c *Coordinator) alertLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AlertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			rules := append([]compiledRule(nil), c.rules...)
			c.mu.Unlock()
			for _, cr := range rules {
				if cr.rule.Enabled && cr.rule.MaxOccurrences > 0 {
					c.evaluateRule(ctx, cr, nil)
				}
			}
		}
	}
}

// cleanupLoop prunes notifications older than seven days and terminal error
// records of the same age.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.cleanup(time.Now().UTC().Add(-7 * 24 * time.Hour))
		}
	}
}

func (c *Coordinator) cleanup(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keptNotifs := c.notifications[:0]
	for _, n := range c.notifications {
		if n.SentAt.After(cutoff) {
			keptNotifs = append(keptNotifs, n)
		}
	}
	c.notifications = keptNotifs

	keptHist := c.history[:0]
	for _, r := range c.history {
		terminal := r.RecoveryStatus == model.RecoveryResolved ||
			r.RecoveryStatus == model.RecoveryEscalated ||
			r.RecoveryStatus == model.RecoveryManualRequired
		if terminal && r.Timestamp.Before(cutoff) {
			delete(c.records, r.ID)
			continue
		}
		keptHist = append(keptHist, r)
	}
	c.history = keptHist
}

func formatInsight(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
