package statesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
)

// QueueFullError signals event-bus backpressure: the bounded queue rejected a
// publish. It is a failure of that publish call, never a silent drop.
type QueueFullError struct {
	Capacity int
	Type     model.EventType
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("statesync: event queue full (capacity %d), rejected %s", e.Capacity, e.Type)
}

// defaultTTL bounds how long an undelivered event stays valid in the queue.
const defaultTTL = 5 * time.Minute

// Subscribe registers a handler for an event type. All handlers for a type are
// invoked concurrently on delivery; one handler's failure does not block the
// others.
func (c *Coordinator) Subscribe(eventType model.EventType, h Handler) {
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.mu.Unlock()
}

// PublishEvent enqueues an event for delivery and returns its ID. A full queue
// fails the call with *QueueFullError.
//
// HIGH and CRITICAL events additionally receive an immediate out-of-band sink
// broadcast before enqueueing, guaranteeing low-latency delivery even when the
// queue is backed up. A target may therefore observe the same event twice, once
// per channel; consumers that care must dedupe by event ID.
func (c *Coordinator) PublishEvent(ctx context.Context, t model.EventType, source string, payload map[string]any, target string, priority model.EventPriority) (uuid.UUID, error) {
	ev := model.NewEvent(t, source, payload, target, priority, defaultTTL)

	if priority >= model.PriorityHigh {
		c.broadcast(ev)
	}

	select {
	case c.queue <- ev:
		c.eventsPublished.Add(ctx, 1)
		return ev.ID, nil
	default:
		return uuid.Nil, &QueueFullError{Capacity: c.cfg.QueueSize, Type: t}
	}
}

// QueueDepth reports the number of events waiting for delivery.
func (c *Coordinator) QueueDepth() int { return len(c.queue) }

// deliveryLoop dequeues continuously: skips expired events, fans each event out
// to its handlers concurrently, then broadcasts to sinks. CRITICAL events whose
// handlers all failed are requeued with a decremented retry budget.
func (c *Coordinator) deliveryLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.queue:
			c.deliver(ctx, ev)
		}
	}
}

func (c *Coordinator) deliver(ctx context.Context, ev *model.Event) {
	if ev.Expired(time.Now().UTC()) {
		c.logger.Debug("statesync: dropping expired event", "event_id", ev.ID, "type", ev.Type)
		return
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[ev.Type]...)
	c.mu.RUnlock()

	allFailed := len(handlers) > 0
	if len(handlers) > 0 {
		var wg sync.WaitGroup
		results := make([]error, len(handlers))
		for i, h := range handlers {
			wg.Add(1)
			go func(i int, h Handler) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = fmt.Errorf("handler panic: %v", r)
					}
				}()
				results[i] = h(ctx, ev)
			}(i, h)
		}
		wg.Wait()

		for _, err := range results {
			if err == nil {
				allFailed = false
			} else {
				c.logger.Warn("statesync: event handler failed",
					"event_id", ev.ID, "type", ev.Type, "error", err)
			}
		}
	}

	if allFailed && ev.Priority == model.PriorityCritical {
		ev.RetryCount--
		if ev.RetryCount > 0 {
			select {
			case c.queue <- ev:
			default:
				c.logger.Error("statesync: queue full, dropping critical retry",
					"event_id", ev.ID, "type", ev.Type)
			}
			return
		}
		c.logger.Error("statesync: critical event exhausted retries, dropping",
			"event_id", ev.ID, "type", ev.Type)
		return
	}

	c.broadcast(ev)
	c.eventsDelivered.Add(ctx, 1)
}

// broadcast fans an event out to subscribed sinks, narrowing to the single
// target sink when the event is targeted. Sink failures are logged, never
// propagated.
func (c *Coordinator) broadcast(ev *model.Event) {
	c.mu.RLock()
	var sinks []Sink
	if ev.Target != "" {
		if comp, ok := c.components[ev.Target]; ok && comp.sink != nil {
			sinks = append(sinks, comp.sink)
		}
	} else {
		for _, comp := range c.components {
			if comp.sink != nil {
				sinks = append(sinks, comp.sink)
			}
		}
	}
	c.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Send(ev); err != nil {
			c.logger.Debug("statesync: sink send failed", "event_id", ev.ID, "error", err)
		}
	}
}
