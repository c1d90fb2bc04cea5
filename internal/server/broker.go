package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/chousei/internal/model"
)

// Broker fans bus events out to SSE subscribers. It plugs into the sync
// coordinator as a transport sink: every broadcast event arrives via Send and
// is forwarded to all active subscriber channels.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Send implements the sync coordinator's sink interface. It formats the event
// as an SSE frame and broadcasts it. Never blocks: slow subscribers with full
// buffers have the frame dropped.
func (b *Broker) Send(ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.broadcast(formatSSE(string(ev.Type), string(payload)))
	return nil
}

// Subscribe returns a channel that receives SSE-formatted frames.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast path.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends a frame to all subscribers. Slow subscribers with a full
// buffer are skipped so one slow client cannot block the others.
func (b *Broker) broadcast(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			// Subscriber buffer full; drop this frame for them.
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
