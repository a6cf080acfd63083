package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/shugo/internal/model"
)

// Broker fans committed audit entries out to SSE subscribers of the same
// tenant. It implements events.Publisher so the audit service feeds it
// alongside any external stream.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> tenant
}

// NewBroker creates an empty SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Publish formats e as an SSE event and delivers it to the tenant's
// subscribers.
func (b *Broker) Publish(_ context.Context, e model.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("server: marshal audit event: %w", err)
	}
	b.broadcast(e.TenantID, formatSSE(string(e.EventType), string(data)))
	return nil
}

// Subscribe returns a channel that receives SSE-formatted events for
// tenantID. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the audit path.
	b.mu.Lock()
	b.subscribers[ch] = tenantID
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

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to every subscriber of tenantID. Slow
// subscribers with a full buffer miss the event.
func (b *Broker) broadcast(tenantID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, tenant := range b.subscribers {
		if tenant != tenantID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, dropping event", "tenant_id", tenantID)
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
