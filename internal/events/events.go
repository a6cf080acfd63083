// Package events fans committed audit entries out to external consumers.
//
// Publishing happens after the audit row commits and is best-effort: the
// audit table is the source of truth, the stream is a notification.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ashita-ai/shugo/internal/model"
)

// Publisher delivers a committed audit entry downstream.
type Publisher interface {
	Publish(ctx context.Context, e model.AuditEntry) error
}

// Noop discards every entry.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, model.AuditEntry) error { return nil }

// Memory keeps published entries in memory. Used by tests and the embedded
// single-node mode.
type Memory struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything published so far.
func (m *Memory) Entries() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e model.AuditEntry) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
