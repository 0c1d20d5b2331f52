package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no database is configured
// and in tests. Records are unique per (tenant, idempotency key).
type MemoryStore struct {
	mu     sync.Mutex
	byKey  map[string]LifecycleEvent
	order  []string
	writes int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]LifecycleEvent)}
}

// EmitEvent stores ev unless its key was already seen; the first payload
// wins.
func (m *MemoryStore) EmitEvent(ctx context.Context, ev LifecycleEvent) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	k := ev.TenantID + "\x00" + ev.IdempotencyKey
	if existing, ok := m.byKey[k]; ok {
		return Stored{ID: existing.ID, Duplicate: true}, nil
	}
	ev.ID = uuid.NewString()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.byKey[k] = ev
	m.order = append(m.order, k)
	return Stored{ID: ev.ID}, nil
}

// EventsForCall returns a call's records in insertion order.
func (m *MemoryStore) EventsForCall(_ context.Context, callID string) ([]LifecycleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LifecycleEvent
	for _, k := range m.order {
		if ev := m.byKey[k]; ev.CallID == callID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len returns the number of distinct records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Writes returns how many EmitEvent calls reached the store.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
