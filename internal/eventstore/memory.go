package eventstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// MemoryStore is an in-process Store used by tests and by nodes running
// without a persistence path configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*StoredEvent
	next   uint64
	size   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{next: 1}
}

func (m *MemoryStore) Store(_ context.Context, event *telemetry.Event) (*StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := &StoredEvent{Seq: m.next, Event: *event}
	m.next++
	m.events = append(m.events, stored)
	if payload, err := json.Marshal(stored); err == nil {
		m.size += int64(len(payload))
	}
	return stored, nil
}

func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]*StoredEvent, error) {
	filter.normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StoredEvent
	skip := filter.Offset
	appendMatch := func(ev *StoredEvent) bool {
		if !filter.matches(ev) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, ev)
		return len(out) < filter.Limit
	}

	if filter.Ascending {
		for _, ev := range m.events {
			if !appendMatch(ev) {
				break
			}
		}
	} else {
		for i := len(m.events) - 1; i >= 0; i-- {
			if !appendMatch(m.events[i]) {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ev := range m.events {
		if filter.matches(ev) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryStore) Total() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.events))
}

func (m *MemoryStore) Close() error { return nil }
