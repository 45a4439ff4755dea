package audit

import (
	"context"
	"sync"
)

// MemorySink keeps records in memory; used by tests and by nodes running
// without an audit path configured.
type MemorySink struct {
	mu      sync.RWMutex
	records []*Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, redact(record))
	return nil
}

func (s *MemorySink) Search(_ context.Context, query Query) ([]*Record, error) {
	query.normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for i := len(s.records) - 1; i >= 0 && len(out) < query.Limit; i-- {
		if query.matches(s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *MemorySink) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

func (s *MemorySink) Close() error { return nil }
