// Package eventstore persists telemetry events as an append-only,
// sequence-numbered log with filtered queries and a FIFO size cap.
package eventstore

import (
	"context"
	"time"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// StoredEvent is a telemetry event with its assigned sequence number.
// Once stored, events are immutable; seq never decreases and evicted
// sequence numbers are not reused.
type StoredEvent struct {
	Seq uint64 `json:"seq"`
	telemetry.Event
}

// Query limits.
const (
	DefaultLimit      = 100
	MaxLimit          = 100
	MaxHydrationLimit = 5000
)

// Filter selects stored events. Zero fields are unconstrained.
type Filter struct {
	Types     []telemetry.EventType
	Since     time.Time
	Until     time.Time
	PeerID    string
	PacketID  string
	Direction string
	Limit     int
	Offset    int

	// Ascending returns oldest-first results for hydration queries and
	// raises the limit cap to MaxHydrationLimit.
	Ascending bool
}

func (f *Filter) normalize() {
	cap := MaxLimit
	if f.Ascending {
		cap = MaxHydrationLimit
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > cap {
		f.Limit = cap
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f *Filter) matches(ev *StoredEvent) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if f.PeerID != "" && ev.PeerID != f.PeerID {
		return false
	}
	if f.PacketID != "" && ev.PacketID != f.PacketID {
		return false
	}
	if f.Direction != "" && ev.Direction != f.Direction {
		return false
	}
	return true
}

// Store is the persistence boundary the connector core depends on.
type Store interface {
	// Store assigns the next sequence number and persists the event.
	Store(ctx context.Context, event *telemetry.Event) (*StoredEvent, error)

	// Query returns matching events, newest-first unless Filter.Ascending.
	Query(ctx context.Context, filter Filter) ([]*StoredEvent, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Size returns the approximate stored size in bytes.
	Size() int64

	// Total returns the number of events currently retained.
	Total() uint64

	Close() error
}
