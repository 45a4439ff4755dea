// Package routing holds the connector's longest-prefix-match routing table.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ilpmesh/connector/internal/ilp"
)

var (
	// ErrNoRoute means no configured prefix matches the destination.
	ErrNoRoute = errors.New("routing: no route to destination")

	// ErrSelfRoute means a route would resolve back to this node.
	ErrSelfRoute = errors.New("routing: route resolves to self")
)

// Route maps an address prefix to a next-hop peer.
type Route struct {
	Prefix   ilp.Address `json:"prefix"`
	NextHop  string      `json:"nextHop"`
	Priority int         `json:"priority"`
}

type entry struct {
	Route
	seq uint64 // insertion order, breaks priority ties
}

// Table is a concurrency-safe longest-prefix-match table over ILP address
// prefixes. Lookups walk the destination's segment boundaries from longest to
// shortest, so cost scales with address depth, not table size.
type Table struct {
	mu      sync.RWMutex
	self    string // this node's peer id; routes to it are refused
	entries map[ilp.Address][]entry
	nextSeq uint64
}

// NewTable creates an empty table. Routes whose next hop equals self are
// rejected at insertion.
func NewTable(self string) *Table {
	return &Table{
		self:    self,
		entries: make(map[ilp.Address][]entry),
	}
}

// Add inserts a route. Equal (prefix, nextHop) pairs are replaced in place,
// keeping their original position for tie-breaking.
func (t *Table) Add(r Route) error {
	if r.NextHop == t.self {
		return fmt.Errorf("%w: %s -> %s", ErrSelfRoute, r.Prefix, r.NextHop)
	}
	if _, err := ilp.ParseAddress(string(r.Prefix)); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.entries[r.Prefix]
	for i := range list {
		if list[i].NextHop == r.NextHop {
			list[i].Priority = r.Priority
			t.sortLocked(r.Prefix, list)
			return nil
		}
	}
	t.nextSeq++
	list = append(list, entry{Route: r, seq: t.nextSeq})
	t.sortLocked(r.Prefix, list)
	return nil
}

func (t *Table) sortLocked(prefix ilp.Address, list []entry) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	t.entries[prefix] = list
}

// Remove deletes the route for (prefix, nextHop). Removing a route that does
// not exist is a no-op.
func (t *Table) Remove(prefix ilp.Address, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.entries[prefix]
	for i := range list {
		if list[i].NextHop == nextHop {
			t.entries[prefix] = append(list[:i:i], list[i+1:]...)
			if len(t.entries[prefix]) == 0 {
				delete(t.entries, prefix)
			}
			return
		}
	}
}

// RemovePeer drops every route through the given peer.
func (t *Table) RemovePeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for prefix, list := range t.entries {
		kept := list[:0]
		for _, e := range list {
			if e.NextHop != peerID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(t.entries, prefix)
		} else {
			t.entries[prefix] = kept
		}
	}
}

// Lookup returns the best route for destination: longest segment-aligned
// matching prefix, then highest priority, then earliest insertion.
func (t *Table) Lookup(destination ilp.Address) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidate := string(destination)
	for {
		if list, ok := t.entries[ilp.Address(candidate)]; ok && len(list) > 0 {
			return list[0].Route, nil
		}
		dot := strings.LastIndexByte(candidate, '.')
		if dot < 0 {
			return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, destination)
		}
		candidate = candidate[:dot]
	}
}

// Routes returns a snapshot of all routes, best-first per prefix.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Route, 0, len(t.entries))
	for _, list := range t.entries {
		for _, e := range list {
			out = append(out, e.Route)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, list := range t.entries {
		n += len(list)
	}
	return n
}
