package connector

import "sync"

// Balances tracks the net amount owed per peer: positive means the peer
// owes this node, negative means this node owes the peer. One fulfilled
// forward moves value from the inbound peer to the outbound peer.
type Balances struct {
	mu  sync.RWMutex
	net map[string]int64

	// OnChange observes every balance movement; the node wires it to
	// ACCOUNT_BALANCE telemetry and the settlement scheduler.
	OnChange func(peerID string, balance int64)
}

func NewBalances() *Balances {
	return &Balances{net: make(map[string]int64)}
}

// Apply records a fulfilled transfer of amount from peerIn to peerOut.
// Either side may be empty (locally originated or locally delivered).
func (b *Balances) Apply(peerIn, peerOut string, amount uint64) {
	b.mu.Lock()
	var changed []struct {
		peer string
		bal  int64
	}
	if peerIn != "" {
		b.net[peerIn] += int64(amount)
		changed = append(changed, struct {
			peer string
			bal  int64
		}{peerIn, b.net[peerIn]})
	}
	if peerOut != "" {
		b.net[peerOut] -= int64(amount)
		changed = append(changed, struct {
			peer string
			bal  int64
		}{peerOut, b.net[peerOut]})
	}
	b.mu.Unlock()

	if b.OnChange != nil {
		for _, c := range changed {
			b.OnChange(c.peer, c.bal)
		}
	}
}

// Adjust moves a single peer's balance by delta. Settlement uses it to
// debit what the driver just settled.
func (b *Balances) Adjust(peerID string, delta int64) {
	if peerID == "" || delta == 0 {
		return
	}
	b.mu.Lock()
	b.net[peerID] += delta
	bal := b.net[peerID]
	b.mu.Unlock()

	if b.OnChange != nil {
		b.OnChange(peerID, bal)
	}
}

// Get returns the peer's net balance.
func (b *Balances) Get(peerID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.net[peerID]
}

// Snapshot copies all non-zero balances.
func (b *Balances) Snapshot() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.net))
	for peer, bal := range b.net {
		out[peer] = bal
	}
	return out
}
