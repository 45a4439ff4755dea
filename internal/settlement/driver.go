// Package settlement defines the ledger-side settlement boundary and a
// scheduler that triggers settlements when peer balances cross a threshold.
package settlement

import (
	"context"
	"log/slog"
)

// Driver executes settlements against an underlying ledger or payment
// channel. Implementations are external; the connector core only decides
// when to settle.
type Driver interface {
	// Open prepares a settlement relationship with a peer.
	Open(ctx context.Context, peerID string) error

	// Settle moves amount toward the peer (positive: we pay the peer,
	// negative: the peer pays us) and returns a ledger reference.
	Settle(ctx context.Context, peerID string, amount int64) (reference string, err error)

	// Close tears down the relationship.
	Close(ctx context.Context, peerID string) error
}

// NoopDriver acknowledges every settlement without touching any ledger.
// It is the default for nodes that track balances but settle out of band.
type NoopDriver struct {
	log *slog.Logger
}

func NewNoopDriver(log *slog.Logger) *NoopDriver {
	if log == nil {
		log = slog.Default()
	}
	return &NoopDriver{log: log}
}

func (d *NoopDriver) Open(_ context.Context, peerID string) error {
	d.log.Debug("noop settlement open", "peer", peerID)
	return nil
}

func (d *NoopDriver) Settle(_ context.Context, peerID string, amount int64) (string, error) {
	d.log.Info("noop settlement", "peer", peerID, "amount", amount)
	return "noop", nil
}

func (d *NoopDriver) Close(_ context.Context, peerID string) error {
	d.log.Debug("noop settlement close", "peer", peerID)
	return nil
}
