// Package audit provides append-only structured sinks for security events,
// with secret redaction applied before anything is serialized.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operation names the audited action.
type Operation string

const (
	OpSignRequest      Operation = "SIGN_REQUEST"
	OpSignSuccess      Operation = "SIGN_SUCCESS"
	OpSignFailure      Operation = "SIGN_FAILURE"
	OpKeyRotationStart Operation = "KEY_ROTATION_START"
	OpKeyRotationDone  Operation = "KEY_ROTATION_COMPLETE"
	OpKeyAccessDenied  Operation = "KEY_ACCESS_DENIED"
	OpFraudDetected    Operation = "FRAUD_DETECTED"
	OpPeerPaused       Operation = "PEER_PAUSED"
	OpPeerResumed      Operation = "PEER_RESUMED"
	OpWalletCreated    Operation = "WALLET_CREATED"
	OpWalletFunded     Operation = "WALLET_FUNDED"
	OpPaymentSent      Operation = "PAYMENT_SENT"
)

// Record is one audit entry. Details is free-form; secret-looking keys are
// redacted before the record reaches storage.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agentId"`
	Operation Operation      `json:"operation"`
	Outcome   string         `json:"outcome,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewRecord stamps a fresh audit record.
func NewRecord(agentID string, op Operation) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Operation: op,
	}
}

// Query filters audit history. Results are newest-first, capped at MaxRows.
type Query struct {
	AgentID   string
	Operation Operation
	Since     time.Time
	Until     time.Time
	Limit     int
}

// MaxRows caps any single query result.
const MaxRows = 1000

func (q *Query) normalize() {
	if q.Limit <= 0 || q.Limit > MaxRows {
		q.Limit = MaxRows
	}
}

func (q *Query) matches(r *Record) bool {
	if q.AgentID != "" && r.AgentID != q.AgentID {
		return false
	}
	if q.Operation != "" && r.Operation != q.Operation {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Sink is an append-only audit store. Clear exists for tests only;
// there is deliberately no update or selective delete.
type Sink interface {
	Append(ctx context.Context, record *Record) error
	Search(ctx context.Context, query Query) ([]*Record, error)
	Clear(ctx context.Context) error
	Close() error
}
