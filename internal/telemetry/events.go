// Package telemetry defines the connector's event model and the bounded
// batching buffer that sits in front of persistence.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a telemetry event variant.
type EventType string

const (
	EventAccountBalance       EventType = "ACCOUNT_BALANCE"
	EventPacketProcessed      EventType = "PACKET_PROCESSED"
	EventPacketFulfilled      EventType = "PACKET_FULFILLED"
	EventPacketRejected       EventType = "PACKET_REJECTED"
	EventPacketTimeout        EventType = "PACKET_TIMEOUT"
	EventSettlementTriggered  EventType = "SETTLEMENT_TRIGGERED"
	EventChannelOpened        EventType = "CHANNEL_OPENED"
	EventChannelClosed        EventType = "CHANNEL_CLOSED"
	EventFraudDetected        EventType = "FRAUD_DETECTED"
	EventPeerPaused           EventType = "PEER_PAUSED"
	EventPeerResumed          EventType = "PEER_RESUMED"
	EventRateLimited          EventType = "RATE_LIMITED"
	EventTelemetryDropped     EventType = "TELEMETRY_DROPPED"
	EventDatabaseSizeExceeded EventType = "DATABASE_SIZE_EXCEEDED"
)

// Event is one telemetry record. Exactly one payload pointer is set,
// matching Type; JSON serialization is total over the variant set.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	NodeID        string    `json:"nodeId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`

	// Indexed metadata, denormalized for query filters.
	PeerID    string `json:"peerId,omitempty"`
	PacketID  string `json:"packetId,omitempty"`
	Direction string `json:"direction,omitempty"`

	Packet     *PacketPayload     `json:"packet,omitempty"`
	Balance    *BalancePayload    `json:"balance,omitempty"`
	Settlement *SettlementPayload `json:"settlement,omitempty"`
	Channel    *ChannelPayload    `json:"channel,omitempty"`
	Fraud      *FraudPayload      `json:"fraud,omitempty"`
	RateLimit  *RateLimitPayload  `json:"rateLimit,omitempty"`
	Note       string             `json:"note,omitempty"`
}

// PacketPayload describes a processed, rejected, or timed-out packet.
type PacketPayload struct {
	PeerIn      string `json:"peerIn,omitempty"`
	PeerOut     string `json:"peerOut,omitempty"`
	Destination string `json:"destination,omitempty"`
	Amount      uint64 `json:"amount"`
	LatencyMs   int64  `json:"latencyMs"`
	Outcome     string `json:"outcome,omitempty"` // fulfilled | rejected | timeout
	Code        string `json:"code,omitempty"`    // reject code, when rejected
}

// BalancePayload carries a peer's net balance after a change.
type BalancePayload struct {
	Token   string `json:"token,omitempty"`
	Balance int64  `json:"balance"`
}

// SettlementPayload describes a triggered settlement.
type SettlementPayload struct {
	Token     string `json:"token,omitempty"`
	Amount    int64  `json:"amount"`
	Direction string `json:"direction,omitempty"` // incoming | outgoing
}

// ChannelPayload describes a payment-channel lifecycle event.
type ChannelPayload struct {
	ChannelID string `json:"channelId"`
	Token     string `json:"token,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
}

// FraudPayload describes a fraud detection or pause/resume.
type FraudPayload struct {
	Rule     string `json:"rule,omitempty"`
	Severity string `json:"severity,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RateLimitPayload describes a limiter decision worth recording.
type RateLimitPayload struct {
	Class    string `json:"class"`
	Decision string `json:"decision"`
}

// NewEvent stamps a fresh event of the given type for nodeID.
func NewEvent(typ EventType, nodeID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	}
}
