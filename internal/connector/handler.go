// Package connector implements the ILP data plane: the packet handler
// pipeline, per-peer spending limits, and net balance tracking.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/fraud"
	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/ratelimit"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// Forwarder sends a Prepare to a peer and waits for the correlated
// response. *btp.Session satisfies it.
type Forwarder interface {
	SendPrepare(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)
}

// SessionProvider resolves the live session for a peer id.
type SessionProvider interface {
	Session(peerID string) (Forwarder, bool)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(peerID string) (Forwarder, bool)

func (f SessionProviderFunc) Session(peerID string) (Forwarder, bool) { return f(peerID) }

// LocalReceiver delivers packets addressed under this node's own prefix.
type LocalReceiver interface {
	Deliver(ctx context.Context, from string, p *ilp.Prepare) (ilp.Packet, error)
}

// Timing parameters for the forward pipeline.
const (
	// minExpiryMargin is the minimum remaining lifetime a Prepare must
	// carry to be worth forwarding.
	minExpiryMargin = 100 * time.Millisecond

	// hopBudget is shaved off the expiry at each hop so this node can
	// still answer upstream after the downstream deadline fires.
	hopBudget = time.Second

	// maxHold caps how long a forwarded packet may stay in flight
	// regardless of the incoming expiry.
	maxHold = 30 * time.Second
)

// HandlerConfig wires the packet handler's collaborators.
type HandlerConfig struct {
	NodeID  string
	Address ilp.Address
}

// Handler is the ILP packet state machine: validate, rate-limit, route,
// forward, verify, respond. One instance serves all peers concurrently.
type Handler struct {
	cfg      HandlerConfig
	routes   *routing.Table
	limiter  *ratelimit.Limiter
	detector *fraud.Detector
	spending *SpendingGuard
	balances *Balances
	sessions SessionProvider
	events   *bus.Bus
	log      *slog.Logger

	local LocalReceiver

	now func() time.Time
}

func NewHandler(
	cfg HandlerConfig,
	routes *routing.Table,
	limiter *ratelimit.Limiter,
	detector *fraud.Detector,
	spending *SpendingGuard,
	balances *Balances,
	sessions SessionProvider,
	events *bus.Bus,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		routes:   routes,
		limiter:  limiter,
		detector: detector,
		spending: spending,
		balances: balances,
		sessions: sessions,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// SetLocalReceiver registers the delivery endpoint for packets addressed
// under this node's own prefix.
func (h *Handler) SetLocalReceiver(r LocalReceiver) { h.local = r }

// HandlePacket implements btp.Handler. Requests other than Prepare are
// protocol misuse and get a final reject.
func (h *Handler) HandlePacket(ctx context.Context, peerID string, pkt ilp.Packet) ilp.Packet {
	prepare, ok := pkt.(*ilp.Prepare)
	if !ok {
		return h.reject(ilp.CodeF00BadRequest, "request must be a prepare")
	}
	return h.handlePrepare(ctx, peerID, prepare)
}

func (h *Handler) handlePrepare(ctx context.Context, peerID string, prepare *ilp.Prepare) ilp.Packet {
	start := h.now()
	correlationID := uuid.NewString()
	log := h.log.With("peer", peerID, "destination", prepare.Destination, "correlationId", correlationID)

	if h.detector != nil && h.detector.IsPaused(peerID) {
		log.Warn("dropping packet from paused peer")
		return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeF99ApplicationError, "peer is paused"))
	}

	if h.limiter != nil {
		if decision := h.limiter.Check(peerID, ratelimit.ClassILPPacket); decision != ratelimit.Allowed {
			ev := telemetry.NewEvent(telemetry.EventRateLimited, h.cfg.NodeID)
			ev.PeerID = peerID
			ev.CorrelationID = correlationID
			ev.RateLimit = &telemetry.RateLimitPayload{
				Class:    string(ratelimit.ClassILPPacket),
				Decision: decision.String(),
			}
			h.emit(ev)
			return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
				h.reject(ilp.CodeT05RateLimited, "rate limit exceeded"))
		}
	}

	if resp := h.validate(prepare); resp != nil {
		return h.outcome(peerID, "", prepare, start, correlationID, "rejected", resp)
	}

	if h.spending != nil {
		if err := h.spending.Check(peerID, prepare.Amount); err != nil {
			code := ilp.CodeT04InsufficientLiquidity
			if errors.Is(err, ErrSingleLimit) {
				code = ilp.CodeF08AmountTooLarge
			}
			return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
				h.reject(code, err.Error()))
		}
	}

	if h.detector != nil {
		h.detector.Analyze(ctx, fraud.Event{
			Kind:      fraud.KindPacket,
			PeerID:    peerID,
			Amount:    float64(prepare.Amount),
			Timestamp: start,
		})
	}

	// Packets under our own prefix terminate here.
	if prepare.Destination.HasPrefix(h.cfg.Address) {
		return h.deliverLocal(ctx, peerID, prepare, start, correlationID)
	}

	route, err := h.routes.Lookup(prepare.Destination)
	if err != nil {
		log.Debug("no route for destination")
		return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeF02Unreachable, "no route to destination"))
	}

	session, ok := h.sessions.Session(route.NextHop)
	if !ok {
		log.Warn("next hop has no session", "nextHop", route.NextHop)
		return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeT01PeerUnreachable, "next hop unreachable"))
	}

	outbound := *prepare
	outbound.ExpiresAt = h.outboundExpiry(prepare.ExpiresAt, start)

	resp, err := session.SendPrepare(ctx, &outbound)
	if err != nil {
		return h.forwardFailure(peerID, route.NextHop, prepare, start, correlationID, err)
	}

	switch r := resp.(type) {
	case *ilp.Fulfill:
		if h.now().After(prepare.ExpiresAt) {
			// Expiry is authoritative: a late fulfill is dropped.
			log.Warn("dropping late fulfill past expiry")
			h.emitTimeout(peerID, route.NextHop, prepare, correlationID)
			return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "timeout",
				h.reject(ilp.CodeR00TransferTimedOut, "transfer timed out"))
		}
		if !ilp.VerifyCondition(r.Fulfillment, prepare.ExecutionCondition) {
			log.Warn("fulfillment does not match condition")
			return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "rejected",
				h.reject(ilp.CodeF05WrongCondition, "fulfillment does not hash to condition"))
		}
		h.settleFulfilled(peerID, route.NextHop, prepare, correlationID)
		return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "fulfilled", r)

	case *ilp.Reject:
		ev := telemetry.NewEvent(telemetry.EventPacketRejected, h.cfg.NodeID)
		ev.PeerID = peerID
		ev.CorrelationID = correlationID
		ev.Packet = &telemetry.PacketPayload{
			PeerIn:      peerID,
			PeerOut:     route.NextHop,
			Destination: string(prepare.Destination),
			Amount:      prepare.Amount,
			Code:        string(r.Code),
		}
		h.emit(ev)
		// Forward unchanged so triggeredBy survives intact.
		return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "rejected", r)

	default:
		log.Error("downstream returned a prepare")
		return h.outcome(peerID, route.NextHop, prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeT00InternalError, "unexpected response packet"))
	}
}

// validate enforces field bounds and a usable remaining lifetime.
func (h *Handler) validate(prepare *ilp.Prepare) ilp.Packet {
	if prepare.Amount == 0 {
		return h.reject(ilp.CodeF01InvalidPacket, "amount must be positive")
	}
	if _, err := ilp.ParseAddress(string(prepare.Destination)); err != nil {
		return h.reject(ilp.CodeF99ApplicationError, "invalid destination address")
	}
	if len(prepare.Data) > ilp.MaxDataLength {
		return h.reject(ilp.CodeF99ApplicationError, "data too long")
	}
	if !prepare.ExpiresAt.After(h.now().Add(minExpiryMargin)) {
		return h.reject(ilp.CodeR00TransferTimedOut, "insufficient remaining lifetime")
	}
	return nil
}

// outboundExpiry shaves the hop budget and caps the hold time. Short-lived
// packets keep at least the minimum margin so they still reach downstream.
func (h *Handler) outboundExpiry(incoming time.Time, now time.Time) time.Time {
	out := incoming.Add(-hopBudget)
	if floor := now.Add(minExpiryMargin); out.Before(floor) {
		out = floor
	}
	if out.After(incoming) {
		out = incoming
	}
	if hold := now.Add(maxHold); out.After(hold) {
		out = hold
	}
	return out
}

func (h *Handler) deliverLocal(ctx context.Context, peerID string, prepare *ilp.Prepare, start time.Time, correlationID string) ilp.Packet {
	if h.local == nil {
		return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeF02Unreachable, "no local receiver registered"))
	}
	resp, err := h.local.Deliver(ctx, peerID, prepare)
	if err != nil {
		h.log.Warn("local delivery failed", "peer", peerID, "error", err)
		return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeT00InternalError, "local delivery failed"))
	}
	if fulfill, ok := resp.(*ilp.Fulfill); ok {
		if !ilp.VerifyCondition(fulfill.Fulfillment, prepare.ExecutionCondition) {
			return h.outcome(peerID, "", prepare, start, correlationID, "rejected",
				h.reject(ilp.CodeF05WrongCondition, "fulfillment does not hash to condition"))
		}
		h.settleFulfilled(peerID, "", prepare, correlationID)
		return h.outcome(peerID, "", prepare, start, correlationID, "fulfilled", resp)
	}
	return h.outcome(peerID, "", prepare, start, correlationID, "rejected", resp)
}

func (h *Handler) forwardFailure(peerIn, peerOut string, prepare *ilp.Prepare, start time.Time, correlationID string, err error) ilp.Packet {
	switch {
	case errors.Is(err, btp.ErrNotOpen):
		return h.outcome(peerIn, peerOut, prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeT01PeerUnreachable, "next hop unreachable"))
	case errors.Is(err, btp.ErrRequestTimed), errors.Is(err, btp.ErrSessionClosed), errors.Is(err, context.DeadlineExceeded):
		h.emitTimeout(peerIn, peerOut, prepare, correlationID)
		return h.outcome(peerIn, peerOut, prepare, start, correlationID, "timeout",
			h.reject(ilp.CodeR00TransferTimedOut, "transfer timed out"))
	default:
		h.log.Warn("forward failed", "peerOut", peerOut, "error", err)
		return h.outcome(peerIn, peerOut, prepare, start, correlationID, "rejected",
			h.reject(ilp.CodeT00InternalError, "forward failed"))
	}
}

// settleFulfilled commits spend and moves balances after a verified fulfill.
func (h *Handler) settleFulfilled(peerIn, peerOut string, prepare *ilp.Prepare, correlationID string) {
	if h.spending != nil && peerIn != "" {
		h.spending.Commit(peerIn, prepare.Amount)
	}
	if h.balances != nil {
		h.balances.Apply(peerIn, peerOut, prepare.Amount)
	}
	ev := telemetry.NewEvent(telemetry.EventPacketFulfilled, h.cfg.NodeID)
	ev.PeerID = peerIn
	ev.CorrelationID = correlationID
	ev.Packet = &telemetry.PacketPayload{
		PeerIn:      peerIn,
		PeerOut:     peerOut,
		Destination: string(prepare.Destination),
		Amount:      prepare.Amount,
		Outcome:     "fulfilled",
	}
	h.emit(ev)
}

func (h *Handler) emitTimeout(peerIn, peerOut string, prepare *ilp.Prepare, correlationID string) {
	ev := telemetry.NewEvent(telemetry.EventPacketTimeout, h.cfg.NodeID)
	ev.PeerID = peerIn
	ev.CorrelationID = correlationID
	ev.Packet = &telemetry.PacketPayload{
		PeerIn:      peerIn,
		PeerOut:     peerOut,
		Destination: string(prepare.Destination),
		Amount:      prepare.Amount,
		Outcome:     "timeout",
	}
	h.emit(ev)
}

// outcome emits the terminal PACKET_PROCESSED event and passes the
// response through.
func (h *Handler) outcome(peerIn, peerOut string, prepare *ilp.Prepare, start time.Time, correlationID, result string, resp ilp.Packet) ilp.Packet {
	ev := telemetry.NewEvent(telemetry.EventPacketProcessed, h.cfg.NodeID)
	ev.PeerID = peerIn
	ev.CorrelationID = correlationID
	ev.Direction = "incoming"
	payload := &telemetry.PacketPayload{
		PeerIn:      peerIn,
		PeerOut:     peerOut,
		Destination: string(prepare.Destination),
		Amount:      prepare.Amount,
		LatencyMs:   h.now().Sub(start).Milliseconds(),
		Outcome:     result,
	}
	if reject, ok := resp.(*ilp.Reject); ok {
		payload.Code = string(reject.Code)
	}
	ev.Packet = payload
	h.emit(ev)
	return resp
}

func (h *Handler) reject(code ilp.ErrorCode, message string) *ilp.Reject {
	return &ilp.Reject{Code: code, TriggeredBy: h.cfg.Address, Message: message}
}

func (h *Handler) emit(ev *telemetry.Event) {
	if h.events != nil {
		h.events.Emit(ev)
	}
}
