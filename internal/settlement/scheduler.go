package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// Config tunes the settlement scheduler.
type Config struct {
	NodeID string

	// Threshold triggers a settlement when |balance| reaches it.
	Threshold int64

	// SettleTimeout bounds one driver call.
	SettleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 1_000_000
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 30 * time.Second
	}
}

// Scheduler watches per-peer balances and calls the driver once a balance
// crosses the threshold. One settlement per peer runs at a time.
type Scheduler struct {
	cfg    Config
	driver Driver
	events *bus.Bus
	log    *slog.Logger

	// OnSettled is invoked after a successful driver call with the signed
	// amount that was settled. The node wires it to the authoritative
	// balance tracker so settled funds are actually debited; without it
	// only the scheduler's shadow view moves.
	OnSettled func(peerID string, amount int64)

	mu       sync.Mutex
	balances map[string]int64
	inFlight map[string]bool

	wg sync.WaitGroup
}

func NewScheduler(cfg Config, driver Driver, events *bus.Bus, log *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		driver:   driver,
		events:   events,
		log:      log,
		balances: make(map[string]int64),
		inFlight: make(map[string]bool),
	}
}

// OnBalance is wired to the balance tracker's change hook. Crossing the
// threshold kicks off an async settlement for that peer.
func (s *Scheduler) OnBalance(peerID string, balance int64) {
	s.mu.Lock()
	s.balances[peerID] = balance
	trigger := abs(balance) >= s.cfg.Threshold && !s.inFlight[peerID]
	if trigger {
		s.inFlight[peerID] = true
	}
	s.mu.Unlock()

	if !trigger {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.settle(peerID, balance)
	}()
}

func (s *Scheduler) settle(peerID string, balance int64) {
	defer func() {
		s.mu.Lock()
		s.inFlight[peerID] = false
		s.mu.Unlock()
	}()

	direction := "incoming"
	if balance < 0 {
		direction = "outgoing"
	}
	s.emitTriggered(peerID, balance, direction)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()
	// Settling the negated balance brings the peer back toward zero.
	ref, err := s.driver.Settle(ctx, peerID, -balance)
	if err != nil {
		s.log.Error("settlement failed", "peer", peerID, "amount", -balance, "error", err)
		return
	}
	s.log.Info("settlement complete", "peer", peerID, "amount", -balance, "ref", ref)

	if s.OnSettled != nil {
		// The tracker's change hook feeds the settled balance back through
		// OnBalance, so the shadow view follows the authoritative one.
		s.OnSettled(peerID, -balance)
		return
	}
	s.mu.Lock()
	s.balances[peerID] += -balance
	s.mu.Unlock()
}

func (s *Scheduler) emitTriggered(peerID string, balance int64, direction string) {
	if s.events == nil {
		return
	}
	ev := telemetry.NewEvent(telemetry.EventSettlementTriggered, s.cfg.NodeID)
	ev.PeerID = peerID
	ev.Settlement = &telemetry.SettlementPayload{Amount: balance, Direction: direction}
	s.events.Emit(ev)
}

// Balance returns the scheduler's view of a peer's balance.
func (s *Scheduler) Balance(peerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[peerID]
}

// Wait blocks until in-flight settlements finish. Used at shutdown.
func (s *Scheduler) Wait() { s.wg.Wait() }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
