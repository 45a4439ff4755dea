package connector

import (
	"errors"
	"sync"
	"time"
)

// Spending limit violations, mapped to reject codes by the handler.
var (
	ErrSingleLimit  = errors.New("connector: amount exceeds single-transfer limit")
	ErrDailyLimit   = errors.New("connector: daily spending limit exhausted")
	ErrMonthlyLimit = errors.New("connector: monthly spending limit exhausted")
)

// Limits caps what a single peer may move through this node. Zero fields
// are unlimited.
type Limits struct {
	MaxSingle  uint64 `yaml:"maxSingle" json:"maxSingle"`
	MaxDaily   uint64 `yaml:"maxDaily" json:"maxDaily"`
	MaxMonthly uint64 `yaml:"maxMonthly" json:"maxMonthly"`
}

type spendWindow struct {
	day        time.Time // start of the current UTC day
	daySpent   uint64
	month      time.Time // start of the current UTC month
	monthSpent uint64
}

// SpendingGuard tracks rolling per-peer spend against configured limits.
// Check is called before a forward; Commit only after a Fulfill, so
// rejected and timed-out transfers do not consume budget.
type SpendingGuard struct {
	mu       sync.Mutex
	defaults Limits
	perPeer  map[string]Limits
	windows  map[string]*spendWindow

	now func() time.Time
}

func NewSpendingGuard(defaults Limits) *SpendingGuard {
	return &SpendingGuard{
		defaults: defaults,
		perPeer:  make(map[string]Limits),
		windows:  make(map[string]*spendWindow),
		now:      time.Now,
	}
}

// SetLimits overrides the default limits for one peer.
func (g *SpendingGuard) SetLimits(peerID string, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perPeer[peerID] = limits
}

func (g *SpendingGuard) limitsFor(peerID string) Limits {
	if l, ok := g.perPeer[peerID]; ok {
		return l
	}
	return g.defaults
}

func (g *SpendingGuard) windowFor(peerID string, now time.Time) *spendWindow {
	w, ok := g.windows[peerID]
	if !ok {
		w = &spendWindow{}
		g.windows[peerID] = w
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if !w.day.Equal(day) {
		w.day = day
		w.daySpent = 0
	}
	month := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	if !w.month.Equal(month) {
		w.month = month
		w.monthSpent = 0
	}
	return w
}

// Check reports whether amount fits within the peer's remaining budget.
func (g *SpendingGuard) Check(peerID string, amount uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.limitsFor(peerID)
	if limits.MaxSingle > 0 && amount > limits.MaxSingle {
		return ErrSingleLimit
	}
	w := g.windowFor(peerID, g.now())
	if limits.MaxDaily > 0 && w.daySpent+amount > limits.MaxDaily {
		return ErrDailyLimit
	}
	if limits.MaxMonthly > 0 && w.monthSpent+amount > limits.MaxMonthly {
		return ErrMonthlyLimit
	}
	return nil
}

// Commit records a fulfilled transfer against the peer's windows.
func (g *SpendingGuard) Commit(peerID string, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowFor(peerID, g.now())
	w.daySpent += amount
	w.monthSpent += amount
}

// Spent returns the peer's consumed budget in the current day and month.
func (g *SpendingGuard) Spent(peerID string) (day, month uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowFor(peerID, g.now())
	return w.daySpent, w.monthSpent
}
