package fraud

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	fundingWindow = time.Hour
	historyWindow = 30 * 24 * time.Hour
	minSamples    = 10
)

// PeerHistory is the per-peer rolling record the rules consult: funding
// events over the last hour and transactions over the last 30 days.
type PeerHistory struct {
	mu           sync.RWMutex
	fundings     []time.Time
	transactions []txRecord
	now          func() time.Time
}

type txRecord struct {
	token  string
	amount float64
	at     time.Time
}

// NewPeerHistory creates an empty history on the given clock.
func NewPeerHistory(now func() time.Time) *PeerHistory {
	if now == nil {
		now = time.Now
	}
	return &PeerHistory{now: now}
}

// Record adds the event to the relevant windows and prunes expired entries.
func (h *PeerHistory) Record(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutNow := h.now()
	if event.Funding {
		h.fundings = append(h.fundings, event.Timestamp)
		kept := h.fundings[:0]
		for _, t := range h.fundings {
			if cutNow.Sub(t) <= fundingWindow {
				kept = append(kept, t)
			}
		}
		h.fundings = kept
	}
	if event.Kind == KindSettlement || event.Kind == KindPacket {
		h.transactions = append(h.transactions, txRecord{
			token:  event.Token,
			amount: event.Amount,
			at:     event.Timestamp,
		})
		kept := h.transactions[:0]
		for _, tx := range h.transactions {
			if cutNow.Sub(tx.at) <= historyWindow {
				kept = append(kept, tx)
			}
		}
		h.transactions = kept
	}
}

// FundingCount returns the number of funding events in the rolling hour.
func (h *PeerHistory) FundingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	cutoff := h.now().Add(-fundingWindow)
	for _, t := range h.fundings {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// tokenStats returns mean, standard deviation, and sample count for a token,
// excluding the most recent transaction (the one under evaluation).
func (h *PeerHistory) tokenStats(token string) (mean, stddev float64, n int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var sum float64
	var amounts []float64
	for i, tx := range h.transactions {
		if tx.token != token || i == len(h.transactions)-1 {
			continue
		}
		amounts = append(amounts, tx.amount)
		sum += tx.amount
	}
	n = len(amounts)
	if n == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(n)
	var sq float64
	for _, a := range amounts {
		sq += (a - mean) * (a - mean)
	}
	stddev = math.Sqrt(sq / float64(n))
	return mean, stddev, n
}

// knownTokens returns the distinct tokens seen before the latest transaction.
func (h *PeerHistory) knownTokens() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tokens := make(map[string]bool)
	for i, tx := range h.transactions {
		if i == len(h.transactions)-1 {
			continue
		}
		tokens[tx.token] = true
	}
	return tokens
}

// RapidFundingRule flags peers that fund channels faster than the limit
// allows within the rolling hour.
type RapidFundingRule struct {
	limit int
}

func NewRapidFundingRule(limit int) *RapidFundingRule {
	return &RapidFundingRule{limit: limit}
}

func (r *RapidFundingRule) Name() string { return "rapid-funding" }

func (r *RapidFundingRule) Check(_ context.Context, event Event, history *PeerHistory) Detection {
	if !event.Funding {
		return Detection{}
	}
	count := history.FundingCount()
	if count <= r.limit {
		return Detection{}
	}
	return Detection{
		Detected: true,
		Severity: SeverityHigh,
		Details:  fmt.Sprintf("%d funding events in the last hour (limit %d)", count, r.limit),
	}
}

// StatisticalOutlierRule flags transactions whose amount deviates more than
// stdDevs standard deviations from the peer's per-token mean (with at least
// 10 prior same-token samples), and first use of a new token after the peer
// has an established history.
type StatisticalOutlierRule struct {
	stdDevs float64
}

func NewStatisticalOutlierRule(stdDevs float64) *StatisticalOutlierRule {
	return &StatisticalOutlierRule{stdDevs: stdDevs}
}

func (r *StatisticalOutlierRule) Name() string { return "statistical-outlier" }

func (r *StatisticalOutlierRule) Check(_ context.Context, event Event, history *PeerHistory) Detection {
	if event.Kind != KindSettlement && event.Kind != KindPacket {
		return Detection{}
	}

	known := history.knownTokens()
	if len(known) >= 1 && !known[event.Token] {
		return Detection{
			Detected: true,
			Severity: SeverityMedium,
			Details:  fmt.Sprintf("first transaction in new token %q", event.Token),
		}
	}

	mean, stddev, n := history.tokenStats(event.Token)
	if n < minSamples || stddev == 0 {
		return Detection{}
	}
	z := math.Abs(event.Amount-mean) / stddev
	if z <= r.stdDevs {
		return Detection{}
	}
	return Detection{
		Detected: true,
		Severity: SeverityHigh,
		Details: fmt.Sprintf("amount %.2f is %.1f stddev from token mean %.2f (n=%d)",
			event.Amount, z, mean, n),
	}
}
