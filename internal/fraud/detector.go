// Package fraud scores settlement, packet, and channel activity against a set
// of pluggable rules and pauses peers whose behaviour crosses the line.
package fraud

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity ranks a detection.
type Severity uint8

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a severity name to its value. Matching is
// case-sensitive on the lowercase names String returns.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return 0, false
	}
}

// EventKind distinguishes the activity streams the detector watches.
type EventKind uint8

const (
	KindSettlement EventKind = iota
	KindPacket
	KindChannel
)

// Event is one observation about a peer.
type Event struct {
	Kind      EventKind
	PeerID    string
	Token     string // asset/token identifier, for per-token statistics
	Amount    float64
	Funding   bool // channel funding event
	Timestamp time.Time
}

// Detection is a rule verdict.
type Detection struct {
	Detected bool
	Severity Severity
	Details  string
}

// Rule inspects one event in the context of the peer's history.
// Check runs concurrently with other rules; implementations must be
// goroutine-safe with respect to their own state.
type Rule interface {
	Name() string
	Check(ctx context.Context, event Event, history *PeerHistory) Detection
}

// PauseReason records why a peer was paused.
type PauseReason struct {
	Reason   string    `json:"reason"`
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	PausedAt time.Time `json:"pausedAt"`
}

// Notifier receives detector outcomes. The node wires it to telemetry and the
// audit sink.
type Notifier interface {
	FraudDetected(peerID, rule string, severity Severity, details string)
	PeerPaused(peerID string, reason PauseReason)
	PeerResumed(peerID string)
}

// Config tunes the detector.
type Config struct {
	Enabled            bool
	AutoPauseThreshold Severity      // pause when severity >= threshold
	RapidFundingLimit  int           // fundings per hour before detection
	UnusualStdDev      float64       // z-score threshold for outlier amounts
	RuleTimeout        time.Duration // per-rule check budget
}

func (c *Config) applyDefaults() {
	if c.AutoPauseThreshold == 0 {
		c.AutoPauseThreshold = SeverityHigh
	}
	if c.RapidFundingLimit <= 0 {
		c.RapidFundingLimit = 5
	}
	if c.UnusualStdDev <= 0 {
		c.UnusualStdDev = 3.0
	}
	if c.RuleTimeout <= 0 {
		c.RuleTimeout = 5 * time.Second
	}
}

// Detector fans events out to its rules and enforces the auto-pause policy.
type Detector struct {
	cfg      Config
	rules    []Rule
	log      *slog.Logger
	notifier Notifier

	mu        sync.RWMutex
	paused    map[string]PauseReason
	histories map[string]*PeerHistory

	now func() time.Time
}

// NewDetector builds a detector with the given rules. Passing no rules
// installs the two built-ins (rapid funding, statistical outlier).
func NewDetector(cfg Config, notifier Notifier, log *slog.Logger, rules ...Rule) *Detector {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if len(rules) == 0 {
		rules = []Rule{
			NewRapidFundingRule(cfg.RapidFundingLimit),
			NewStatisticalOutlierRule(cfg.UnusualStdDev),
		}
	}
	return &Detector{
		cfg:       cfg,
		rules:     rules,
		log:       log,
		notifier:  notifier,
		paused:    make(map[string]PauseReason),
		histories: make(map[string]*PeerHistory),
		now:       time.Now,
	}
}

// Analyze records the event and runs every rule concurrently. Events from
// paused peers are ignored. A failing or slow rule is logged and skipped;
// the others still run to completion.
func (d *Detector) Analyze(ctx context.Context, event Event) {
	if !d.cfg.Enabled {
		return
	}
	if d.IsPaused(event.PeerID) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}

	history := d.historyFor(event.PeerID)
	history.Record(event)

	var wg sync.WaitGroup
	for _, rule := range d.rules {
		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Warn("fraud rule panicked", "rule", rule.Name(), "panic", r)
				}
			}()

			ruleCtx, cancel := context.WithTimeout(ctx, d.cfg.RuleTimeout)
			defer cancel()

			det := rule.Check(ruleCtx, event, history)
			if !det.Detected {
				return
			}
			d.log.Warn("fraud detected",
				"peer", event.PeerID,
				"rule", rule.Name(),
				"severity", det.Severity.String(),
				"details", det.Details)
			if d.notifier != nil {
				d.notifier.FraudDetected(event.PeerID, rule.Name(), det.Severity, det.Details)
			}
			if det.Severity >= d.cfg.AutoPauseThreshold {
				d.Pause(event.PeerID, det.Details, rule.Name(), det.Severity)
			}
		}(rule)
	}
	wg.Wait()
}

// Pause marks a peer as paused. Idempotent; the first reason sticks.
func (d *Detector) Pause(peerID, reason, rule string, severity Severity) {
	d.mu.Lock()
	if _, already := d.paused[peerID]; already {
		d.mu.Unlock()
		return
	}
	pr := PauseReason{Reason: reason, Rule: rule, Severity: severity, PausedAt: d.now()}
	d.paused[peerID] = pr
	d.mu.Unlock()

	d.log.Warn("peer paused", "peer", peerID, "rule", rule, "reason", reason)
	if d.notifier != nil {
		d.notifier.PeerPaused(peerID, pr)
	}
}

// Resume lifts a pause. Unknown peers are a no-op.
func (d *Detector) Resume(peerID string) {
	d.mu.Lock()
	_, was := d.paused[peerID]
	delete(d.paused, peerID)
	d.mu.Unlock()

	if was {
		d.log.Info("peer resumed", "peer", peerID)
		if d.notifier != nil {
			d.notifier.PeerResumed(peerID)
		}
	}
}

// IsPaused reports whether the peer is currently paused.
func (d *Detector) IsPaused(peerID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.paused[peerID]
	return ok
}

// PausedPeers returns a snapshot of all paused peers and why.
func (d *Detector) PausedPeers() map[string]PauseReason {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]PauseReason, len(d.paused))
	for k, v := range d.paused {
		out[k] = v
	}
	return out
}

// ResetHistory drops the recorded history for a peer. Explicit operator
// action only; history otherwise survives disconnects.
func (d *Detector) ResetHistory(peerID string) {
	d.mu.Lock()
	delete(d.histories, peerID)
	d.mu.Unlock()
}

func (d *Detector) historyFor(peerID string) *PeerHistory {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[peerID]
	if !ok {
		h = NewPeerHistory(d.now)
		d.histories[peerID] = h
	}
	return h
}
