package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Class partitions traffic so one kind of request cannot starve another.
type Class string

const (
	ClassBTPConnection Class = "BTP_CONNECTION"
	ClassBTPMessage    Class = "BTP_MESSAGE"
	ClassILPPacket     Class = "ILP_PACKET"
	ClassSettlement    Class = "SETTLEMENT"
	ClassHTTPAPI       Class = "HTTP_API"
)

// Decision is the outcome of a limiter check.
type Decision uint8

const (
	Allowed Decision = iota
	Throttled
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	default:
		return "blocked"
	}
}

// PeerLimit overrides the default rates for one peer.
type PeerLimit struct {
	MaxRequestsPerSecond float64
	MaxRequestsPerMinute float64
	BurstSize            float64
}

// Config holds limiter parameters; zero fields fall back to defaults.
type Config struct {
	MaxRequestsPerSecond float64
	MaxRequestsPerMinute float64
	BurstSize            float64
	BlockDuration        time.Duration
	ViolationThreshold   int
	ViolationWindow      time.Duration
	PeerLimits           map[string]PeerLimit
	TrustedPeers         []string
	Adaptive             bool
}

func (c *Config) applyDefaults() {
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = 100
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = c.MaxRequestsPerSecond * 60
	}
	if c.BurstSize <= 0 {
		c.BurstSize = c.MaxRequestsPerSecond * 2
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Minute
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = 10
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = time.Minute
	}
}

// Adaptive multiplier bounds.
const (
	multiplierFloor = 0.1
	multiplierCap   = 10.0
	multiplierStep  = 0.1
	trustStep       = 0.5
)

const shardCount = 16

// peerState is the limiter's view of one (peer, class) pair.
type peerState struct {
	secBucket    *TokenBucket
	minBucket    *TokenBucket
	violations   []time.Time
	blockedUntil time.Time
	multiplier   float64
	baseSecRate  float64
	lastSeen     time.Time
}

type shard struct {
	mu     sync.Mutex
	states map[string]*peerState
}

// Limiter decides whether a request from a peer of a given class is allowed,
// throttled, or blocked. State is sharded by (peer, class) key; a decision on
// one peer never touches another peer's buckets.
type Limiter struct {
	cfg     Config
	trusted map[string]bool
	shards  [shardCount]*shard
	log     *slog.Logger

	// Observer, when set, is invoked for every decision. The node wires it
	// to Prometheus counters and RATE_LIMITED telemetry.
	Observer func(peerID string, class Class, decision Decision)

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter and starts its background state eviction loop.
func NewLimiter(cfg Config, log *slog.Logger) *Limiter {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	l := &Limiter{
		cfg:     cfg,
		trusted: make(map[string]bool, len(cfg.TrustedPeers)),
		log:     log,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, p := range cfg.TrustedPeers {
		l.trusted[p] = true
	}
	for i := range l.shards {
		l.shards[i] = &shard{states: make(map[string]*peerState)}
	}
	go l.evictLoop()
	return l
}

// Close stops the eviction loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func shardIndex(key string) int {
	// FNV-1a, inlined; the key space is small and hot.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % shardCount)
}

func stateKey(peerID string, class Class) string {
	return peerID + "|" + string(class)
}

func (l *Limiter) limitsFor(peerID string) (rps, rpm, burst float64) {
	if pl, ok := l.cfg.PeerLimits[peerID]; ok {
		rps, rpm, burst = pl.MaxRequestsPerSecond, pl.MaxRequestsPerMinute, pl.BurstSize
	}
	if rps <= 0 {
		rps = l.cfg.MaxRequestsPerSecond
	}
	if rpm <= 0 {
		rpm = l.cfg.MaxRequestsPerMinute
	}
	if burst <= 0 {
		burst = l.cfg.BurstSize
	}
	return rps, rpm, burst
}

func (l *Limiter) stateFor(sh *shard, peerID string, class Class) *peerState {
	key := stateKey(peerID, class)
	st, ok := sh.states[key]
	if !ok {
		rps, rpm, burst := l.limitsFor(peerID)
		sec, _ := NewTokenBucket(burst, rps)
		min, _ := NewTokenBucket(rpm, rpm/60)
		sec.now, min.now = l.now, l.now
		sec.lastRefill, min.lastRefill = l.now(), l.now()
		st = &peerState{
			secBucket:   sec,
			minBucket:   min,
			multiplier:  1.0,
			baseSecRate: rps,
		}
		sh.states[key] = st
	}
	return st
}

// Check decides the fate of one request. It never blocks the caller.
func (l *Limiter) Check(peerID string, class Class) Decision {
	sh := l.shards[shardIndex(stateKey(peerID, class))]
	sh.mu.Lock()
	st := l.stateFor(sh, peerID, class)
	now := l.now()
	st.lastSeen = now

	var decision Decision
	switch {
	case now.Before(st.blockedUntil):
		decision = Blocked
	case !st.secBucket.TryConsume(1):
		decision = l.recordViolationLocked(st, peerID, now)
	case !st.minBucket.TryConsume(1):
		// Undo the second-window consume so a minute-limited peer keeps
		// its burst capacity for when the minute window reopens.
		st.secBucket.Refund(1)
		decision = l.recordViolationLocked(st, peerID, now)
	default:
		decision = Allowed
	}
	sh.mu.Unlock()

	if obs := l.Observer; obs != nil {
		obs(peerID, class, decision)
	}
	return decision
}

// recordViolationLocked appends a violation, trips the breaker past the
// threshold, and applies the adaptive penalty. Caller holds the shard lock.
func (l *Limiter) recordViolationLocked(st *peerState, peerID string, now time.Time) Decision {
	cutoff := now.Add(-l.cfg.ViolationWindow)
	kept := st.violations[:0]
	for _, v := range st.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	st.violations = append(kept, now)

	if l.cfg.Adaptive {
		st.multiplier = maxf(multiplierFloor, st.multiplier-multiplierStep)
		st.secBucket.SetRefillRate(st.baseSecRate * st.multiplier)
	}

	if len(st.violations) >= l.cfg.ViolationThreshold && !l.trusted[peerID] {
		st.blockedUntil = now.Add(l.cfg.BlockDuration)
		l.log.Warn("rate limiter tripped circuit breaker",
			"peer", peerID,
			"violations", len(st.violations),
			"blockedUntil", st.blockedUntil)
		return Blocked
	}
	return Throttled
}

// Unblock clears the circuit breaker and violation history for a peer across
// all classes.
func (l *Limiter) Unblock(peerID string) {
	prefix := peerID + "|"
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				st.blockedUntil = time.Time{}
				st.violations = nil
			}
		}
		sh.mu.Unlock()
	}
	l.log.Info("rate limiter unblocked peer", "peer", peerID)
}

// BlockedPeers returns the set of peers with an open circuit breaker in any
// class.
func (l *Limiter) BlockedPeers() map[string]bool {
	now := l.now()
	blocked := make(map[string]bool)
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if now.Before(st.blockedUntil) {
				for i := 0; i < len(key); i++ {
					if key[i] == '|' {
						blocked[key[:i]] = true
						break
					}
				}
			}
		}
		sh.mu.Unlock()
	}
	return blocked
}

// IncreaseTrust raises the adaptive multiplier for a peer across all classes,
// capped at 10x the configured rate.
func (l *Limiter) IncreaseTrust(peerID string) {
	if !l.cfg.Adaptive {
		return
	}
	prefix := peerID + "|"
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				st.multiplier = minf(multiplierCap, st.multiplier+trustStep)
				st.secBucket.SetRefillRate(st.baseSecRate * st.multiplier)
			}
		}
		sh.mu.Unlock()
	}
}

// Reset clears all limiter state for a peer.
func (l *Limiter) Reset(peerID string) {
	prefix := peerID + "|"
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key := range sh.states {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				delete(sh.states, key)
			}
		}
		sh.mu.Unlock()
	}
}

// evictLoop drops states idle for longer than an hour so one-off peers do not
// accumulate forever.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-time.Hour)
			for _, sh := range l.shards {
				sh.mu.Lock()
				for key, st := range sh.states {
					if st.lastSeen.Before(cutoff) && !l.now().Before(st.blockedUntil) {
						delete(sh.states, key)
					}
				}
				sh.mu.Unlock()
			}
		case <-l.stop:
			return
		}
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
