package fraud

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu         sync.Mutex
	detections []string
	paused     []string
	resumed    []string
}

func (n *recordingNotifier) FraudDetected(peerID, rule string, severity Severity, details string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detections = append(n.detections, peerID+"/"+rule)
}

func (n *recordingNotifier) PeerPaused(peerID string, reason PauseReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = append(n.paused, peerID)
}

func (n *recordingNotifier) PeerResumed(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resumed = append(n.resumed, peerID)
}

func newTestDetector(rules ...Rule) (*Detector, *recordingNotifier) {
	notifier := &recordingNotifier{}
	d := NewDetector(Config{
		Enabled:           true,
		RapidFundingLimit: 3,
		UnusualStdDev:     3,
	}, notifier, slog.Default(), rules...)
	return d, notifier
}

func TestParseSeverity(t *testing.T) {
	for _, want := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		got, ok := ParseSeverity(want.String())
		require.True(t, ok, want.String())
		assert.Equal(t, want, got)
	}
	_, ok := ParseSeverity("extreme")
	assert.False(t, ok)
}

func TestPauseThresholdAboveDetectionSeverity(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDetector(Config{
		Enabled:            true,
		AutoPauseThreshold: SeverityCritical,
		RapidFundingLimit:  3,
	}, notifier, slog.Default())
	ctx := context.Background()

	// Rapid funding detects at high severity, below the critical bar.
	for i := 0; i < 4; i++ {
		d.Analyze(ctx, Event{Kind: KindChannel, PeerID: "mallory", Funding: true})
	}

	assert.False(t, d.IsPaused("mallory"), "high severity must not pause a critical-threshold detector")
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Contains(t, notifier.detections, "mallory/rapid-funding", "detection still notifies")
	assert.Empty(t, notifier.paused)
}

func TestRapidFundingTriggersAndPauses(t *testing.T) {
	d, notifier := newTestDetector()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Analyze(ctx, Event{Kind: KindChannel, PeerID: "mallory", Funding: true})
	}
	assert.False(t, d.IsPaused("mallory"), "at the limit, no pause")

	// Fourth funding inside the hour crosses limit=3.
	d.Analyze(ctx, Event{Kind: KindChannel, PeerID: "mallory", Funding: true})

	assert.True(t, d.IsPaused("mallory"))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Contains(t, notifier.detections, "mallory/rapid-funding")
	assert.Contains(t, notifier.paused, "mallory")
}

func TestPausedPeerEventsIgnored(t *testing.T) {
	d, notifier := newTestDetector()
	ctx := context.Background()

	d.Pause("mallory", "manual", "operator", SeverityCritical)
	for i := 0; i < 10; i++ {
		d.Analyze(ctx, Event{Kind: KindChannel, PeerID: "mallory", Funding: true})
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.detections, "events from paused peers are dropped before rules run")
}

func TestResumeNotifies(t *testing.T) {
	d, notifier := newTestDetector()

	d.Pause("mallory", "test", "manual", SeverityHigh)
	require.True(t, d.IsPaused("mallory"))

	d.Resume("mallory")
	assert.False(t, d.IsPaused("mallory"))

	// Resuming a peer that is not paused does not notify again.
	d.Resume("mallory")
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"mallory"}, notifier.resumed)
}

func TestPauseIsIdempotent(t *testing.T) {
	d, notifier := newTestDetector()

	d.Pause("mallory", "first", "rule-a", SeverityHigh)
	d.Pause("mallory", "second", "rule-b", SeverityCritical)

	reasons := d.PausedPeers()
	require.Len(t, reasons, 1)
	assert.Equal(t, "first", reasons["mallory"].Reason)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"mallory"}, notifier.paused)
}

type panickyRule struct{}

func (panickyRule) Name() string { return "panicky" }
func (panickyRule) Check(context.Context, Event, *PeerHistory) Detection {
	panic("rule exploded")
}

type countingRule struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRule) Name() string { return "counting" }
func (r *countingRule) Check(context.Context, Event, *PeerHistory) Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return Detection{}
}

func TestRuleFailureDoesNotAbortOthers(t *testing.T) {
	counter := &countingRule{}
	d, _ := newTestDetector(panickyRule{}, counter)

	d.Analyze(context.Background(), Event{Kind: KindPacket, PeerID: "alice", Amount: 10})

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.calls)
}

func TestDisabledDetectorIsInert(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDetector(Config{Enabled: false}, notifier, slog.Default())

	for i := 0; i < 20; i++ {
		d.Analyze(context.Background(), Event{Kind: KindChannel, PeerID: "mallory", Funding: true})
	}
	assert.False(t, d.IsPaused("mallory"))
}

func TestStatisticalOutlierAmount(t *testing.T) {
	rule := NewStatisticalOutlierRule(3)
	history := NewPeerHistory(time.Now)

	// Build a stable baseline of 12 same-token transactions around 100.
	amounts := []float64{98, 101, 99, 100, 102, 97, 103, 100, 99, 101, 100, 98}
	for _, a := range amounts {
		history.Record(Event{Kind: KindPacket, Token: "USD", Amount: a, Timestamp: time.Now()})
	}

	normal := Event{Kind: KindPacket, Token: "USD", Amount: 104, Timestamp: time.Now()}
	history.Record(normal)
	assert.False(t, rule.Check(context.Background(), normal, history).Detected)

	spike := Event{Kind: KindPacket, Token: "USD", Amount: 5000, Timestamp: time.Now()}
	history.Record(spike)
	det := rule.Check(context.Background(), spike, history)
	assert.True(t, det.Detected)
	assert.Equal(t, SeverityHigh, det.Severity)
}

func TestStatisticalOutlierNewToken(t *testing.T) {
	rule := NewStatisticalOutlierRule(3)
	history := NewPeerHistory(time.Now)

	first := Event{Kind: KindPacket, Token: "USD", Amount: 100, Timestamp: time.Now()}
	history.Record(first)
	assert.False(t, rule.Check(context.Background(), first, history).Detected,
		"the very first transaction has no prior history")

	newToken := Event{Kind: KindPacket, Token: "XRP", Amount: 100, Timestamp: time.Now()}
	history.Record(newToken)
	det := rule.Check(context.Background(), newToken, history)
	assert.True(t, det.Detected)
	assert.Equal(t, SeverityMedium, det.Severity)
}

func TestStatisticalOutlierNeedsTenSamples(t *testing.T) {
	rule := NewStatisticalOutlierRule(3)
	history := NewPeerHistory(time.Now)

	for i := 0; i < 5; i++ {
		history.Record(Event{Kind: KindPacket, Token: "USD", Amount: 100, Timestamp: time.Now()})
	}
	spike := Event{Kind: KindPacket, Token: "USD", Amount: 100000, Timestamp: time.Now()}
	history.Record(spike)
	assert.False(t, rule.Check(context.Background(), spike, history).Detected,
		"fewer than 10 samples must not trigger the z-score branch")
}

func TestFundingWindowPrunes(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	history := NewPeerHistory(now)

	history.Record(Event{Funding: true, Timestamp: clock.Add(-2 * time.Hour)})
	history.Record(Event{Funding: true, Timestamp: clock.Add(-30 * time.Minute)})
	history.Record(Event{Funding: true, Timestamp: clock})

	assert.Equal(t, 2, history.FundingCount(), "events older than 1h are pruned")
}
