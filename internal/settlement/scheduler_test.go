package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/telemetry"
)

type recordingDriver struct {
	mu      sync.Mutex
	settled map[string][]int64
	fail    bool
	block   chan struct{} // when set, Settle waits on it
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{settled: make(map[string][]int64)}
}

func (d *recordingDriver) Open(context.Context, string) error  { return nil }
func (d *recordingDriver) Close(context.Context, string) error { return nil }

func (d *recordingDriver) Settle(_ context.Context, peerID string, amount int64) (string, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return "", errors.New("ledger unavailable")
	}
	d.settled[peerID] = append(d.settled[peerID], amount)
	return "ref-1", nil
}

func (d *recordingDriver) amounts(peerID string) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.settled[peerID]...)
}

func TestSettlesPastThreshold(t *testing.T) {
	driver := newRecordingDriver()
	events := bus.New(nil)
	defer events.Close()

	var mu sync.Mutex
	var triggered []*telemetry.Event
	events.Subscribe(func(ev *telemetry.Event) {
		if ev.Type == telemetry.EventSettlementTriggered {
			mu.Lock()
			triggered = append(triggered, ev)
			mu.Unlock()
		}
	})

	s := NewScheduler(Config{NodeID: "node-1", Threshold: 100}, driver, events, nil)

	s.OnBalance("alice", 50)
	s.Wait()
	assert.Empty(t, driver.amounts("alice"), "below threshold, no settlement")

	s.OnBalance("alice", 120)
	s.Wait()
	require.Equal(t, []int64{-120}, driver.amounts("alice"), "settles the negated balance")
	assert.Zero(t, s.Balance("alice"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(triggered) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "incoming", triggered[0].Settlement.Direction)
	mu.Unlock()
}

func TestNegativeBalanceSettlesOutgoing(t *testing.T) {
	driver := newRecordingDriver()
	s := NewScheduler(Config{NodeID: "node-1", Threshold: 100}, driver, nil, nil)

	s.OnBalance("bob", -150)
	s.Wait()
	assert.Equal(t, []int64{150}, driver.amounts("bob"))
}

func TestSingleFlightPerPeer(t *testing.T) {
	driver := newRecordingDriver()
	driver.block = make(chan struct{})
	s := NewScheduler(Config{NodeID: "node-1", Threshold: 10}, driver, nil, nil)

	// A burst of balance updates past the threshold must not stack
	// settlements for the same peer.
	s.OnBalance("alice", 20)
	s.OnBalance("alice", 25)
	s.OnBalance("alice", 30)
	close(driver.block)
	s.Wait()

	got := driver.amounts("alice")
	assert.Len(t, got, 1, "one settlement in flight at a time")
}

// testLedger stands in for the connector's balance tracker: adjustments
// change the net balance and feed it back through onChange.
type testLedger struct {
	mu       sync.Mutex
	net      map[string]int64
	onChange func(peerID string, balance int64)
}

func (l *testLedger) add(peerID string, delta int64) {
	l.mu.Lock()
	l.net[peerID] += delta
	bal := l.net[peerID]
	l.mu.Unlock()
	l.onChange(peerID, bal)
}

func (l *testLedger) get(peerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.net[peerID]
}

func TestSettlementDebitsAuthoritativeBalance(t *testing.T) {
	driver := newRecordingDriver()
	s := NewScheduler(Config{NodeID: "node-1", Threshold: 100}, driver, nil, nil)

	ledger := &testLedger{net: make(map[string]int64)}
	ledger.onChange = s.OnBalance
	s.OnSettled = ledger.add

	ledger.add("alice", 100)
	s.Wait()
	require.Equal(t, []int64{-100}, driver.amounts("alice"))
	assert.Zero(t, ledger.get("alice"), "settled funds must be debited from the tracker")
	assert.Zero(t, s.Balance("alice"), "shadow view follows the tracker")

	// A later fulfill on the freshly settled peer starts from zero; the
	// already-settled funds must not be settled a second time.
	ledger.add("alice", 1)
	s.Wait()
	assert.Equal(t, []int64{-100}, driver.amounts("alice"), "residual below threshold stays unsettled")
	assert.Equal(t, int64(1), ledger.get("alice"))
}

func TestDriverFailureKeepsBalance(t *testing.T) {
	driver := newRecordingDriver()
	driver.fail = true
	s := NewScheduler(Config{NodeID: "node-1", Threshold: 10}, driver, nil, nil)

	s.OnBalance("alice", 40)
	s.Wait()
	assert.Equal(t, int64(40), s.Balance("alice"), "failed settlement leaves the balance intact")
}
