package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/fraud"
	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/ratelimit"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/telemetry"
)

type fakeSession struct {
	respond func(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)
}

func (f *fakeSession) SendPrepare(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error) {
	return f.respond(ctx, p)
}

type eventSink struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (s *eventSink) record(ev *telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ofType(typ telemetry.EventType) []*telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*telemetry.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	handler  *Handler
	routes   *routing.Table
	sessions map[string]Forwarder
	sink     *eventSink
	events   *bus.Bus
	detector *fraud.Detector
	limiter  *ratelimit.Limiter
	spending *SpendingGuard
	balances *Balances
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		routes:   routing.NewTable("self"),
		sessions: make(map[string]Forwarder),
		sink:     &eventSink{},
		events:   bus.New(nil),
		spending: NewSpendingGuard(Limits{}),
		balances: NewBalances(),
	}
	env.events.Subscribe(env.sink.record)
	t.Cleanup(env.events.Close)

	env.limiter = ratelimit.NewLimiter(ratelimit.Config{
		MaxRequestsPerSecond: 1,
		BurstSize:            5,
		ViolationThreshold:   3,
		ViolationWindow:      10 * time.Second,
		BlockDuration:        30 * time.Second,
	}, nil)
	t.Cleanup(env.limiter.Close)

	env.detector = fraud.NewDetector(fraud.Config{Enabled: true}, nil, nil)

	provider := SessionProviderFunc(func(peerID string) (Forwarder, bool) {
		s, ok := env.sessions[peerID]
		return s, ok
	})
	env.handler = NewHandler(
		HandlerConfig{NodeID: "node-1", Address: ilp.MustAddress("g.connector")},
		env.routes, env.limiter, env.detector, env.spending, env.balances,
		provider, env.events, nil,
	)
	return env
}

func preimageOf(s string) (pre [32]byte) {
	copy(pre[:], s)
	return pre
}

func prepareTo(dest string, amount uint64, pre [32]byte, expiry time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             amount,
		ExpiresAt:          time.Now().Add(expiry).UTC().Truncate(time.Millisecond),
		ExecutionCondition: ilp.Condition(pre),
		Destination:        ilp.MustAddress(dest),
	}
}

func (env *testEnv) waitForEvent(t *testing.T, typ telemetry.EventType) *telemetry.Event {
	t.Helper()
	var got *telemetry.Event
	require.Eventually(t, func() bool {
		evs := env.sink.ofType(typ)
		if len(evs) == 0 {
			return false
		}
		got = evs[len(evs)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected %s event", typ)
	return got
}

func TestHappyPathFulfilled(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("X")
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(_ context.Context, p *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: pre}, nil
	}}

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 1000, pre, 5*time.Second))

	fulfill, ok := resp.(*ilp.Fulfill)
	require.True(t, ok, "expected fulfill, got %#v", resp)
	assert.Equal(t, pre, fulfill.Fulfillment)

	ev := env.waitForEvent(t, telemetry.EventPacketProcessed)
	assert.Equal(t, "fulfilled", ev.Packet.Outcome)
	assert.Equal(t, "peerA", ev.Packet.PeerIn)
	assert.Equal(t, "peerB", ev.Packet.PeerOut)

	assert.Equal(t, int64(1000), env.balances.Get("peerA"))
	assert.Equal(t, int64(-1000), env.balances.Get("peerB"))
}

func TestNoRouteRejectsF02(t *testing.T) {
	env := newTestEnv(t)

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.nowhere", 10, preimageOf("X"), 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF02Unreachable, reject.Code)
	assert.Equal(t, ilp.MustAddress("g.connector"), reject.TriggeredBy)
}

func TestRateLimitRejectsT05(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("X")
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: pre}, nil
	}}

	fulfilled, limited := 0, 0
	for i := 0; i < 10; i++ {
		resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 1, pre, 5*time.Second))
		switch r := resp.(type) {
		case *ilp.Fulfill:
			fulfilled++
		case *ilp.Reject:
			require.Equal(t, ilp.CodeT05RateLimited, r.Code)
			limited++
		}
	}
	assert.Equal(t, 5, fulfilled, "burst of 5 passes")
	assert.Equal(t, 5, limited, "the rest are rate limited")
}

func TestRateLimitIsPerPeer(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("X")
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: pre}, nil
	}}

	for i := 0; i < 10; i++ {
		env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 1, pre, 5*time.Second))
	}
	resp := env.handler.HandlePacket(context.Background(), "peerC", prepareTo("g.bob", 1, pre, 5*time.Second))
	_, ok := resp.(*ilp.Fulfill)
	assert.True(t, ok, "exhausting peerA's bucket must not affect peerC")
}

func TestConditionMismatchRejectsF05(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: preimageOf("Y")}, nil
	}}

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 10, preimageOf("X"), 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF05WrongCondition, reject.Code)
	assert.Zero(t, env.balances.Get("peerA"), "unverified fulfill must not move balances")
}

func TestExpiryProducesR00WithinBudget(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(ctx context.Context, _ *ilp.Prepare) (ilp.Packet, error) {
		<-ctx.Done()
		return nil, btp.ErrRequestTimed
	}}

	start := time.Now()
	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 10, preimageOf("X"), 200*time.Millisecond))
	elapsed := time.Since(start)

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeR00TransferTimedOut, reject.Code)
	assert.Equal(t, ilp.MustAddress("g.connector"), reject.TriggeredBy)
	assert.Less(t, elapsed, time.Second, "timeout must fire near the expiry")

	ev := env.waitForEvent(t, telemetry.EventPacketTimeout)
	assert.Equal(t, "timeout", ev.Packet.Outcome)
}

func TestDownstreamRejectForwardedUnchanged(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	downstream := &ilp.Reject{
		Code:        ilp.CodeT04InsufficientLiquidity,
		TriggeredBy: ilp.MustAddress("g.bob.gateway"),
		Message:     "out of liquidity",
	}
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return downstream, nil
	}}

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 10, preimageOf("X"), 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, downstream.Code, reject.Code)
	assert.Equal(t, ilp.MustAddress("g.bob.gateway"), reject.TriggeredBy, "triggeredBy must survive the hop")
}

func TestPausedPeerRejectsF99(t *testing.T) {
	env := newTestEnv(t)
	env.detector.Pause("peerA", "manual", "test", fraud.SeverityHigh)

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 10, preimageOf("X"), 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF99ApplicationError, reject.Code)

	env.detector.Resume("peerA")
	resp = env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.nowhere", 10, preimageOf("X"), 5*time.Second))
	reject, ok = resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF02Unreachable, reject.Code, "resume restores normal processing")
}

func TestSelfDestinationWithoutReceiverRejectsF02(t *testing.T) {
	env := newTestEnv(t)

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.connector.wallet", 10, preimageOf("X"), 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF02Unreachable, reject.Code)
}

type localWallet struct{ pre [32]byte }

func (w *localWallet) Deliver(_ context.Context, _ string, _ *ilp.Prepare) (ilp.Packet, error) {
	return &ilp.Fulfill{Fulfillment: w.pre}, nil
}

func TestLocalReceiverFulfills(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("local")
	env.handler.SetLocalReceiver(&localWallet{pre: pre})

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.connector.wallet", 42, pre, 5*time.Second))

	_, ok := resp.(*ilp.Fulfill)
	require.True(t, ok)
	assert.Equal(t, int64(42), env.balances.Get("peerA"))
}

func TestExpiredPrepareRejectedUpFront(t *testing.T) {
	env := newTestEnv(t)

	p := prepareTo("g.bob", 10, preimageOf("X"), 50*time.Millisecond)
	p.ExpiresAt = time.Now().Add(-time.Second)
	resp := env.handler.HandlePacket(context.Background(), "peerA", p)

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeR00TransferTimedOut, reject.Code)
}

func TestZeroAmountRejectedBeforeForwarding(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("X")
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	forwarded := 0
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		forwarded++
		return &ilp.Fulfill{Fulfillment: pre}, nil
	}}

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 0, pre, 5*time.Second))

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok, "expected reject, got %#v", resp)
	assert.Equal(t, ilp.CodeF01InvalidPacket, reject.Code)
	assert.Zero(t, forwarded, "zero-amount prepare must never reach the next hop")
	assert.Zero(t, env.balances.Get("peerA"))
	assert.Zero(t, env.balances.Get("peerB"))
	day, _ := env.spending.Spent("peerA")
	assert.Zero(t, day)
}

func TestNonPrepareRequestRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.handler.HandlePacket(context.Background(), "peerA", &ilp.Fulfill{})

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF00BadRequest, reject.Code)
}

func TestSpendingLimits(t *testing.T) {
	env := newTestEnv(t)
	pre := preimageOf("X")
	require.NoError(t, env.routes.Add(routing.Route{Prefix: "g.bob", NextHop: "peerB"}))
	env.sessions["peerB"] = &fakeSession{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: pre}, nil
	}}
	env.spending.SetLimits("peerA", Limits{MaxSingle: 100, MaxDaily: 150})

	resp := env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 500, pre, 5*time.Second))
	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeF08AmountTooLarge, reject.Code)

	resp = env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 100, pre, 5*time.Second))
	_, ok = resp.(*ilp.Fulfill)
	require.True(t, ok)

	resp = env.handler.HandlePacket(context.Background(), "peerA", prepareTo("g.bob", 100, pre, 5*time.Second))
	reject, ok = resp.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeT04InsufficientLiquidity, reject.Code, "daily budget exhausted")
}
