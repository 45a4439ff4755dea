package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/circuitbreaker"
	"github.com/ilpmesh/connector/internal/config"
	"github.com/ilpmesh/connector/internal/ilp"
)

func testNodeConfig() *config.Config {
	return &config.Config{
		Node: config.NodeConfig{
			ID:         "node-test",
			ILPAddress: "g.testnode",
			BTPListen:  "127.0.0.1:0",
		},
		Peers: []config.PeerConfig{
			{ID: "alice", SharedSecret: "s3cret", ILPPrefix: "g.alice"},
		},
		Explorer: config.ExplorerConfig{Listen: "127.0.0.1:0"},
	}
}

func TestNodeStartAndShutdown(t *testing.T) {
	node, err := NewNode(testNodeConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, node.Shutdown(ctx))
}

func TestNodeBuildsRoutesFromPeerPrefixes(t *testing.T) {
	node, err := NewNode(testNodeConfig(), nil)
	require.NoError(t, err)

	route, err := node.routes.Lookup(ilp.MustAddress("g.alice.wallet1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", route.NextHop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, node.Shutdown(ctx))
}

func TestNodeRejectsRouteToUnknownPeer(t *testing.T) {
	cfg := testNodeConfig()
	cfg.Routes = []config.RouteConfig{{Prefix: "g.bob", NextHop: "ghost"}}

	_, err := NewNode(cfg, nil)
	assert.Error(t, err)
}

type stubForwarder struct {
	err error
}

func (s *stubForwarder) SendPrepare(context.Context, *ilp.Prepare) (ilp.Packet, error) {
	return nil, s.err
}

func TestGuardedForwarderOpensAfterRepeatedFailures(t *testing.T) {
	group := circuitbreaker.NewGroup(circuitbreaker.Config{
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	fwd := &guardedForwarder{
		next:    &stubForwarder{err: errors.New("connection reset")},
		breaker: group.Get("alice"),
	}
	prepare := &ilp.Prepare{Destination: ilp.MustAddress("g.alice")}

	_, err := fwd.SendPrepare(context.Background(), prepare)
	require.Error(t, err)
	_, err = fwd.SendPrepare(context.Background(), prepare)
	require.Error(t, err)

	_, err = fwd.SendPrepare(context.Background(), prepare)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen, "third call fails fast without touching the session")
}
