package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	endpoint string
}

type fakeFactory struct {
	mu        sync.Mutex
	failing   map[string]bool // endpoints that refuse to connect
	unhealthy map[string]bool // endpoints whose health check fails
	creates   map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		failing:   make(map[string]bool),
		unhealthy: make(map[string]bool),
		creates:   make(map[string]int),
	}
}

func (f *fakeFactory) Create(_ context.Context, endpoint string) (*fakeClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[endpoint]++
	if f.failing[endpoint] {
		return nil, errors.New("connection refused")
	}
	return &fakeClient{endpoint: endpoint}, nil
}

func (f *fakeFactory) Disconnect(*fakeClient) error { return nil }

func (f *fakeFactory) HealthCheck(_ context.Context, c *fakeClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy[c.endpoint]
}

func (f *fakeFactory) set(m map[string]bool, endpoint string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m[endpoint] = v
}

func newPool(t *testing.T, factory *fakeFactory, endpoints []string, cfg Config) *Pool[*fakeClient] {
	t.Helper()
	p := New(cfg, factory, endpoints, nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	factory := newFakeFactory()
	factory.set(factory.failing, "b", true)
	p := newPool(t, factory, []string{"a", "b", "c"}, Config{PoolSize: 3, HealthCheckInterval: time.Hour})

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		c, ok := p.Get()
		require.True(t, ok)
		seen[c.endpoint]++
	}
	assert.Equal(t, 3, seen["a"])
	assert.Equal(t, 3, seen["c"])
	assert.Zero(t, seen["b"])
}

func TestGetReturnsFalseWhenAllDown(t *testing.T) {
	factory := newFakeFactory()
	factory.set(factory.failing, "a", true)
	p := newPool(t, factory, []string{"a"}, Config{HealthCheckInterval: time.Hour})

	_, ok := p.Get()
	assert.False(t, ok)
}

func TestPoolSizeBound(t *testing.T) {
	factory := newFakeFactory()
	p := newPool(t, factory, []string{"a", "b", "c", "d"}, Config{PoolSize: 2, HealthCheckInterval: time.Hour})

	assert.Equal(t, 2, p.Healthy())
	assert.Len(t, factory.creates, 2)
}

func TestHealthLoopReconnects(t *testing.T) {
	factory := newFakeFactory()
	factory.set(factory.failing, "a", true)
	p := New(Config{
		PoolSize:             1,
		HealthCheckInterval:  20 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 10,
	}, factory, []string{"a"}, nil)

	var mu sync.Mutex
	var events []Event
	p.OnEvent = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown()

	require.Zero(t, p.Healthy())
	factory.set(factory.failing, "a", false)

	require.Eventually(t, func() bool { return p.Healthy() == 1 },
		2*time.Second, 10*time.Millisecond, "health loop must restore the connection")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, EventReconnected, events[len(events)-1].Kind)
}

func TestUnhealthyDetectionAndGiveUp(t *testing.T) {
	factory := newFakeFactory()
	p := New(Config{
		PoolSize:             1,
		HealthCheckInterval:  20 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, factory, []string{"a"}, nil)

	var mu sync.Mutex
	kinds := map[EventKind]int{}
	p.OnEvent = func(ev Event) {
		mu.Lock()
		kinds[ev.Kind]++
		mu.Unlock()
	}
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown()

	require.Equal(t, 1, p.Healthy())
	factory.set(factory.unhealthy, "a", true)
	factory.set(factory.failing, "a", true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[EventUnhealthy] >= 1 && kinds[EventFailed] >= 1
	}, 2*time.Second, 10*time.Millisecond, "must mark unhealthy then give up")

	_, ok := p.Get()
	assert.False(t, ok)
}
