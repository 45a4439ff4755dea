// Package pool provides a generic round-robin connection pool with
// background health checking and bounded reconnect attempts.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Factory creates, destroys, and probes connections of type C.
type Factory[C any] interface {
	Create(ctx context.Context, endpoint string) (C, error)
	Disconnect(client C) error
	HealthCheck(ctx context.Context, client C) bool
}

// EventKind classifies pool lifecycle notifications.
type EventKind string

const (
	EventUnhealthy   EventKind = "connection-unhealthy"
	EventReconnected EventKind = "connection-reconnected"
	EventFailed      EventKind = "connection-failed"
)

// Event describes one pool lifecycle change.
type Event struct {
	Kind     EventKind
	Endpoint string
}

// Config holds pool parameters; zero fields fall back to defaults.
type Config struct {
	PoolSize             int
	HealthCheckInterval  time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
}

type conn[C any] struct {
	endpoint string
	client   C
	healthy  bool
	attempts int // consecutive failed reconnects
	gaveUp   bool
}

// Pool keeps up to PoolSize connections across the given endpoints and
// hands them out round-robin, skipping unhealthy ones.
type Pool[C any] struct {
	cfg       Config
	factory   Factory[C]
	endpoints []string
	log       *slog.Logger

	mu    sync.Mutex
	conns []*conn[C]
	next  int

	// OnEvent observes health transitions; wired to telemetry by the node.
	OnEvent func(Event)

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New[C any](cfg Config, factory Factory[C], endpoints []string, log *slog.Logger) *Pool[C] {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pool[C]{
		cfg:       cfg,
		factory:   factory,
		endpoints: endpoints,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Initialize dials up to min(PoolSize, len(endpoints)) connections and
// starts the health loop. Endpoints that fail to connect stay in the pool
// as unhealthy and are retried by the loop.
func (p *Pool[C]) Initialize(ctx context.Context) error {
	n := p.cfg.PoolSize
	if len(p.endpoints) < n {
		n = len(p.endpoints)
	}

	p.mu.Lock()
	for i := 0; i < n; i++ {
		endpoint := p.endpoints[i]
		c := &conn[C]{endpoint: endpoint}
		client, err := p.factory.Create(ctx, endpoint)
		if err != nil {
			p.log.Warn("initial connection failed", "endpoint", endpoint, "error", err)
		} else {
			c.client = client
			c.healthy = true
		}
		p.conns = append(p.conns, c)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()
	return nil
}

// Get returns the next healthy connection in round-robin order, or false
// when every connection is down.
func (p *Pool[C]) Get() (C, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.conns); i++ {
		c := p.conns[p.next%len(p.conns)]
		p.next++
		if c.healthy {
			return c.client, true
		}
	}
	var zero C
	return zero, false
}

// Healthy returns the number of healthy connections.
func (p *Pool[C]) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.healthy {
			n++
		}
	}
	return n
}

func (p *Pool[C]) emit(kind EventKind, endpoint string) {
	if p.OnEvent != nil {
		p.OnEvent(Event{Kind: kind, Endpoint: endpoint})
	}
}

func (p *Pool[C]) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

// sweep probes healthy connections and retries unhealthy ones.
func (p *Pool[C]) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckInterval)
	defer cancel()

	p.mu.Lock()
	conns := make([]*conn[C], len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()

	for _, c := range conns {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		healthy, gaveUp := c.healthy, c.gaveUp
		client := c.client
		p.mu.Unlock()

		switch {
		case healthy:
			if !p.factory.HealthCheck(ctx, client) {
				p.log.Warn("connection unhealthy", "endpoint", c.endpoint)
				p.mu.Lock()
				c.healthy = false
				c.attempts = 0
				p.mu.Unlock()
				p.emit(EventUnhealthy, c.endpoint)
			}
		case !gaveUp:
			p.reconnect(ctx, c)
		}
	}
}

func (p *Pool[C]) reconnect(ctx context.Context, c *conn[C]) {
	for {
		p.mu.Lock()
		if c.attempts >= p.cfg.MaxReconnectAttempts {
			c.gaveUp = true
			p.mu.Unlock()
			p.log.Error("giving up on endpoint", "endpoint", c.endpoint, "attempts", c.attempts)
			p.emit(EventFailed, c.endpoint)
			return
		}
		c.attempts++
		p.mu.Unlock()

		client, err := p.factory.Create(ctx, c.endpoint)
		if err == nil {
			p.mu.Lock()
			c.client = client
			c.healthy = true
			c.attempts = 0
			p.mu.Unlock()
			p.log.Info("connection restored", "endpoint", c.endpoint)
			p.emit(EventReconnected, c.endpoint)
			return
		}
		p.log.Warn("reconnect failed", "endpoint", c.endpoint, "error", err)

		select {
		case <-p.stop:
			return
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

// Shutdown stops the health loop and disconnects everything. Disconnect
// errors are logged and swallowed.
func (p *Pool[C]) Shutdown() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.healthy {
			if err := p.factory.Disconnect(c.client); err != nil {
				p.log.Warn("disconnect failed", "endpoint", c.endpoint, "error", err)
			}
			c.healthy = false
		}
	}
}
