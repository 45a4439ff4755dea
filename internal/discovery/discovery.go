// Package discovery announces this node to registry endpoints and connects
// to the peers they advertise.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultBroadcastInterval spaces discovery cycles.
const DefaultBroadcastInterval = 60 * time.Second

const connectRetries = 3

// Descriptor is the self-description exchanged with discovery registries.
type Descriptor struct {
	NodeID       string   `json:"nodeId"`
	BTPEndpoint  string   `json:"btpEndpoint"`
	ILPAddress   string   `json:"ilpAddress"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Connector dials a discovered peer. Errors are retried up to
// connectRetries times per cycle, then the peer waits for the next cycle.
type Connector func(ctx context.Context, peer Descriptor) error

// Config holds the discovery loop settings.
type Config struct {
	Self              Descriptor
	Endpoints         []string
	BroadcastInterval time.Duration
	RequestTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Service runs the periodic announce/fetch/connect loop. Every network
// failure is a warning; the loop always continues.
type Service struct {
	cfg     Config
	connect Connector
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	peers     map[string]Descriptor // by nodeId
	connected map[string]bool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(cfg Config, connect Connector, log *slog.Logger) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		connect:   connect,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		log:       log,
		peers:     make(map[string]Descriptor),
		connected: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start runs one immediate cycle and then the periodic loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cycle()
		ticker := time.NewTicker(s.cfg.BroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cycle()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// DiscoveredPeers snapshots the known peers, self excluded.
func (s *Service) DiscoveredPeers() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Service) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BroadcastInterval)
	defer cancel()

	for _, endpoint := range s.cfg.Endpoints {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.announce(ctx, endpoint); err != nil {
			s.log.Warn("discovery announce failed", "endpoint", endpoint, "error", err)
		}
		peers, err := s.fetchPeers(ctx, endpoint)
		if err != nil {
			s.log.Warn("discovery fetch failed", "endpoint", endpoint, "error", err)
			continue
		}
		s.merge(peers)
	}

	s.connectNew(ctx)
}

func (s *Service) announce(ctx context.Context, endpoint string) error {
	body, err := json.Marshal(s.cfg.Self)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/v1/peers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %s", resp.Status)
	}
	return nil
}

func (s *Service) fetchPeers(ctx context.Context, endpoint string) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/v1/peers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %s", resp.Status)
	}

	var payload struct {
		Peers []Descriptor `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode peer list: %w", err)
	}
	return payload.Peers, nil
}

// merge deduplicates by nodeId and drops our own descriptor.
func (s *Service) merge(peers []Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		if p.NodeID == "" || p.NodeID == s.cfg.Self.NodeID {
			continue
		}
		s.peers[p.NodeID] = p
	}
}

// connectNew attempts to connect every known, not-yet-connected peer.
// Per peer, up to connectRetries attempts this cycle; on exhaustion the
// peer waits for the next cycle.
func (s *Service) connectNew(ctx context.Context) {
	if s.connect == nil {
		return
	}

	s.mu.RLock()
	var todo []Descriptor
	for id, p := range s.peers {
		if !s.connected[id] {
			todo = append(todo, p)
		}
	}
	s.mu.RUnlock()

	for _, peer := range todo {
		var err error
		for attempt := 1; attempt <= connectRetries; attempt++ {
			select {
			case <-s.stop:
				return
			default:
			}
			if err = s.connect(ctx, peer); err == nil {
				s.mu.Lock()
				s.connected[peer.NodeID] = true
				s.mu.Unlock()
				s.log.Info("connected to discovered peer", "nodeId", peer.NodeID)
				break
			}
			s.log.Warn("peer connect attempt failed",
				"nodeId", peer.NodeID, "attempt", attempt, "error", err)
		}
		if err != nil {
			s.log.Warn("peer skipped until next cycle", "nodeId", peer.NodeID)
		}
	}
}

// MarkDisconnected lets the session layer requeue a peer for the next
// discovery cycle after its connection drops.
func (s *Service) MarkDisconnected(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, nodeID)
}
