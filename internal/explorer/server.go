package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/eventstore"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the explorer's listen and policy settings.
type Config struct {
	NodeID          string
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// PeerStatus is the wire shape of one peer on /api/peers.
type PeerStatus struct {
	PeerID   string    `json:"peerId"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Fetchers supply the optional endpoints. A nil fetcher turns its endpoint
// into a 404.
type Fetchers struct {
	Balances func() map[string]int64
	Peers    func() []PeerStatus
	Routes   func() []routing.Route
}

// Server is the explorer: event history over HTTP, live events over /ws,
// health and metrics on the same port.
type Server struct {
	cfg      Config
	store    eventstore.Store
	events   *bus.Bus
	fetchers Fetchers
	hub      *hub
	log      *slog.Logger

	router      *mux.Router
	httpSrv     *http.Server
	unsubscribe func()
	started     time.Time
}

func NewServer(cfg Config, store eventstore.Store, events *bus.Bus, metricsHandler http.Handler, fetchers Fetchers, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		events:   events,
		fetchers: fetchers,
		hub:      newHub(log, nil),
		log:      log,
		started:  time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/accounts/events", s.handleAccountEvents).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/balances", s.handleBalances).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/peers", s.handlePeers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/routes", s.handleRoutes).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws", s.hub.serveWS)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// WSConnections returns the live WebSocket client count.
func (s *Server) WSConnections() int { return s.hub.count() }

// Start subscribes the fan-out to the bus and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("explorer: listen %s: %w", s.cfg.Addr, err)
	}
	s.unsubscribe = s.events.Subscribe(s.hub.broadcast)
	s.httpSrv = &http.Server{Handler: s.router}

	go func() {
		s.log.Info("explorer listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("explorer server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown closes WS clients with 1001 and stops the HTTP server within the
// configured timeout, closing forcibly after it.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.shutdown()
	if s.httpSrv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out, closing", "error", err)
		return s.httpSrv.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseFilter builds an event filter from query params. Timestamps are unix
// milliseconds.
func parseFilter(q map[string][]string, maxLimit int) (eventstore.Filter, error) {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var f eventstore.Filter
	if raw := get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, telemetry.EventType(t))
			}
		}
	}
	for _, key := range []string{"since", "until"} {
		raw := get(key)
		if raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%s must be a unix-millisecond timestamp", key)
		}
		t := time.UnixMilli(ms).UTC()
		if key == "since" {
			f.Since = t
		} else {
			f.Until = t
		}
	}
	f.PeerID = get("peerId")
	f.PacketID = get("packetId")
	f.Direction = get("direction")

	f.Limit = eventstore.DefaultLimit
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			return f, fmt.Errorf("limit must be an integer in [1,%d]", maxLimit)
		}
		f.Limit = n
	}
	if raw := get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query(), eventstore.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.log.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total, err := s.store.Count(r.Context(), filter)
	if err != nil {
		s.log.Error("event count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*eventstore.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleAccountEvents serves oldest-first hydration queries with the larger
// limit cap.
func (s *Server) handleAccountEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query(), eventstore.MaxHydrationLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Ascending = true
	if filter.Limit == eventstore.DefaultLimit && r.URL.Query().Get("limit") == "" {
		filter.Limit = eventstore.MaxHydrationLimit
	}

	events, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.log.Error("hydration query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*eventstore.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"limit":  filter.Limit,
	})
}

// handleHealth never fails; a broken store degrades the status instead.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var eventCount uint64
	var sizeBytes int64
	if s.store != nil {
		eventCount = s.store.Total()
		sizeBytes = s.store.Size()
	} else {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"nodeId": s.cfg.NodeID,
		"uptime": time.Since(s.started).Seconds(),
		"explorer": map[string]any{
			"eventCount":        eventCount,
			"databaseSizeBytes": sizeBytes,
			"wsConnections":     s.hub.count(),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.fetchers.Balances == nil {
		writeError(w, http.StatusNotFound, "balances not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": s.fetchers.Balances()})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.fetchers.Peers == nil {
		writeError(w, http.StatusNotFound, "peers not available")
		return
	}
	peers := s.fetchers.Peers()
	if peers == nil {
		peers = []PeerStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.fetchers.Routes == nil {
		writeError(w, http.StatusNotFound, "routes not available")
		return
	}
	routes := s.fetchers.Routes()
	if routes == nil {
		routes = []routing.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}
