package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ilpmesh/connector/internal/audit"
	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/circuitbreaker"
	"github.com/ilpmesh/connector/internal/config"
	"github.com/ilpmesh/connector/internal/discovery"
	"github.com/ilpmesh/connector/internal/eventstore"
	"github.com/ilpmesh/connector/internal/explorer"
	"github.com/ilpmesh/connector/internal/fraud"
	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/metrics"
	"github.com/ilpmesh/connector/internal/ratelimit"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/settlement"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// Node assembles the connector: transport, data plane, telemetry pipeline,
// and the explorer surface. It owns startup and ordered shutdown.
type Node struct {
	cfg *config.Config
	log *slog.Logger

	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	events   *bus.Bus
	mirror   *bus.Mirror
	store    eventstore.Store
	buffer   *telemetry.Buffer
	routes   *routing.Table
	limiter  *ratelimit.Limiter
	detector *fraud.Detector
	spending *SpendingGuard
	balances *Balances
	breakers *circuitbreaker.Group
	handler  *Handler
	sched    *settlement.Scheduler
	auditor  audit.Sink

	registry  *btp.Registry
	btpSrv    *http.Server
	outbound  []*btp.Session
	openMu    sync.Mutex
	openPeers map[string]bool
	explorer  *explorer.Server
	discovery *discovery.Service

	unsubs []func()
}

// guardedForwarder runs SendPrepare under the peer's circuit breaker.
// Transport errors count as failures; a reject from downstream is a
// completed round trip and does not.
type guardedForwarder struct {
	next     Forwarder
	breaker  *circuitbreaker.Breaker
	inFlight prometheus.Gauge // nil in tests
}

func (g *guardedForwarder) SendPrepare(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error) {
	done, err := g.breaker.Allow()
	if err != nil {
		return nil, err
	}
	if g.inFlight != nil {
		g.inFlight.Inc()
		defer g.inFlight.Dec()
	}
	pkt, err := g.next.SendPrepare(ctx, p)
	done(err == nil)
	return pkt, err
}

// fraudNotifier bridges detector verdicts into telemetry, audit, and
// metrics.
type fraudNotifier struct {
	nodeID  string
	events  *bus.Bus
	auditor audit.Sink
	metrics *metrics.Metrics
	log     *slog.Logger
}

func (n *fraudNotifier) FraudDetected(peerID, rule string, severity fraud.Severity, details string) {
	ev := telemetry.NewEvent(telemetry.EventFraudDetected, n.nodeID)
	ev.PeerID = peerID
	ev.Fraud = &telemetry.FraudPayload{Rule: rule, Severity: severity.String(), Reason: details}
	n.events.Emit(ev)
	n.metrics.RecordFraud(rule, severity.String())

	rec := audit.NewRecord(peerID, audit.OpFraudDetected)
	rec.Details = map[string]any{"rule": rule, "severity": severity.String(), "details": details}
	if err := n.auditor.Append(context.Background(), rec); err != nil {
		n.log.Warn("audit append failed", "error", err)
	}
}

func (n *fraudNotifier) PeerPaused(peerID string, reason fraud.PauseReason) {
	ev := telemetry.NewEvent(telemetry.EventPeerPaused, n.nodeID)
	ev.PeerID = peerID
	ev.Fraud = &telemetry.FraudPayload{Rule: reason.Rule, Severity: reason.Severity.String(), Reason: reason.Reason}
	n.events.Emit(ev)
	n.metrics.PausedPeers.Inc()

	rec := audit.NewRecord(peerID, audit.OpPeerPaused)
	rec.Details = map[string]any{"reason": reason.Reason, "rule": reason.Rule}
	if err := n.auditor.Append(context.Background(), rec); err != nil {
		n.log.Warn("audit append failed", "error", err)
	}
}

func (n *fraudNotifier) PeerResumed(peerID string) {
	ev := telemetry.NewEvent(telemetry.EventPeerResumed, n.nodeID)
	ev.PeerID = peerID
	n.events.Emit(ev)
	n.metrics.PausedPeers.Dec()

	if err := n.auditor.Append(context.Background(), audit.NewRecord(peerID, audit.OpPeerResumed)); err != nil {
		n.log.Warn("audit append failed", "error", err)
	}
}

// NewNode builds the full component graph from configuration.
func NewNode(cfg *config.Config, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, log: log, openPeers: make(map[string]bool)}
	n.promReg = prometheus.NewRegistry()
	n.promReg.MustRegister(collectors.NewGoCollector())
	n.promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.NewMetrics(n.promReg)
	n.events = bus.New(log)

	if err := n.buildStore(); err != nil {
		return nil, err
	}
	if err := n.buildAudit(); err != nil {
		return nil, err
	}
	n.buildPipeline()
	if err := n.buildDataPlane(); err != nil {
		return nil, err
	}
	n.buildExplorer()
	n.buildDiscovery()
	return n, nil
}

func (n *Node) buildStore() error {
	if n.cfg.Telemetry.DBPath == "" {
		n.store = eventstore.NewMemory()
		return nil
	}
	store, err := eventstore.OpenBolt(n.cfg.Telemetry.DBPath, n.cfg.Telemetry.MaxDBBytes, n.log)
	if err != nil {
		return err
	}
	store.OnSizeExceeded = func(evicted int) {
		ev := telemetry.NewEvent(telemetry.EventDatabaseSizeExceeded, n.cfg.Node.ID)
		ev.Note = fmt.Sprintf("evicted %d oldest events", evicted)
		n.events.Emit(ev)
	}
	n.store = store
	return nil
}

func (n *Node) buildAudit() error {
	switch {
	case n.cfg.Audit.PostgresDSN != "":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sink, err := audit.NewPostgresSink(ctx, n.cfg.Audit.PostgresDSN)
		if err != nil {
			return err
		}
		n.auditor = sink
	case n.cfg.Audit.Path != "":
		sink, err := audit.NewFileSink(n.cfg.Audit.Path)
		if err != nil {
			return err
		}
		n.auditor = sink
	default:
		n.auditor = audit.NewMemorySink()
	}
	return nil
}

// buildPipeline wires bus -> buffer -> store, plus the optional Redis
// mirror for cross-process fan-out.
func (n *Node) buildPipeline() {
	n.buffer = telemetry.NewBuffer(telemetry.BufferConfig{
		BufferSize:    n.cfg.Telemetry.BufferSize,
		FlushInterval: time.Duration(n.cfg.Telemetry.FlushIntervalMs) * time.Millisecond,
	}, func(ctx context.Context, batch []*telemetry.Event) error {
		for _, ev := range batch {
			if _, err := n.store.Store(ctx, ev); err != nil {
				return err
			}
		}
		n.metrics.EventStoreSize.Set(float64(n.store.Size()))
		return nil
	}, n.log)
	n.buffer.OnError = func(err error) {
		n.log.Error("telemetry flush failed", "error", err)
	}
	n.buffer.OnDropped = n.metrics.TelemetryDropped.Inc
	n.unsubs = append(n.unsubs, n.events.Subscribe(n.buffer.Add))
	n.unsubs = append(n.unsubs, n.events.Subscribe(n.observePacketEvent))

	if n.cfg.Telemetry.RedisURL != "" {
		opts, err := redis.ParseURL(n.cfg.Telemetry.RedisURL)
		if err != nil {
			n.log.Warn("invalid redis url, mirror disabled", "error", err)
			return
		}
		n.mirror = bus.NewMirror(redis.NewClient(opts), n.events, n.cfg.Node.ID, "", n.log)
	}
}

// observePacketEvent projects handler telemetry onto Prometheus, keeping the
// handler itself metrics-free.
func (n *Node) observePacketEvent(ev *telemetry.Event) {
	if ev.Type != telemetry.EventPacketProcessed || ev.Packet == nil {
		return
	}
	n.metrics.RecordPacket(ev.PeerID, ev.Packet.Outcome, float64(ev.Packet.LatencyMs)/1000)
	if ev.Packet.Code != "" {
		n.metrics.RecordReject(ev.Packet.Code)
	}
	if n.explorer != nil {
		n.metrics.WSClients.Set(float64(n.explorer.WSConnections()))
	}
}

func (n *Node) buildDataPlane() error {
	rl := n.cfg.RateLimit
	limiterCfg := ratelimit.Config{
		MaxRequestsPerSecond: rl.MaxRequestsPerSecond,
		MaxRequestsPerMinute: rl.MaxRequestsPerMinute,
		BurstSize:            rl.BurstSize,
		BlockDuration:        time.Duration(rl.BlockDurationSeconds) * time.Second,
		ViolationThreshold:   rl.ViolationThreshold,
		ViolationWindow:      time.Duration(rl.ViolationWindowSecs) * time.Second,
		Adaptive:             rl.Adaptive,
	}
	if len(rl.PeerLimits) > 0 {
		limiterCfg.PeerLimits = make(map[string]ratelimit.PeerLimit, len(rl.PeerLimits))
		for peerID, pl := range rl.PeerLimits {
			limiterCfg.PeerLimits[peerID] = ratelimit.PeerLimit{
				MaxRequestsPerSecond: pl.MaxRequestsPerSecond,
				MaxRequestsPerMinute: pl.MaxRequestsPerMinute,
				BurstSize:            pl.BurstSize,
			}
		}
	}
	for _, p := range n.cfg.Peers {
		if p.Trusted {
			limiterCfg.TrustedPeers = append(limiterCfg.TrustedPeers, p.ID)
		}
	}
	n.limiter = ratelimit.NewLimiter(limiterCfg, n.log)
	n.limiter.Observer = func(peerID string, class ratelimit.Class, decision ratelimit.Decision) {
		n.metrics.RecordRateLimit(string(class), decision.String())
	}

	notifier := &fraudNotifier{
		nodeID:  n.cfg.Node.ID,
		events:  n.events,
		auditor: n.auditor,
		metrics: n.metrics,
		log:     n.log,
	}
	// Already validated by Config.Validate; zero falls back to the
	// detector's default.
	pauseAt, _ := n.cfg.Fraud.PauseThreshold()
	n.detector = fraud.NewDetector(fraud.Config{
		Enabled:            n.cfg.Fraud.Enabled,
		AutoPauseThreshold: pauseAt,
		RapidFundingLimit:  n.cfg.Fraud.RapidFundingLimit,
		UnusualStdDev:      n.cfg.Fraud.UnusualStdDev,
	}, notifier, n.log)

	n.routes = routing.NewTable(n.cfg.Node.ID)
	for _, p := range n.cfg.Peers {
		if p.ILPPrefix != "" {
			if err := n.routes.Add(routing.Route{Prefix: ilp.Address(p.ILPPrefix), NextHop: p.ID}); err != nil {
				return err
			}
		}
	}
	for _, r := range n.cfg.Routes {
		if err := n.routes.Add(routing.Route{
			Prefix:   ilp.Address(r.Prefix),
			NextHop:  r.NextHop,
			Priority: r.Priority,
		}); err != nil {
			return err
		}
	}

	n.spending = NewSpendingGuard(Limits{
		MaxSingle:  n.cfg.Spending.MaxSingle,
		MaxDaily:   n.cfg.Spending.MaxDaily,
		MaxMonthly: n.cfg.Spending.MaxMonthly,
	})

	n.sched = settlement.NewScheduler(settlement.Config{
		NodeID:    n.cfg.Node.ID,
		Threshold: n.cfg.Settlement.Threshold,
	}, settlement.NewNoopDriver(n.log), n.events, n.log)

	n.balances = NewBalances()
	n.balances.OnChange = func(peerID string, balance int64) {
		ev := telemetry.NewEvent(telemetry.EventAccountBalance, n.cfg.Node.ID)
		ev.PeerID = peerID
		ev.Balance = &telemetry.BalancePayload{Balance: balance}
		n.events.Emit(ev)
		n.sched.OnBalance(peerID, balance)
	}
	n.sched.OnSettled = func(peerID string, amount int64) {
		n.balances.Adjust(peerID, amount)
	}

	n.breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
		OnStateChange: func(peer string, from, to circuitbreaker.State) {
			n.log.Warn("peer circuit state changed", "peer", peer, "from", from.String(), "to", to.String())
		},
	})

	n.registry = btp.NewRegistry()
	n.handler = NewHandler(
		HandlerConfig{NodeID: n.cfg.Node.ID, Address: ilp.Address(n.cfg.Node.ILPAddress)},
		n.routes, n.limiter, n.detector, n.spending, n.balances,
		SessionProviderFunc(func(peerID string) (Forwarder, bool) {
			s, ok := n.registry.Get(peerID)
			if !ok || s.State() != btp.StateOpen {
				return nil, false
			}
			return &guardedForwarder{
				next:     s,
				breaker:  n.breakers.Get(peerID),
				inFlight: n.metrics.PacketsInFlight,
			}, true
		}),
		n.events, n.log,
	)

	secrets := make(map[string]string, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		secrets[p.ID] = p.SharedSecret
	}
	btpServer := btp.NewServer(func(peerID string) (string, bool) {
		secret, ok := secrets[peerID]
		return secret, ok
	}, n.handler, n.registry, n.log)
	btpServer.OnSessionOpen = func(*btp.Session) { n.metrics.PeerSessions.Inc() }
	btpServer.OnSessionClosed = func(peerID string) {
		n.metrics.PeerSessions.Dec()
		if n.discovery != nil {
			n.discovery.MarkDisconnected(peerID)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/btp", btpServer)
	n.btpSrv = &http.Server{Addr: n.cfg.Node.BTPListen, Handler: mux}

	for _, p := range n.cfg.Peers {
		if p.URL == "" {
			continue
		}
		sess := btp.NewOutbound(btp.Config{
			PeerID:       p.ID,
			URL:          p.URL,
			SharedSecret: p.SharedSecret,
			LocalNodeID:  n.cfg.Node.ID,
		}, n.handler, n.log)
		sess.OnStateChange = n.trackSessionState
		n.outbound = append(n.outbound, sess)
		n.registry.Put(sess)
	}
	return nil
}

// trackSessionState keeps the session gauge honest for outbound peers, which
// bypass the BTP server's open/close hooks. A reconnect cycle passes through
// disconnected without ever having been open, so only open->not-open edges
// decrement.
func (n *Node) trackSessionState(peerID string, state btp.State) {
	n.openMu.Lock()
	wasOpen := n.openPeers[peerID]
	isOpen := state == btp.StateOpen
	n.openPeers[peerID] = isOpen
	n.openMu.Unlock()

	switch {
	case isOpen && !wasOpen:
		n.metrics.PeerSessions.Inc()
	case !isOpen && wasOpen:
		n.metrics.PeerSessions.Dec()
	}
}

func (n *Node) buildExplorer() {
	n.explorer = explorer.NewServer(explorer.Config{
		NodeID:          n.cfg.Node.ID,
		Addr:            n.cfg.Explorer.Listen,
		AllowedOrigins:  n.cfg.Explorer.AllowedOrigins,
		ShutdownTimeout: time.Duration(n.cfg.Explorer.ShutdownTimeout) * time.Second,
	}, n.store, n.events, promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{}), explorer.Fetchers{
		Balances: n.balances.Snapshot,
		Peers: func() []explorer.PeerStatus {
			sessions := n.registry.List()
			out := make([]explorer.PeerStatus, 0, len(sessions))
			for _, s := range sessions {
				out = append(out, explorer.PeerStatus{
					PeerID:   s.PeerID(),
					State:    string(s.State()),
					LastSeen: s.LastSeen(),
				})
			}
			return out
		},
		Routes: n.routes.Routes,
	}, n.log)
}

func (n *Node) buildDiscovery() {
	if len(n.cfg.Discovery.Endpoints) == 0 {
		return
	}
	secrets := make(map[string]string, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		secrets[p.ID] = p.SharedSecret
	}

	n.discovery = discovery.New(discovery.Config{
		Self: discovery.Descriptor{
			NodeID:      n.cfg.Node.ID,
			BTPEndpoint: "ws://" + n.cfg.Node.BTPListen + "/btp",
			ILPAddress:  n.cfg.Node.ILPAddress,
			Version:     n.cfg.Node.Version,
		},
		Endpoints:         n.cfg.Discovery.Endpoints,
		BroadcastInterval: n.cfg.Discovery.BroadcastInterval(),
	}, func(_ context.Context, peer discovery.Descriptor) error {
		if _, connected := n.registry.Get(peer.NodeID); connected {
			return nil
		}
		secret, ok := secrets[peer.NodeID]
		if !ok {
			// No bilateral secret, so nothing to authenticate with.
			return fmt.Errorf("no shared secret configured for %s", peer.NodeID)
		}
		sess := btp.NewOutbound(btp.Config{
			PeerID:       peer.NodeID,
			URL:          peer.BTPEndpoint,
			SharedSecret: secret,
			LocalNodeID:  n.cfg.Node.ID,
		}, n.handler, n.log)
		n.registry.Put(sess)
		sess.Start()
		if peer.ILPAddress != "" {
			if err := n.routes.Add(routing.Route{Prefix: ilp.Address(peer.ILPAddress), NextHop: peer.NodeID}); err != nil {
				n.log.Warn("cannot add discovered route", "peer", peer.NodeID, "error", err)
			}
		}
		return nil
	}, n.log)
}

// Handler returns the packet handler, mainly so an embedding process can
// register a local receiver.
func (n *Node) Handler() *Handler { return n.handler }

// Start brings the node up: BTP listener, outbound sessions, explorer,
// discovery.
func (n *Node) Start() error {
	if n.cfg.Explorer.Listen != "" {
		if err := n.explorer.Start(); err != nil {
			return err
		}
	}
	go func() {
		n.log.Info("btp listening", "addr", n.cfg.Node.BTPListen)
		if err := n.btpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error("btp server failed", "error", err)
		}
	}()
	for _, sess := range n.outbound {
		sess.Start()
	}
	if n.discovery != nil {
		n.discovery.Start()
	}
	n.log.Info("connector started",
		"nodeId", n.cfg.Node.ID, "ilpAddress", n.cfg.Node.ILPAddress, "peers", len(n.cfg.Peers))
	return nil
}

// Shutdown stops the node in dependency order: stop intake, close
// sessions, drain telemetry, then close storage.
func (n *Node) Shutdown(ctx context.Context) error {
	n.log.Info("connector shutting down")

	if n.discovery != nil {
		n.discovery.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, explorer.DefaultShutdownTimeout)
	defer cancel()
	if err := n.btpSrv.Shutdown(shutdownCtx); err != nil {
		n.log.Warn("btp server shutdown", "error", err)
	}
	n.registry.CloseAll()

	n.sched.Wait()

	for _, unsub := range n.unsubs {
		unsub()
	}
	if err := n.buffer.Shutdown(shutdownCtx); err != nil {
		n.log.Warn("telemetry drain incomplete", "error", err)
	}
	if n.mirror != nil {
		n.mirror.Close()
	}
	if err := n.explorer.Shutdown(shutdownCtx); err != nil {
		n.log.Warn("explorer shutdown", "error", err)
	}

	n.limiter.Close()
	n.events.Close()
	if err := n.store.Close(); err != nil {
		n.log.Warn("event store close", "error", err)
	}
	if err := n.auditor.Close(); err != nil {
		n.log.Warn("audit sink close", "error", err)
	}
	n.log.Info("connector stopped")
	return nil
}
