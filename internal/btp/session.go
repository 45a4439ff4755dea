package btp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpmesh/connector/internal/ilp"
)

// Session state machine.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	pongWait    = 65 * time.Second // two missed pings and change
	dialTimeout = 15 * time.Second
	authTimeout = 10 * time.Second
	sendQueue   = 64
)

var (
	ErrSessionClosed = errors.New("btp: session closed")
	ErrNotOpen       = errors.New("btp: peer session not open")
	ErrRequestTimed  = errors.New("btp: request timed out")
	ErrBackpressure  = errors.New("btp: send queue full")
)

// Handler processes inbound request packets from a peer and returns the
// response packet (a Fulfill or a Reject).
type Handler interface {
	HandlePacket(ctx context.Context, peerID string, pkt ilp.Packet) ilp.Packet
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, peerID string, pkt ilp.Packet) ilp.Packet

func (f HandlerFunc) HandlePacket(ctx context.Context, peerID string, pkt ilp.Packet) ilp.Packet {
	return f(ctx, peerID, pkt)
}

// Config describes one peer relationship.
type Config struct {
	// PeerID names the remote peer.
	PeerID string

	// URL is the peer's BTP WebSocket endpoint. Empty for inbound sessions,
	// where the peer dialed us.
	URL string

	// SharedSecret is the bilateral secret auth tokens derive from.
	SharedSecret string

	// LocalNodeID is presented as our identity in outbound AUTH frames.
	LocalNodeID string

	// ReconnectBase and ReconnectMax bound the exponential reconnect
	// backoff. Defaults: 1s base, 30s cap.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// MaxReconnects gives up after this many consecutive failures.
	// Zero retries forever.
	MaxReconnects int
}

func (c *Config) applyDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Session is one authenticated BTP connection to a peer. Outbound sessions
// own a dial-reconnect loop; inbound sessions wrap an already-upgraded and
// authenticated connection and end when it drops.
type Session struct {
	cfg     Config
	handler Handler
	log     *slog.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	send    chan []byte
	pending map[uint32]chan ilp.Packet

	nextReq  atomic.Uint32
	lastSeen atomic.Int64 // unix nanos of last inbound frame

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// OnStateChange, when set, observes every state transition.
	OnStateChange func(peerID string, state State)
}

// NewOutbound creates a session that dials cfg.URL. Call Start to begin the
// connect loop.
func NewOutbound(cfg Config, handler Handler, log *slog.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		handler: handler,
		log:     log.With("peer", cfg.PeerID),
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		state:   StateDisconnected,
		pending: make(map[uint32]chan ilp.Packet),
		closed:  make(chan struct{}),
	}
}

// NewInbound wraps a server-side connection that has already completed the
// AUTH exchange. The session serves until the connection drops.
func NewInbound(peerID string, conn *websocket.Conn, handler Handler, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:     Config{PeerID: peerID},
		handler: handler,
		log:     log.With("peer", peerID),
		state:   StateOpen,
		pending: make(map[uint32]chan ilp.Packet),
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(conn)
		s.Close()
	}()
	return s
}

// Start launches the outbound connect loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOutbound()
	}()
}

func (s *Session) PeerID() string { return s.cfg.PeerID }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the time of the last inbound frame, zero if none.
func (s *Session) LastSeen() time.Time {
	n := s.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if s.OnStateChange != nil {
		s.OnStateChange(s.cfg.PeerID, next)
	}
}

// Close shuts the session down permanently. Pending requests fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(CloseGoingAway, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
		}
		s.failPending()
	})
}

// Wait blocks until the session's goroutines have exited.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) runOutbound() {
	attempt := 0
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.dialAndAuth()
		if err != nil {
			attempt++
			if s.cfg.MaxReconnects > 0 && attempt >= s.cfg.MaxReconnects {
				s.log.Error("giving up on peer after repeated connect failures",
					"attempts", attempt, "error", err)
				s.Close()
				return
			}
			delay := s.backoff(attempt)
			s.log.Warn("btp connect failed, retrying",
				"attempt", attempt, "retryIn", delay, "error", err)
			s.setState(StateDisconnected)
			select {
			case <-s.closed:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.log.Info("btp session established", "url", s.cfg.URL)
		s.serve(conn)

		select {
		case <-s.closed:
			return
		default:
			s.log.Warn("btp session lost, reconnecting")
			s.setState(StateDisconnected)
		}
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBase << (attempt - 1)
	if d <= 0 || d > s.cfg.ReconnectMax {
		d = s.cfg.ReconnectMax
	}
	// Jitter avoids reconnect stampedes when a peer restarts.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (s *Session) dialAndAuth() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.setState(StateAuthenticating)
	token, err := DeriveAuthToken(s.cfg.SharedSecret, s.cfg.LocalNodeID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	payload, err := marshalAuth(s.cfg.LocalNodeID, token)
	if err != nil {
		conn.Close()
		return nil, err
	}
	authFrame := &Frame{Kind: KindAuth, RequestID: s.allocRequestID(), Payload: payload}
	data, err := authFrame.Marshal()
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await auth ack: %w", err)
	}
	ack, err := UnmarshalFrame(msg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Kind != KindAuthAck || ack.RequestID != authFrame.RequestID {
		conn.Close()
		return nil, fmt.Errorf("expected AUTH_ACK for request %d, got %s/%d",
			authFrame.RequestID, kindName(ack.Kind), ack.RequestID)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// serve runs the pumps for one connection and blocks until it drops.
func (s *Session) serve(conn *websocket.Conn) {
	send := make(chan []byte, sendQueue)
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.send = send
	s.mu.Unlock()
	s.setState(StateOpen)

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.writePump(conn, send, done)
	}()

	s.readPump(conn)
	close(done)
	conn.Close()
	pumps.Wait()

	s.mu.Lock()
	s.conn = nil
	s.send = nil
	s.mu.Unlock()
	s.failPending()
}

func (s *Session) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(frameHeaderSize + maxFramePayload)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("btp read error", "error", err)
			}
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())

		frame, err := UnmarshalFrame(msg)
		if err != nil {
			s.log.Warn("dropping malformed btp frame", "error", err)
			msg := websocket.FormatCloseMessage(ClosePolicyViolation, "malformed frame")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		switch frame.Kind {
		case KindRequest:
			s.wg.Add(1)
			go func(f *Frame) {
				defer s.wg.Done()
				s.handleRequest(f)
			}(frame)
		case KindResponse:
			s.dispatchResponse(frame)
		default:
			// AUTH traffic after the handshake is a protocol violation.
			s.log.Warn("unexpected frame after handshake", "kind", kindName(frame.Kind))
			msg := websocket.FormatCloseMessage(ClosePolicyViolation, "unexpected frame")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.log.Warn("btp write error", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		case <-s.closed:
			return
		}
	}
}

// handleRequest parses the inbound packet, runs the handler, and sends the
// correlated response. A packet that fails to parse gets an F01 reject.
func (s *Session) handleRequest(frame *Frame) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var resp ilp.Packet
	pkt, err := ilp.Parse(frame.Payload)
	if err != nil {
		s.log.Warn("rejecting unparseable packet", "requestId", frame.RequestID, "error", err)
		resp = &ilp.Reject{Code: ilp.CodeF01InvalidPacket, Message: "malformed packet"}
	} else {
		resp = s.handler.HandlePacket(ctx, s.cfg.PeerID, pkt)
	}
	if resp == nil {
		return
	}

	payload, err := ilp.Serialize(resp)
	if err != nil {
		s.log.Error("cannot serialize response packet", "error", err)
		return
	}
	out := &Frame{Kind: KindResponse, RequestID: frame.RequestID, Payload: payload}
	data, err := out.Marshal()
	if err != nil {
		s.log.Error("cannot marshal response frame", "error", err)
		return
	}
	if err := s.enqueue(data); err != nil {
		s.log.Warn("response dropped", "requestId", frame.RequestID, "error", err)
	}
}

func (s *Session) dispatchResponse(frame *Frame) {
	pkt, err := ilp.Parse(frame.Payload)
	if err != nil {
		s.log.Warn("dropping malformed response", "requestId", frame.RequestID, "error", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[frame.RequestID]
	if ok {
		delete(s.pending, frame.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Late response after the requester timed out.
		s.log.Debug("response for unknown request", "requestId", frame.RequestID)
		return
	}
	ch <- pkt
}

func (s *Session) allocRequestID() uint32 {
	for {
		id := s.nextReq.Add(1)
		if id != 0 {
			return id
		}
	}
}

func (s *Session) enqueue(data []byte) error {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return ErrNotOpen
	}
	select {
	case send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-time.After(writeWait):
		return ErrBackpressure
	}
}

// failPending closes every in-flight sink; waiters see ErrSessionClosed.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]chan ilp.Packet)
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// SendPrepare forwards a Prepare to the peer and waits for the correlated
// Fulfill or Reject. It gives up at the packet's expiry, returning
// ErrRequestTimed so the caller can synthesize an R00 reject.
func (s *Session) SendPrepare(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error) {
	deadline := p.ExpiresAt
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return s.SendRequest(ctx, p)
}

// SendRequest sends any packet as a correlated request and waits for the
// peer's response.
func (s *Session) SendRequest(ctx context.Context, pkt ilp.Packet) (ilp.Packet, error) {
	if s.State() != StateOpen {
		return nil, ErrNotOpen
	}
	payload, err := ilp.Serialize(pkt)
	if err != nil {
		return nil, err
	}

	id := s.allocRequestID()
	ch := make(chan ilp.Packet, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	frame := &Frame{Kind: KindRequest, RequestID: id, Payload: payload}
	data, err := frame.Marshal()
	if err != nil {
		s.dropPending(id)
		return nil, err
	}
	if err := s.enqueue(data); err != nil {
		s.dropPending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		s.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRequestTimed
		}
		return nil, ctx.Err()
	case <-s.closed:
		s.dropPending(id)
		return nil, ErrSessionClosed
	}
}

func (s *Session) dropPending(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
