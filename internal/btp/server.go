package btp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// AuthFunc resolves the shared secret for an authenticating peer. Returning
// false rejects the peer outright.
type AuthFunc func(peerID string) (sharedSecret string, ok bool)

// Server accepts inbound BTP connections: it upgrades the HTTP request,
// verifies the peer's AUTH frame, and hands the connection to an inbound
// Session registered under the peer's id.
type Server struct {
	auth     AuthFunc
	handler  Handler
	registry *Registry
	log      *slog.Logger
	upgrader websocket.Upgrader

	// OnSessionOpen fires after an authenticated session is registered.
	OnSessionOpen func(s *Session)
	// OnSessionClosed fires after a session ends and leaves the registry.
	OnSessionClosed func(peerID string)
}

func NewServer(auth AuthFunc, handler Handler, registry *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth:     auth,
		handler:  handler,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are authenticated by the AUTH frame, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("btp upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peerID, reqID, err := srv.authenticate(conn)
	if err != nil {
		srv.log.Warn("btp auth failed", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	ack := &Frame{Kind: KindAuthAck, RequestID: reqID}
	data, _ := ack.Marshal()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		srv.log.Warn("btp auth ack write failed", "peer", peerID, "error", err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	sess := NewInbound(peerID, conn, srv.handler, srv.log)
	srv.registry.Put(sess)
	srv.log.Info("inbound btp session open", "peer", peerID, "remote", r.RemoteAddr)
	if srv.OnSessionOpen != nil {
		srv.OnSessionOpen(sess)
	}

	go func() {
		sess.Wait()
		srv.registry.Remove(peerID, sess)
		srv.log.Info("inbound btp session closed", "peer", peerID)
		if srv.OnSessionClosed != nil {
			srv.OnSessionClosed(peerID)
		}
	}()
}

// authenticate reads the first frame, which must be AUTH with a token
// matching the HKDF derivation for the claimed peer.
func (srv *Server) authenticate(conn *websocket.Conn) (peerID string, reqID uint32, err error) {
	conn.SetReadLimit(frameHeaderSize + maxFramePayload)
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", 0, err
	}
	frame, err := UnmarshalFrame(msg)
	if err != nil {
		return "", 0, err
	}
	if frame.Kind != KindAuth {
		return "", 0, errFirstFrameNotAuth(frame.Kind)
	}
	cred, err := unmarshalAuth(frame.Payload)
	if err != nil {
		return "", 0, err
	}
	secret, ok := srv.auth(cred.PeerID)
	if !ok {
		return "", 0, errUnknownPeer(cred.PeerID)
	}
	if !VerifyAuthToken(secret, cred.PeerID, cred.Token) {
		return "", 0, errBadToken(cred.PeerID)
	}
	return cred.PeerID, frame.RequestID, nil
}

type authError string

func (e authError) Error() string { return string(e) }

func errFirstFrameNotAuth(kind uint8) error {
	return authError("first frame must be AUTH, got " + kindName(kind))
}
func errUnknownPeer(peerID string) error { return authError("unknown peer " + peerID) }
func errBadToken(peerID string) error    { return authError("bad auth token for peer " + peerID) }
