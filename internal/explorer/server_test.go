package explorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/bus"
	"github.com/ilpmesh/connector/internal/eventstore"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/telemetry"
)

func newTestServer(t *testing.T, fetchers Fetchers) (*Server, *eventstore.MemoryStore, *bus.Bus) {
	t.Helper()
	store := eventstore.NewMemory()
	events := bus.New(nil)
	t.Cleanup(events.Close)
	srv := NewServer(Config{NodeID: "node-1", AllowedOrigins: []string{"https://explorer.example"}},
		store, events, nil, fetchers, nil)
	return srv, store, events
}

func seed(t *testing.T, store eventstore.Store, n int, typ telemetry.EventType, peer string) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := telemetry.NewEvent(typ, "node-1")
		ev.PeerID = peer
		_, err := store.Store(context.Background(), ev)
		require.NoError(t, err)
	}
}

func getJSON(t *testing.T, handler http.Handler, url string, wantStatus int) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, wantStatus, rec.Code, "body: %s", rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEventsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t, Fetchers{})
	seed(t, store, 3, telemetry.EventPacketProcessed, "alice")
	seed(t, store, 2, telemetry.EventPacketRejected, "bob")

	out := getJSON(t, srv.Handler(), "/api/events?types=PACKET_PROCESSED", http.StatusOK)
	assert.EqualValues(t, 3, out["total"])
	assert.Len(t, out["events"], 3)

	out = getJSON(t, srv.Handler(), "/api/events?peerId=bob&limit=1", http.StatusOK)
	assert.EqualValues(t, 2, out["total"])
	assert.Len(t, out["events"], 1)
}

func TestEventsValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, Fetchers{})

	for _, url := range []string{
		"/api/events?limit=0",
		"/api/events?limit=101",
		"/api/events?limit=nope",
		"/api/events?offset=-1",
		"/api/events?since=yesterday",
		"/api/events?until=1.5",
	} {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "url %s", url)
	}
}

func TestEventsEmptyIsArray(t *testing.T) {
	srv, _, _ := newTestServer(t, Fetchers{})

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestAccountEventsAscending(t *testing.T) {
	srv, store, _ := newTestServer(t, Fetchers{})
	seed(t, store, 5, telemetry.EventAccountBalance, "alice")

	out := getJSON(t, srv.Handler(), "/api/accounts/events?types=ACCOUNT_BALANCE", http.StatusOK)
	events := out["events"].([]any)
	require.Len(t, events, 5)
	first := events[0].(map[string]any)
	last := events[4].(map[string]any)
	assert.Less(t, first["seq"].(float64), last["seq"].(float64), "hydration is oldest-first")
}

func TestHealthNeverFails(t *testing.T) {
	srv, store, _ := newTestServer(t, Fetchers{})
	seed(t, store, 2, telemetry.EventPacketProcessed, "alice")

	out := getJSON(t, srv.Handler(), "/api/health", http.StatusOK)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "node-1", out["nodeId"])
	explorer := out["explorer"].(map[string]any)
	assert.EqualValues(t, 2, explorer["eventCount"])
}

func TestOptionalEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, Fetchers{})
	req := httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no fetcher means 404")

	srv2, _, _ := newTestServer(t, Fetchers{
		Balances: func() map[string]int64 { return map[string]int64{"alice": 42} },
		Routes:   func() []routing.Route { return []routing.Route{{Prefix: "g.bob", NextHop: "peerB"}} },
	})
	out := getJSON(t, srv2.Handler(), "/api/balances", http.StatusOK)
	balances := out["balances"].(map[string]any)
	assert.EqualValues(t, 42, balances["alice"])

	out = getJSON(t, srv2.Handler(), "/api/routes", http.StatusOK)
	assert.Len(t, out["routes"], 1)
}

func TestCORS(t *testing.T) {
	srv, _, _ := newTestServer(t, Fetchers{})

	req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "https://explorer.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://explorer.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketFanOut(t *testing.T) {
	srv, _, events := newTestServer(t, Fetchers{})
	unsubscribe := events.Subscribe(srv.hub.broadcast)
	defer unsubscribe()

	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.WSConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	ev := telemetry.NewEvent(telemetry.EventPacketProcessed, "node-1")
	ev.PeerID = "alice"
	events.Emit(ev)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var got telemetry.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, telemetry.EventPacketProcessed, got.Type)
	assert.Equal(t, "alice", got.PeerID)
}

func TestShutdownClosesClientsGoingAway(t *testing.T) {
	srv, _, _ := newTestServer(t, Fetchers{})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.WSConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Zero(t, srv.WSConnections())
}
