package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayhub/relayhub/internal/cache"
	"github.com/relayhub/relayhub/internal/registry"
	"github.com/relayhub/relayhub/internal/store"
	"github.com/relayhub/relayhub/pkg/protocol"
)

func setupTestRouter(t *testing.T) *Router {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return New(registry.New(), cache.New(), s, slog.Default(), Options{})
}

func newWSServer(t *testing.T, rt *Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readRaw reads one text message with a deadline.
func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(readRaw(t, conn), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// connectAgent registers a connection under the agent role and consumes
// the registered reply.
func connectAgent(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, srv)
	sendJSON(t, conn, `{"type":"register","role":"esp32","id":"`+id+`","mac":"AA:BB","ip":"10.0.0.5"}`)
	m := readMsg(t, conn)
	if m["type"] != protocol.TypeRegistered || m["id"] != id {
		t.Fatalf("agent handshake reply: %v", m)
	}
	return conn
}

// connectFrontend registers a frontend and consumes the registered reply
// and the initial agent list, which it returns.
func connectFrontend(t *testing.T, srv *httptest.Server) (*websocket.Conn, []any) {
	t.Helper()
	conn := dialWS(t, srv)
	sendJSON(t, conn, `{"type":"register","role":"frontend"}`)
	m := readMsg(t, conn)
	if m["type"] != protocol.TypeRegistered || m["role"] != protocol.RoleFrontend {
		t.Fatalf("frontend handshake reply: %v", m)
	}
	list := readMsg(t, conn)
	if list["type"] != protocol.TypeAgentList {
		t.Fatalf("expected %s, got %v", protocol.TypeAgentList, list)
	}
	items, _ := list["items"].([]any)
	return conn, items
}

func TestAgentHandshake(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	connectAgent(t, srv, "esp32_01")

	if _, ok := rt.registry.LookupAgent("esp32_01"); !ok {
		t.Error("expected agent in registry")
	}

	dev, err := rt.store.GetDevice(context.Background(), "esp32_01")
	if err != nil || dev == nil {
		t.Fatalf("GetDevice: %v, %v", dev, err)
	}
	if !dev.Online || dev.Mac != "AA:BB" {
		t.Errorf("device record: %+v", dev)
	}
}

func TestFrontendHandshakeListsAgentsSorted(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	connectAgent(t, srv, "esp32_02")
	connectAgent(t, srv, "esp32_01")

	_, items := connectFrontend(t, srv)
	if len(items) != 2 || items[0] != "esp32_01" || items[1] != "esp32_02" {
		t.Errorf("agent list: got %v, want sorted ids", items)
	}
}

func TestAgentOnlineOfflineBroadcast(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, items := connectFrontend(t, srv)
	if len(items) != 0 {
		t.Fatalf("expected empty initial list, got %v", items)
	}

	agent := connectAgent(t, srv, "esp32_01")

	m := readMsg(t, fe)
	if m["type"] != protocol.TypeOnline || m["id"] != "esp32_01" {
		t.Fatalf("expected online event, got %v", m)
	}

	_ = agent.Close()

	m = readMsg(t, fe)
	if m["type"] != protocol.TypeOffline || m["id"] != "esp32_01" {
		t.Fatalf("expected offline event, got %v", m)
	}

	dev, err := rt.store.GetDevice(context.Background(), "esp32_01")
	if err != nil || dev == nil {
		t.Fatalf("GetDevice: %v, %v", dev, err)
	}
	if dev.Online {
		t.Error("expected device marked offline in store")
	}
}

func TestStateBroadcastVerbatim(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)
	agent := connectAgent(t, srv, "esp32_01")
	if m := readMsg(t, fe); m["type"] != protocol.TypeOnline {
		t.Fatalf("expected online event, got %v", m)
	}

	state := `{"type":"state","from":"esp32_01","device":"relay","id":0,"state":"on","rssi":-61}`
	sendJSON(t, agent, state)

	if got := string(readRaw(t, fe)); got != state {
		t.Errorf("state not forwarded verbatim:\n got %s\nwant %s", got, state)
	}

	cached, ok := rt.cache.Get("esp32_01", "relay", 0)
	if !ok || string(cached) != state {
		t.Errorf("cache entry: ok=%v, %s", ok, cached)
	}
}

func TestMalformedStateStillBroadcast(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)
	agent := connectAgent(t, srv, "esp32_01")
	if m := readMsg(t, fe); m["type"] != protocol.TypeOnline {
		t.Fatalf("expected online event, got %v", m)
	}

	// The index has the wrong type: the cache rejects it, frontends
	// still receive it.
	state := `{"type":"state","from":"esp32_01","device":"relay","id":"zero","state":"on"}`
	sendJSON(t, agent, state)

	if got := string(readRaw(t, fe)); got != state {
		t.Errorf("malformed state not forwarded: %s", got)
	}
	if rt.cache.Count() != 0 {
		t.Errorf("cache count: got %d, want 0", rt.cache.Count())
	}
}

func TestCommandForwarding(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	agent := connectAgent(t, srv, "esp32_01")
	fe, _ := connectFrontend(t, srv)

	cmd := `{"type":"command","to":"esp32_01","device":"relay","id":0,"action":"toggle"}`
	sendJSON(t, fe, cmd)

	if got := string(readRaw(t, agent)); got != cmd {
		t.Errorf("command not forwarded verbatim: %s", got)
	}
}

func TestCommandUnknownTarget(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)
	sendJSON(t, fe, `{"type":"command","to":"esp32_99","action":"on"}`)

	m := readMsg(t, fe)
	if m["type"] != protocol.TypeError {
		t.Fatalf("expected error reply, got %v", m)
	}
	if msg, _ := m["message"].(string); !strings.Contains(msg, "esp32_99") {
		t.Errorf("error message: %q", msg)
	}
}

func TestCommandMissingTarget(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)
	sendJSON(t, fe, `{"type":"command","action":"on"}`)

	if m := readMsg(t, fe); m["type"] != protocol.TypeError {
		t.Fatalf("expected error reply, got %v", m)
	}
}

func TestGetStateCachedAndForwarded(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	agent := connectAgent(t, srv, "esp32_01")
	state := `{"type":"state","from":"esp32_01","device":"relay","id":0,"state":"on"}`
	sendJSON(t, agent, state)

	// A ping/pong round trip guarantees the state was dispatched before
	// the frontend asks for it.
	sendJSON(t, agent, `{"type":"ping"}`)
	if m := readMsg(t, agent); m["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", m)
	}

	fe, _ := connectFrontend(t, srv)
	sendJSON(t, fe, `{"type":"get_state","to":"esp32_01"}`)

	// Cached answer comes first, from the hub itself.
	if got := string(readRaw(t, fe)); got != state {
		t.Errorf("cached reply: got %s", got)
	}

	// The live agent also receives the request.
	m := readMsg(t, agent)
	if m["type"] != protocol.TypeGetState || m["to"] != "esp32_01" {
		t.Errorf("forwarded get_state: %v", m)
	}
}

func TestGetStateOfflineAgent(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)
	sendJSON(t, fe, `{"type":"get_state","to":"esp32_07"}`)

	m := readMsg(t, fe)
	if m["type"] != protocol.TypeWarning {
		t.Fatalf("expected warning, got %v", m)
	}
	if msg, _ := m["message"].(string); !strings.Contains(msg, "esp32_07") {
		t.Errorf("warning message: %q", msg)
	}
}

func TestPingPong(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	agent := connectAgent(t, srv, "esp32_01")
	sendJSON(t, agent, `{"type":"ping","from":"esp32_01"}`)
	if m := readMsg(t, agent); m["type"] != protocol.TypePong {
		t.Errorf("agent ping reply: %v", m)
	}

	fe, _ := connectFrontend(t, srv)
	sendJSON(t, fe, `{"type":"ping"}`)
	if m := readMsg(t, fe); m["type"] != protocol.TypePong {
		t.Errorf("frontend ping reply: %v", m)
	}
}

func TestFirstMessageMustBeRegister(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	conn := dialWS(t, srv)
	sendJSON(t, conn, `{"type":"ping"}`)

	if m := readMsg(t, conn); m["type"] != protocol.TypeError {
		t.Fatalf("expected error reply, got %v", m)
	}

	// The hub closes the connection after the protocol violation.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestRegisterUnknownRole(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	conn := dialWS(t, srv)
	sendJSON(t, conn, `{"type":"register","role":"admin"}`)

	if m := readMsg(t, conn); m["type"] != protocol.TypeError {
		t.Fatalf("expected error reply, got %v", m)
	}
}

func TestAgentRegisterRequiresID(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	conn := dialWS(t, srv)
	sendJSON(t, conn, `{"type":"register","role":"esp32"}`)

	if m := readMsg(t, conn); m["type"] != protocol.TypeError {
		t.Fatalf("expected error reply, got %v", m)
	}
}

func TestReconnectRaceEmitsNoSpuriousOffline(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	fe, _ := connectFrontend(t, srv)

	old := connectAgent(t, srv, "esp32_01")
	if m := readMsg(t, fe); m["type"] != protocol.TypeOnline {
		t.Fatalf("expected online event, got %v", m)
	}

	// Second connection under the same id replaces the first.
	fresh := connectAgent(t, srv, "esp32_01")
	if m := readMsg(t, fe); m["type"] != protocol.TypeOnline {
		t.Fatalf("expected second online event, got %v", m)
	}

	// Closing the old connection must not announce the agent offline:
	// its handler no longer owns the registry entry.
	_ = old.Close()
	time.Sleep(100 * time.Millisecond)

	state := `{"type":"state","from":"esp32_01","device":"relay","id":0,"state":"on"}`
	sendJSON(t, fresh, state)

	got := string(readRaw(t, fe))
	if strings.Contains(got, protocol.TypeOffline) {
		t.Fatalf("spurious offline event reached frontend: %s", got)
	}
	if got != state {
		t.Errorf("expected the state broadcast next, got %s", got)
	}

	if _, ok := rt.registry.LookupAgent("esp32_01"); !ok {
		t.Error("fresh connection missing from registry")
	}
}

func TestAgentReconnectRebroadcastsCachedState(t *testing.T) {
	rt := setupTestRouter(t)
	srv := newWSServer(t, rt)

	agent := connectAgent(t, srv, "esp32_01")
	state := `{"type":"state","from":"esp32_01","device":"relay","id":0,"state":"on"}`
	sendJSON(t, agent, state)

	// Drain dispatch before any frontend exists so the live broadcast
	// cannot race with the frontend handshake below.
	sendJSON(t, agent, `{"type":"ping"}`)
	if m := readMsg(t, agent); m["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", m)
	}

	fe, _ := connectFrontend(t, srv)
	_ = agent.Close()
	if m := readMsg(t, fe); m["type"] != protocol.TypeOffline {
		t.Fatalf("expected offline event, got %v", m)
	}

	connectAgent(t, srv, "esp32_01")

	if m := readMsg(t, fe); m["type"] != protocol.TypeOnline {
		t.Fatalf("expected online event, got %v", m)
	}
	// Frontends that missed the live broadcast get the last known state
	// right after the reconnect announcement.
	if got := string(readRaw(t, fe)); got != state {
		t.Errorf("cached state rebroadcast: got %s", got)
	}
}

// failingPeer always fails to send, standing in for a dead connection.
type failingPeer struct{}

func (failingPeer) Send(payload any) error { return errors.New("connection gone") }

// recordingPeer captures every payload it is asked to send.
type recordingPeer struct {
	sent []any
}

func (p *recordingPeer) Send(payload any) error {
	p.sent = append(p.sent, payload)
	return nil
}

func TestBroadcastFailureIsolation(t *testing.T) {
	rt := setupTestRouter(t)

	good := &recordingPeer{}
	rt.registry.AddFrontend("good", good)
	rt.registry.AddFrontend("dead", failingPeer{})

	rt.broadcastToFrontends(protocol.AgentEvent{Type: protocol.TypeOnline, ID: "esp32_01"})

	if len(good.sent) != 1 {
		t.Errorf("healthy frontend received %d messages, want 1", len(good.sent))
	}
	if rt.registry.FrontendCount() != 1 {
		t.Errorf("frontend count after broadcast: got %d, want 1", rt.registry.FrontendCount())
	}
}

func TestProbeFrontendsPrunesDead(t *testing.T) {
	rt := setupTestRouter(t)

	good := &recordingPeer{}
	rt.registry.AddFrontend("good", good)
	rt.registry.AddFrontend("dead", failingPeer{})

	rt.probeFrontends()

	if rt.registry.FrontendCount() != 1 {
		t.Errorf("frontend count after probe: got %d, want 1", rt.registry.FrontendCount())
	}
	if len(good.sent) != 1 {
		t.Fatalf("healthy frontend received %d probes, want 1", len(good.sent))
	}
	ping, ok := good.sent[0].(protocol.Ping)
	if !ok || ping.Type != protocol.TypePing {
		t.Errorf("probe payload: %v", good.sent[0])
	}
}
