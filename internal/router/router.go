// Package router manages WebSocket connections for both device agents
// and control frontends, and routes messages between them.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhub/relayhub/internal/cache"
	"github.com/relayhub/relayhub/internal/registry"
	"github.com/relayhub/relayhub/internal/store"
	"github.com/relayhub/relayhub/pkg/protocol"
)

// primaryDevice is the sub-device answered from cache on get_state and
// re-broadcast when its agent reconnects.
const (
	primaryDeviceClass = "relay"
	primaryDeviceIndex = 0
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router owns the WebSocket endpoint and message routing between agents
// and frontends.
type Router struct {
	registry *registry.Registry
	cache    *cache.Cache
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageSize int64
	probeInterval  time.Duration
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string      // for WebSocket origin check
	MaxMessageBytes int64         // max WebSocket message size (default 64KB)
	ProbeInterval   time.Duration // frontend liveness probe period (default 30s)
}

// New creates a new Router.
func New(reg *registry.Registry, c *cache.Cache, s store.Store, logger *slog.Logger, opts Options) *Router {
	limit := opts.MaxMessageBytes
	if limit == 0 {
		limit = 64 * 1024 // 64KB default
	}
	probe := opts.ProbeInterval
	if probe == 0 {
		probe = 30 * time.Second
	}

	return &Router{
		registry:       reg,
		cache:          c,
		store:          s,
		logger:         logger.With("component", "router"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		maxMessageSize: limit,
		probeInterval:  probe,
	}
}

// wsPeer wraps one WebSocket connection with a write mutex.
// gorilla/websocket allows at most one concurrent writer.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send marshals payload and writes it as one text message. A
// json.RawMessage payload goes out verbatim.
func (p *wsPeer) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleWS handles the single WebSocket endpoint shared by both roles.
// The first message must be a register; it decides whether the
// connection continues as an agent or a frontend.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(r.maxMessageSize)

	peer := &wsPeer{conn: conn}
	remote := req.RemoteAddr

	stopKeepalive := startWSKeepalive(conn, &peer.mu)
	defer stopKeepalive()

	r.logger.Debug("connection accepted", "peer", remote)

	_, first, err := conn.ReadMessage()
	if err != nil {
		r.logger.Debug("closed before register", "peer", remote, "error", err)
		return
	}

	msg, err := protocol.Decode(first)
	if err != nil || msg.Type != protocol.TypeRegister || msg.Register == nil {
		_ = peer.Send(protocol.NewError("expected a register message first"))
		r.logger.Warn("first message was not register", "peer", remote)
		return
	}

	reg := msg.Register
	switch reg.Role {
	case protocol.RoleAgent:
		if reg.ID == "" {
			_ = peer.Send(protocol.NewError("agent register requires a valid id"))
			r.logger.Warn("agent register without id", "peer", remote)
			return
		}
		r.serveAgent(peer, reg, remote)
	case protocol.RoleFrontend:
		r.serveFrontend(peer, remote)
	default:
		_ = peer.Send(protocol.NewError("invalid role %q: use %q or %q", reg.Role, protocol.RoleAgent, protocol.RoleFrontend))
		r.logger.Warn("register with unknown role", "peer", remote, "role", reg.Role)
	}
}

// serveAgent registers the connection as the addressable route for an
// agent id and runs its receive loop until disconnect.
func (r *Router) serveAgent(peer *wsPeer, reg *protocol.Register, remote string) {
	agentID := reg.ID
	ctx := context.Background()

	// Newest connection for an id always wins; a previous entry is simply
	// replaced and its handler's cleanup is neutralized by the unregister
	// guard below.
	r.registry.RegisterAgent(agentID, peer, reg.Mac, reg.IP)

	now := time.Now()
	if err := r.store.UpsertDevice(ctx, &store.Device{
		ID: agentID, Mac: reg.Mac, IP: reg.IP, Online: true, FirstSeen: now, LastSeen: now,
	}); err != nil {
		r.logger.Warn("failed to upsert device", "agent_id", agentID, "error", err)
	}
	r.logEvent(agentID, store.ActionDeviceOnline, nil)

	r.logger.Info("agent registered", "agent_id", agentID, "mac", reg.Mac, "ip", reg.IP, "peer", remote)

	_ = peer.Send(protocol.Registered{Type: protocol.TypeRegistered, ID: agentID})
	r.broadcastToFrontends(protocol.AgentEvent{Type: protocol.TypeOnline, ID: agentID})

	// Re-synchronize frontends that connected before this agent did.
	if cached, ok := r.cache.Get(agentID, primaryDeviceClass, primaryDeviceIndex); ok {
		r.broadcastToFrontends(cached)
	}

	defer func() {
		// Only the handler that still owns the registry entry announces
		// the agent offline; a reconnection race must not emit a spurious
		// offline event for an id that is online under a newer connection.
		if r.registry.UnregisterAgent(agentID, peer) {
			r.logger.Info("agent disconnected", "agent_id", agentID, "peer", remote)
			if err := r.store.SetDeviceOnline(ctx, agentID, false); err != nil {
				r.logger.Warn("failed to mark device offline", "agent_id", agentID, "error", err)
			}
			r.logEvent(agentID, store.ActionDeviceOffline, nil)
			r.broadcastToFrontends(protocol.AgentEvent{Type: protocol.TypeOffline, ID: agentID})
		} else {
			r.logger.Debug("stale agent connection closed", "agent_id", agentID, "peer", remote)
		}
	}()

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "agent_id", agentID, "error", err)
			return
		}

		r.registry.TouchAgent(agentID)

		msg, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn("invalid message from agent", "agent_id", agentID, "error", err)
			return
		}

		r.dispatchAgent(peer, agentID, msg)
	}
}

// serveFrontend adds the connection to the frontend set and runs its
// receive loop until disconnect.
func (r *Router) serveFrontend(peer *wsPeer, remote string) {
	connID := uuid.New().String()
	r.registry.AddFrontend(connID, peer)

	r.logger.Info("frontend registered", "conn_id", connID, "total", r.registry.FrontendCount(), "peer", remote)

	_ = peer.Send(protocol.Registered{Type: protocol.TypeRegistered, Role: protocol.RoleFrontend})
	_ = peer.Send(protocol.AgentList{Type: protocol.TypeAgentList, Items: r.registry.AgentIDs()})

	defer func() {
		r.registry.RemoveFrontend(connID)
		r.logger.Info("frontend disconnected", "conn_id", connID, "total", r.registry.FrontendCount(), "peer", remote)
	}()

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			r.logger.Debug("frontend read error", "conn_id", connID, "error", err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn("invalid message from frontend", "conn_id", connID, "error", err)
			return
		}

		r.dispatchFrontend(peer, connID, msg)
	}
}

// dispatchAgent routes one inbound message from a registered agent.
func (r *Router) dispatchAgent(peer *wsPeer, agentID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		r.logger.Debug("ping from agent", "agent_id", agentID)
		_ = peer.Send(protocol.NewPong())

	case protocol.TypeState:
		if r.cache.Put(msg.Raw) {
			r.logEvent(agentID, store.ActionStateChanged, msg.Raw)
		} else {
			r.logger.Warn("malformed state message discarded by cache", "agent_id", agentID)
		}
		r.logger.Debug("state from agent", "agent_id", agentID)
		r.broadcastToFrontends(msg.Raw)

	default:
		r.logger.Warn("unhandled message from agent", "agent_id", agentID, "type", msg.Type)
	}
}

// dispatchFrontend routes one inbound message from a registered frontend.
func (r *Router) dispatchFrontend(peer *wsPeer, connID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		r.logger.Debug("ping from frontend", "conn_id", connID)
		_ = peer.Send(protocol.NewPong())

	case protocol.TypeCommand:
		r.handleCommand(peer, connID, msg)

	case protocol.TypeGetState:
		r.handleGetState(peer, connID, msg)

	default:
		r.logger.Warn("unhandled message from frontend", "conn_id", connID, "type", msg.Type)
	}
}

// handleCommand forwards a command verbatim to its target agent.
// Delivery is immediate-or-fail: there is no queueing for offline agents
// and no retry; on a send failure the stale entry is evicted and the
// sender gets one error reply.
func (r *Router) handleCommand(peer *wsPeer, connID string, msg *protocol.Message) {
	if msg.Command == nil || msg.Command.To == "" {
		_ = peer.Send(protocol.NewError("command requires a 'to' field"))
		r.logger.Warn("command without target", "conn_id", connID)
		return
	}
	to := msg.Command.To

	target, ok := r.registry.LookupAgent(to)
	if !ok {
		_ = peer.Send(protocol.NewError("agent not connected: %s", to))
		r.logger.Warn("command target not connected", "conn_id", connID, "target", to)
		return
	}

	if err := target.Send(msg.Raw); err != nil {
		r.registry.UnregisterAgent(to, target)
		_ = peer.Send(protocol.NewError("failed to deliver to agent: %s", to))
		r.logger.Warn("command forward failed, evicted stale agent", "target", to, "error", err)
		r.logEvent(to, store.ActionCommandFailed, msg.Raw)
		return
	}

	r.logger.Debug("command forwarded", "conn_id", connID, "target", to)
	r.logEvent(to, store.ActionCommandForwarded, msg.Raw)
}

// handleGetState answers from cache and forwards to the live agent. Both
// happen independently: the cache gives low-latency UI sync, the live
// forward corrects stale values with a later state broadcast.
func (r *Router) handleGetState(peer *wsPeer, connID string, msg *protocol.Message) {
	if msg.GetState == nil || msg.GetState.To == "" {
		_ = peer.Send(protocol.NewError("get_state requires a 'to' field"))
		r.logger.Warn("get_state without target", "conn_id", connID)
		return
	}
	to := msg.GetState.To

	if cached, ok := r.cache.Get(to, primaryDeviceClass, primaryDeviceIndex); ok {
		_ = peer.Send(cached)
		r.logger.Debug("get_state answered from cache", "conn_id", connID, "target", to)
	}

	target, ok := r.registry.LookupAgent(to)
	if !ok {
		_ = peer.Send(protocol.NewWarning("agent not connected: %s", to))
		r.logger.Debug("get_state target not connected", "conn_id", connID, "target", to)
		return
	}

	if err := target.Send(protocol.GetState{Type: protocol.TypeGetState, To: to}); err != nil {
		r.registry.UnregisterAgent(to, target)
		_ = peer.Send(protocol.NewError("failed to reach agent: %s", to))
		r.logger.Warn("get_state forward failed, evicted stale agent", "target", to, "error", err)
		return
	}
	r.logger.Debug("get_state forwarded", "conn_id", connID, "target", to)
}

// broadcastToFrontends sends one payload to every frontend in a snapshot
// of the live set. Each recipient fails independently; a failed send
// removes only that frontend.
func (r *Router) broadcastToFrontends(payload any) {
	for id, p := range r.registry.Frontends() {
		if err := p.Send(payload); err != nil {
			r.registry.RemoveFrontend(id)
			r.logger.Debug("frontend pruned after failed broadcast", "conn_id", id, "error", err)
		}
	}
}

// logEvent appends to the event log. Store failures are logged and never
// affect routing.
func (r *Router) logEvent(deviceID, action string, detail json.RawMessage) {
	ev := &store.Event{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := r.store.LogEvent(context.Background(), ev); err != nil {
		r.logger.Warn("failed to log event", "action", action, "device_id", deviceID, "error", err)
	}
}
