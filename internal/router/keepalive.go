package router

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayhub/relayhub/pkg/protocol"
)

const (
	// wsPingInterval is how often the hub sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
)

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It
// sets a read deadline, installs a pong handler, and starts a goroutine
// that sends periodic pings. The returned cancel function stops the ping
// goroutine. The provided mutex must be the same one used for all writes
// to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// StartFrontendProber starts the frontend liveness cycle: every probe
// interval it sends a protocol-level ping to a snapshot of the frontend
// set and prunes any handle whose send fails. A probe failure is a
// terminal signal for that connection, never a retry trigger. Agents are
// not probed; their liveness is inferred from last_seen updates and
// transport-level disconnect detection.
func (r *Router) StartFrontendProber(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeFrontends()
			}
		}
	}()
}

func (r *Router) probeFrontends() {
	for id, p := range r.registry.Frontends() {
		if err := p.Send(protocol.Ping{Type: protocol.TypePing}); err != nil {
			r.registry.RemoveFrontend(id)
			r.logger.Info("frontend pruned by liveness probe", "conn_id", id, "error", err)
		}
	}
}
