package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsHub fans each tick's snapshot out to websocket subscribers. A slow
// or dead subscriber is dropped, never waited on.
type wsHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard stream is same-origin behind the API
			// gateway; cross-origin policy is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// StreamHandler upgrades the connection and subscribes it to the
// snapshot stream until the client disconnects.
func (d *Dashboard) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn("Dashboard stream upgrade failed", "error", err.Error())
			return
		}

		d.hub.add(conn)
		d.logger.Debug("Dashboard stream subscriber connected", "remote", conn.RemoteAddr().String())

		// Send the current state immediately so the client does not
		// wait a full tick for its first frame.
		snap := d.Current()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			d.hub.remove(conn)
			return
		}

		// Reader loop exists only to observe close frames.
		go func() {
			defer d.hub.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func (h *wsHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

// broadcast writes the snapshot to every subscriber, dropping the ones
// that fail.
func (h *wsHub) broadcast(snap Snapshot) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			h.remove(conn)
		}
	}
}

func (h *wsHub) close() {
	h.mu.Lock()
	for c := range h.conns {
		_ = c.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
}
