package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// A nil CheckOrigin accepts requests without an Origin header and rejects
// browsers on a foreign origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// StreamHandler pushes a snapshot to websocket clients on connect and after
// every dashboard update. Slow clients only ever see the latest snapshot.
func StreamHandler(d *Dashboard) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("failed to upgrade dashboard stream", "error", err)
			return
		}
		defer conn.Close()

		latest := make(chan Snapshot, 1)
		offer := func(s Snapshot) {
			select {
			case latest <- s:
				return
			default:
			}
			// Replace the stale snapshot.
			select {
			case <-latest:
			default:
			}
			select {
			case latest <- s:
			default:
			}
		}
		offer(d.Snapshot())
		id := d.Subscribe(offer)
		defer d.Unsubscribe(id)
		slog.Debug("dashboard stream client connected", "subscriber", id, "remote", r.RemoteAddr)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				slog.Debug("dashboard stream client disconnected", "subscriber", id)
				return
			case <-r.Context().Done():
				return
			case snap := <-latest:
				payload, err := json.Marshal(snap)
				if err != nil {
					slog.Error("failed to encode dashboard snapshot", "error", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					slog.Debug("failed to write dashboard snapshot", "error", err)
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}

// SnapshotHandler serves the current snapshot as JSON.
func SnapshotHandler(d *Dashboard) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Snapshot()); err != nil {
			slog.Error("failed to encode dashboard snapshot", "error", err)
		}
	})
}
