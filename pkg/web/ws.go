package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The inspector is meant for operators on a trusted network.
		return true
	},
}

// handleWS upgrades the connection and streams stats snapshots until the
// client goes away.
func (i *Inspector) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.logger.Errorf("websocket upgrade: %v", err)
		return
	}

	i.connMu.Lock()
	i.conns[conn] = struct{}{}
	i.connMu.Unlock()

	go i.streamStats(conn)
}

func (i *Inspector) streamStats(conn *websocket.Conn) {
	defer func() {
		i.connMu.Lock()
		delete(i.conns, conn)
		i.connMu.Unlock()
		conn.Close()
	}()

	// Drain the read side so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	// First frame immediately, then one per tick.
	if err := conn.WriteJSON(i.source.Stats()); err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(i.source.Stats()); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					i.logger.Debugf("websocket write: %v", err)
				}
				return
			}
		case <-done:
			return
		}
	}
}
