package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// wsBuffer is the per-client event queue; slow clients lose the
	// oldest events rather than stalling publishers.
	wsBuffer     = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control surface is same-host tooling; origin checks are the
	// reverse proxy's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events upgrades to WebSocket and streams bus events as JSON objects,
// one message per event, until the client disconnects.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsub := h.app.Bus.SubscribeChan(wsBuffer)
	defer unsub()

	// Reader goroutine: consume control frames and detect disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("remote", r.RemoteAddr).Msg("Event stream client connected")
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed, dropping client")
				return
			}
		}
	}
}
