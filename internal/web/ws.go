package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wsQueueSize buffers bus events per connection; a slow browser misses
// events rather than stalling the loop.
const wsQueueSize = 64

// wsWriteTimeout bounds one frame write to a client.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow same-origin and direct connections; restrict
		// cross-origin to localhost for development.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// handleWebSocket streams bus events to the client as JSON frames
// until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(wsQueueSize)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	// Drain client frames so close and ping control messages are
	// processed; inbound data frames are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
