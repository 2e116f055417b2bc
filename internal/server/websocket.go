package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the runId itself is the capability
	},
}

const writeTimeout = 10 * time.Second

// handleRunEvents streams a run's events over a WebSocket. The
// subscriber sees only events published after it attached; a run that
// has already finished (or never existed) is a 404.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.runs.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer sub.Close()

	// Drain client frames so closes and pings are processed; the
	// stream is one-way.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// Topic torn down after the terminal event.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event marshal failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
