package httpapi

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams audit events over a websocket. Query params
// task_id and sender_id narrow the stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	taskFilter := strings.TrimSpace(r.URL.Query().Get("task_id"))
	senderFilter := strings.TrimSpace(r.URL.Query().Get("sender_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.events.Subscribe()
	defer cancel()

	// drain client frames so close handshakes are noticed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if taskFilter != "" && evt.TaskID != taskFilter {
				continue
			}
			if senderFilter != "" && evt.SenderID != senderFilter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
