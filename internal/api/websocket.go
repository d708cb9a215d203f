package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"adx-trader/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one frame on /ws.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const wsWriteTimeout = 10 * time.Second

// websocket streams snapshots and alerts until the client goes away.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	snapshots, unsubSnap := s.Bus.Subscribe(events.EventSnapshot, 16)
	defer unsubSnap()
	alertStream, unsubAlerts := s.Bus.Subscribe(events.EventAlert, 64)
	defer unsubAlerts()

	// reads only detect the close; clients send nothing we act on
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(kind string, data any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(streamMessage{Type: kind, Data: data}); err != nil {
			log.Printf("ws write error: %v", err)
			return false
		}
		return true
	}

	if s.Snapshots != nil {
		if snap, ok := s.Snapshots.Latest(); ok && !write("snapshot", snap) {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-snapshots:
			if !ok || !write("snapshot", msg) {
				return
			}
		case msg, ok := <-alertStream:
			if !ok || !write("alert", msg) {
				return
			}
		}
	}
}
