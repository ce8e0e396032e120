package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signal-gateway/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTopics are the lifecycle topics streamed to websocket clients.
var wsTopics = []events.Event{
	events.EventSignalReceived,
	events.EventSignalExecuted,
	events.EventSignalFailed,
	events.EventSignalPartial,
	events.EventSignalRejected,
	events.EventRiskDenied,
	events.EventBrokerPush,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warnw("ws upgrade error", "error", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Merge every topic into one stream for the client.
	merged := make(chan events.Envelope, 100)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range wsTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(ch <-chan events.Envelope) {
			for env := range ch {
				select {
				case merged <- env:
				case <-done:
					return
				}
			}
		}(stream)
	}

	for env := range merged {
		if err := conn.WriteJSON(env); err != nil {
			s.Log.Warnw("ws write error", "error", err)
			return
		}
	}
}
