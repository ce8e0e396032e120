package tradovate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-gateway/pkg/brokers/common"
)

// Tradovate frames websocket payloads as "<type>\n<body>"; user/syncrequest
// subscribes the session to its own account entity events.
type stream struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (c *Client) StartStream(ctx context.Context, sink common.EventPublisher) error {
	if !c.Connected() {
		return common.NotConnected(c.cfg.Name, "start_stream")
	}
	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	token := c.accessToken
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	s := &stream{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()

	// Authorize the socket, then request entity sync.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("authorize\n1\n\n"+token)); err != nil {
		s.stop()
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("user/syncrequest\n2\n\n{}")); err != nil {
		s.stop()
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	go c.readLoop(ctx, s, sink)
	return nil
}

func (c *Client) StopStream() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (s *stream) stop() {
	s.once.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		close(s.done)
	})
}

func (c *Client) readLoop(ctx context.Context, s *stream, sink common.EventPublisher) {
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		// Heartbeat frames arrive as a bare "h"; answer with "[]".
		if len(msg) == 1 && msg[0] == 'h' {
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte("[]"))
			continue
		}

		for _, ev := range parseFrames(c.cfg.Name, msg) {
			sink.Publish("broker."+c.cfg.Name, string(ev.Type), ev)
		}
	}
}

// parseFrames extracts entity events from an "a[...]" data frame.
func parseFrames(broker string, msg []byte) []common.PushEvent {
	if len(msg) == 0 || msg[0] != 'a' {
		return nil
	}
	var frames []struct {
		E string `json:"e"`
		D struct {
			Entity     json.RawMessage `json:"entity"`
			EntityType string          `json:"entityType"`
		} `json:"d"`
	}
	if err := json.Unmarshal(msg[1:], &frames); err != nil {
		return nil
	}
	var out []common.PushEvent
	for _, f := range frames {
		if f.E != "props" {
			continue
		}
		var kind common.PushEventType
		switch f.D.EntityType {
		case "position":
			kind = common.PushPosition
		case "order":
			kind = common.PushOrder
		case "cashBalance", "account":
			kind = common.PushAccount
		default:
			continue
		}
		var payload any
		_ = json.Unmarshal(f.D.Entity, &payload)
		out = append(out, common.PushEvent{
			Broker:  broker,
			Type:    kind,
			Payload: payload,
			At:      time.Now().UTC(),
		})
	}
	return out
}
