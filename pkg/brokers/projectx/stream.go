package projectx

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-gateway/pkg/brokers/common"
)

type stream struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

// StartStream opens the user hub and forwards account, position and order
// updates to the sink. Requires an authenticated session for the bearer token.
func (c *Client) StartStream(ctx context.Context, sink common.EventPublisher) error {
	if c.cfg.WSURL == "" {
		return common.NotSupported(c.cfg.Name, "start_stream")
	}
	if !c.Connected() {
		return common.NotConnected(c.cfg.Name, "start_stream")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	sub := map[string]any{
		"action":   "subscribe",
		"channels": []string{"accounts", "positions", "orders"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	s := &stream{conn: conn, done: make(chan struct{})}
	c.stream = s
	go s.readLoop(c.cfg.Name, sink)
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.done:
		}
	}()
	return nil
}

func (c *Client) StopStream() {
	if c.stream != nil {
		c.stream.stop()
		c.stream = nil
	}
}

func (s *stream) stop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *stream) readLoop(broker string, sink common.EventPublisher) {
	defer s.stop()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := parsePush(broker, msg)
		if !ok {
			continue
		}
		sink.Publish("broker."+broker, string(ev.Type), ev)
	}
}

// parsePush maps a hub frame to a push event. Frames carry a channel name
// and a data object; anything else is ignored.
func parsePush(broker string, msg []byte) (common.PushEvent, bool) {
	var frame struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return common.PushEvent{}, false
	}
	var typ common.PushEventType
	switch frame.Channel {
	case "accounts":
		typ = common.PushAccount
	case "positions":
		typ = common.PushPosition
	case "orders":
		typ = common.PushOrder
	default:
		return common.PushEvent{}, false
	}
	return common.PushEvent{
		Broker:  broker,
		Type:    typ,
		Payload: frame.Data,
		At:      time.Now().UTC(),
	}, true
}
