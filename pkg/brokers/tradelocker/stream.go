package tradelocker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-gateway/pkg/brokers/common"
)

// stream is the background websocket listener forwarding broker-pushed
// account/position/order events into the event sink.
type stream struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

// StartStream dials the push endpoint and forwards events until ctx is
// cancelled or StopStream is called. Calling while a stream is already
// running is a no-op success.
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

	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	s := &stream{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()

	// Subscribe to the account event feed.
	sub := map[string]any{"type": "subscribe", "channels": []string{"account", "positions", "orders"}}
	if err := conn.WriteJSON(sub); err != nil {
		s.stop()
		return common.Connectivity(c.cfg.Name, "start_stream", err)
	}

	go c.readLoop(ctx, s, sink)
	return nil
}

// StopStream halts the listener; safe to call when no stream is running.
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

		ev, ok := parsePush(c.cfg.Name, msg)
		if !ok {
			continue
		}
		sink.Publish("broker."+c.cfg.Name, string(ev.Type), ev)
	}
}

func parsePush(broker string, msg []byte) (common.PushEvent, bool) {
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.PushEvent{}, false
	}
	var kind common.PushEventType
	switch raw.Type {
	case "account":
		kind = common.PushAccount
	case "position", "positions":
		kind = common.PushPosition
	case "order", "orders":
		kind = common.PushOrder
	default:
		return common.PushEvent{}, false
	}
	var payload any
	_ = json.Unmarshal(raw.Data, &payload)
	return common.PushEvent{
		Broker:  broker,
		Type:    kind,
		Payload: payload,
		At:      time.Now().UTC(),
	}, true
}
