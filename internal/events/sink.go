package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink publishes gateway events on the in-process bus and mirrors them to a
// redis channel for external consumers. Publication is strictly best-effort:
// a sink failure is logged and never surfaces to the execution path, and a
// failed publish is not retried.
type Sink struct {
	bus     *Bus
	rdb     *redis.Client
	channel string
	log     *zap.SugaredLogger
}

// NewSink wires a sink over the bus. rdb may be nil, in which case only the
// in-process bus receives events.
func NewSink(bus *Bus, rdb *redis.Client, channel string, log *zap.SugaredLogger) *Sink {
	if channel == "" {
		channel = "signal-gateway.events"
	}
	return &Sink{bus: bus, rdb: rdb, channel: channel, log: log}
}

// Emit publishes an envelope on a topic.
func (s *Sink) Emit(topic Event, subject, eventType string, data any) {
	env := Envelope{
		Topic:   topic,
		Subject: subject,
		Type:    eventType,
		Data:    data,
		At:      time.Now().UTC(),
	}
	s.bus.Publish(topic, env)
	s.mirror(env)
}

// Publish satisfies the adapter-facing publisher contract; broker push
// events land on the broker.push topic.
func (s *Sink) Publish(subject, eventType string, data any) {
	s.Emit(EventBrokerPush, subject, eventType, data)
}

func (s *Sink) mirror(env Envelope) {
	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.Warnw("event marshal failed", "topic", env.Topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.Warnw("event publish degraded", "topic", env.Topic, "error", err)
	}
}
