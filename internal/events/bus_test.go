package events

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalExecuted, 4)
	defer unsub()

	bus.Publish(EventSignalExecuted, Envelope{Subject: "sig-1", Type: "buy"})

	select {
	case env := <-ch:
		if env.Topic != EventSignalExecuted {
			t.Errorf("Topic = %q", env.Topic)
		}
		if env.Subject != "sig-1" {
			t.Errorf("Subject = %q", env.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the envelope")
	}
}

func TestBusTopicIsolation(t *testing.T) {
	bus := NewBus()
	executed, unsub1 := bus.Subscribe(EventSignalExecuted, 1)
	defer unsub1()
	failed, unsub2 := bus.Subscribe(EventSignalFailed, 1)
	defer unsub2()

	bus.Publish(EventSignalFailed, Envelope{Subject: "sig-2"})

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("failed topic subscriber got nothing")
	}
	select {
	case env := <-executed:
		t.Fatalf("executed topic got a failed envelope: %+v", env)
	default:
	}
}

func TestBusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventBrokerPush, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventBrokerPush, Envelope{Subject: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffer holds %d, want 1 with remainder dropped", len(ch))
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalReceived, 1)
	unsub()

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing to a topic with no subscribers must be a no-op.
	bus.Publish(EventSignalReceived, Envelope{Subject: "sig-3"})
}

func TestSinkEmitWithoutRedis(t *testing.T) {
	bus := NewBus()
	sink := NewSink(bus, nil, "", zap.NewNop().Sugar())
	ch, unsub := bus.Subscribe(EventRiskDenied, 1)
	defer unsub()

	sink.Emit(EventRiskDenied, "sig-4", "quantity_max", map[string]string{"reason": "too big"})

	select {
	case env := <-ch:
		if env.Subject != "sig-4" || env.Type != "quantity_max" {
			t.Errorf("envelope = %+v", env)
		}
		if env.At.IsZero() {
			t.Error("At not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("emit did not reach the bus")
	}
}

func TestSinkPublishLandsOnBrokerPushTopic(t *testing.T) {
	bus := NewBus()
	sink := NewSink(bus, nil, "", zap.NewNop().Sugar())
	ch, unsub := bus.Subscribe(EventBrokerPush, 1)
	defer unsub()

	sink.Publish("tradovate", "position", map[string]any{"netPos": 2})

	select {
	case env := <-ch:
		if env.Topic != EventBrokerPush {
			t.Errorf("Topic = %q", env.Topic)
		}
		if env.Subject != "tradovate" || env.Type != "position" {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("broker push never delivered")
	}
}
