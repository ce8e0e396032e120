package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"signal-gateway/internal/events"
	"signal-gateway/pkg/brokers/common"
)

type stubAdapter struct {
	name       string
	connected  bool
	connectErr error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *stubAdapter) Disconnect(context.Context) error { s.connected = false; return nil }

func (s *stubAdapter) Connected() bool { return s.connected }

func (s *stubAdapter) Authenticate(context.Context) error { return nil }

func (s *stubAdapter) GetAccountInfo(_ context.Context, accountID string) (common.Account, error) {
	return common.Account{Broker: s.name, AccountID: accountID}, nil
}

func (s *stubAdapter) GetPositions(context.Context, string) ([]common.Position, error) {
	return nil, nil
}

func (s *stubAdapter) GetOrders(context.Context, string) ([]common.Order, error) {
	return nil, nil
}

func (s *stubAdapter) PlaceOrder(context.Context, common.OrderRequest) (common.ExecutionResult, error) {
	return common.OKResult(s.name, "1", common.StatusFilled), nil
}

func (s *stubAdapter) ModifyOrder(_ context.Context, _, orderID string, _, _, _ float64) (common.ExecutionResult, error) {
	return common.OKResult(s.name, orderID, common.StatusOpen), nil
}

func (s *stubAdapter) CancelOrder(_ context.Context, _, orderID string) (common.ExecutionResult, error) {
	return common.OKResult(s.name, orderID, common.StatusCancelled), nil
}

func (s *stubAdapter) ClosePosition(_ context.Context, _, positionID string, _ float64) (common.ExecutionResult, error) {
	return common.OKResult(s.name, "close-"+positionID, common.StatusFilled), nil
}

func (s *stubAdapter) ModifyPosition(_ context.Context, _, positionID string, _, _ float64) (common.ExecutionResult, error) {
	return common.OKResult(s.name, positionID, common.StatusOpen), nil
}

func (s *stubAdapter) GetQuote(_ context.Context, symbol string) (common.Quote, error) {
	return common.Quote{Broker: s.name, Symbol: symbol, Bid: 1.1, Ask: 1.1002, At: time.Now().UTC()}, nil
}

type recordedEvent struct {
	Topic   events.Event
	Subject string
	Type    string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingNotifier) Emit(topic events.Event, subject, eventType string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Topic: topic, Subject: subject, Type: eventType})
	r.mu.Unlock()
}

func (r *recordingNotifier) find(topic events.Event, subject string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Topic == topic && ev.Subject == subject {
			return ev, true
		}
	}
	return recordedEvent{}, false
}

func TestConnectAllEmitsLifecycleEvents(t *testing.T) {
	good := &stubAdapter{name: "mt4"}
	bad := &stubAdapter{name: "mt5", connectErr: errors.New("dial refused")}

	reg := New(zap.NewNop().Sugar())
	notifier := &recordingNotifier{}
	reg.SetNotifier(notifier)
	reg.Register(good)
	reg.Register(bad)

	reg.ConnectAll(context.Background())

	ev, ok := notifier.find(events.EventBrokerConnected, "mt4")
	if !ok {
		t.Fatalf("no broker.connected event for mt4, got %+v", notifier.events)
	}
	if ev.Type != "connect" {
		t.Errorf("Type = %q, want connect", ev.Type)
	}

	ev, ok = notifier.find(events.EventBrokerLost, "mt5")
	if !ok {
		t.Fatalf("no broker.lost event for failed mt5 connect, got %+v", notifier.events)
	}
	if ev.Type != "connect_failed" {
		t.Errorf("Type = %q, want connect_failed", ev.Type)
	}
}

func TestCloseAllEmitsBrokerLost(t *testing.T) {
	a := &stubAdapter{name: "mt4", connected: true}

	reg := New(zap.NewNop().Sugar())
	notifier := &recordingNotifier{}
	reg.SetNotifier(notifier)
	reg.Register(a)

	reg.CloseAll(context.Background())

	if a.connected {
		t.Error("adapter still connected after CloseAll")
	}
	if _, ok := notifier.find(events.EventBrokerLost, "mt4"); !ok {
		t.Errorf("no broker.lost event, got %+v", notifier.events)
	}
}

func TestLifecycleEventsDroppedWithoutNotifier(t *testing.T) {
	reg := New(zap.NewNop().Sugar())
	reg.Register(&stubAdapter{name: "mt4"})

	// Must not panic with no notifier wired.
	reg.ConnectAll(context.Background())
	reg.CloseAll(context.Background())
}
