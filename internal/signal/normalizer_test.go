package signal

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(map[string]RouteDefaults{
		"hook-a": {Broker: "mt5", AccountID: "90210", Quantity: 0.1},
	}, zap.NewNop().Sugar())
}

func TestNormalizeGenericHook(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"symbol":"eurusd","signal":"long","size":0.5,"entry":1.085,"stop":1.08,"target":1.095,"broker":"mt4","account":"7001","strategy":"breakout"}`)

	req, err := n.Normalize(SourceWebhook, "", payload)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Symbol != "EURUSD" {
		t.Errorf("Symbol = %q, want EURUSD", req.Symbol)
	}
	if req.Action != ActionBuy {
		t.Errorf("Action = %q, want buy", req.Action)
	}
	if req.Broker != "mt4" || req.AccountID != "7001" {
		t.Errorf("routing = %s/%s", req.Broker, req.AccountID)
	}
	if req.Quantity != 0.5 || req.Price != 1.085 || req.StopLoss != 1.08 || req.TakeProfit != 1.095 {
		t.Errorf("numeric fields wrong: %+v", req)
	}
	if req.SignalID == "" {
		t.Error("SignalID not assigned")
	}
	if req.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not assigned")
	}
	if string(req.Raw) != string(payload) {
		t.Error("raw payload not preserved")
	}
}

func TestNormalizeChartAlertUsesRouteDefaults(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"ticker":"XAUUSD","action":"sell"}`)

	req, err := n.Normalize(SourceChartAlert, "hook-a", payload)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if req.Broker != "mt5" || req.AccountID != "90210" {
		t.Errorf("defaults not applied: %s/%s", req.Broker, req.AccountID)
	}
	if req.Quantity != 0.1 {
		t.Errorf("Quantity = %v, want default 0.1", req.Quantity)
	}
	if req.Action != ActionSell {
		t.Errorf("Action = %q", req.Action)
	}
}

func TestNormalizeRejectsWhenBrokerUnresolvable(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"ticker":"EURUSD","action":"buy","quantity":1}`)

	_, err := n.Normalize(SourceChartAlert, "unknown-key", payload)
	if err == nil {
		t.Fatal("expected rejection, signal must never be silently routed")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Field != "broker" {
		t.Errorf("Field = %q, want broker", pe.Field)
	}
}

func TestNormalizeFieldErrors(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		name      string
		source    Source
		payload   string
		wantField string
	}{
		{"not json", SourceWebhook, `{{{`, "payload"},
		{"chart missing ticker", SourceChartAlert, `{"action":"buy"}`, "ticker"},
		{"chart missing action", SourceChartAlert, `{"ticker":"EURUSD"}`, "action"},
		{"hook missing symbol", SourceWebhook, `{"signal":"buy"}`, "symbol"},
		{"hook missing signal", SourceWebhook, `{"symbol":"EURUSD"}`, "signal"},
		{"api missing symbol", SourceAPI, `{"action":"buy"}`, "symbol"},
		{"zero quantity buy", SourceAPI, `{"symbol":"EURUSD","action":"buy","broker":"mt4"}`, "quantity"},
		{"bad action verb", SourceAPI, `{"symbol":"EURUSD","action":"hold","broker":"mt4"}`, "action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.source, "", []byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error type = %T, want *ParseError", err)
			}
			if pe.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", pe.Field, tt.wantField)
			}
		})
	}
}

func TestNormalizeCloseWithoutQuantity(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"symbol":"EURUSD","signal":"flat","broker":"mt4"}`)

	req, err := n.Normalize(SourceWebhook, "", payload)
	if err != nil {
		t.Fatalf("close without quantity should normalize: %v", err)
	}
	if req.Action != ActionClose {
		t.Errorf("Action = %q, want close", req.Action)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"buy", ActionBuy},
		{"LONG", ActionBuy},
		{"sell", ActionSell},
		{"Short", ActionSell},
		{"close", ActionClose},
		{"exit", ActionClose},
		{"flat", ActionClose},
		{"modify", ActionModify},
		{"update", ActionModify},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if err != nil {
			t.Errorf("ParseAction(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
