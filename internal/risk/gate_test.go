package risk

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// fakeBrokers counts every lookup so tests can assert the gate short-circuits
// before touching brokers.
type fakeBrokers struct {
	connected    bool
	hasAccount   bool
	accountErr   error
	tradable     bool
	tradableErr  error
	accountCalls int
	symbolCalls  int
}

func (f *fakeBrokers) IsConnected(string) bool { return f.connected }

func (f *fakeBrokers) HasAccount(context.Context, string, string) (bool, error) {
	f.accountCalls++
	return f.hasAccount, f.accountErr
}

func (f *fakeBrokers) SymbolTradable(context.Context, string, string) (bool, error) {
	f.symbolCalls++
	return f.tradable, f.tradableErr
}

func testInput() Input {
	return Input{
		SignalID:  "sig-1",
		Broker:    "mt4",
		AccountID: "7001",
		Symbol:    "EURUSD",
		Action:    "buy",
		Quantity:  0.5,
	}
}

func enabledConfig() Config {
	return Config{
		Enabled:             true,
		MaxPositionSize:     10,
		MinQuantity:         0.01,
		MaxQuantity:         5,
		MaxDailyTrades:      100,
		CheckSymbolTradable: true,
	}
}

func TestValidateDisabledAllowsEverything(t *testing.T) {
	g := NewGate(Config{Enabled: false}, zap.NewNop().Sugar())
	brokers := &fakeBrokers{}

	dec := g.Validate(context.Background(), testInput(), brokers)
	if !dec.Allowed {
		t.Fatalf("disabled gate denied: %+v", dec)
	}
	if brokers.accountCalls != 0 || brokers.symbolCalls != 0 {
		t.Error("disabled gate must not touch brokers")
	}
}

func TestValidateDeniesDisconnectedBrokerBeforeLookups(t *testing.T) {
	g := NewGate(enabledConfig(), zap.NewNop().Sugar())
	brokers := &fakeBrokers{connected: false}

	dec := g.Validate(context.Background(), testInput(), brokers)
	if dec.Allowed {
		t.Fatal("expected denial for disconnected broker")
	}
	if dec.Check != "broker_connected" {
		t.Errorf("Check = %q", dec.Check)
	}
	if brokers.accountCalls != 0 || brokers.symbolCalls != 0 {
		t.Error("later checks must not run after a denial")
	}
}

func TestValidateAccountLookupErrorDenies(t *testing.T) {
	g := NewGate(enabledConfig(), zap.NewNop().Sugar())
	brokers := &fakeBrokers{connected: true, accountErr: errors.New("timeout")}

	dec := g.Validate(context.Background(), testInput(), brokers)
	if dec.Allowed {
		t.Fatal("account lookup error must deny")
	}
	if dec.Check != "account_exists" {
		t.Errorf("Check = %q", dec.Check)
	}
}

func TestValidateSymbolLookupErrorAllows(t *testing.T) {
	g := NewGate(enabledConfig(), zap.NewNop().Sugar())
	brokers := &fakeBrokers{connected: true, hasAccount: true, tradableErr: errors.New("quote feed down")}

	dec := g.Validate(context.Background(), testInput(), brokers)
	if !dec.Allowed {
		t.Fatalf("degraded symbol check must allow, got %+v", dec)
	}
}

func TestValidateSymbolNotTradableDenies(t *testing.T) {
	g := NewGate(enabledConfig(), zap.NewNop().Sugar())
	brokers := &fakeBrokers{connected: true, hasAccount: true, tradable: false}

	dec := g.Validate(context.Background(), testInput(), brokers)
	if dec.Allowed {
		t.Fatal("untradable symbol must deny")
	}
	if dec.Check != "symbol_tradable" {
		t.Errorf("Check = %q", dec.Check)
	}
}

func TestValidateQuantityCaps(t *testing.T) {
	tests := []struct {
		name      string
		qty       float64
		action    string
		wantAllow bool
		wantCheck string
	}{
		{"within caps", 0.5, "buy", true, ""},
		{"below minimum", 0.001, "buy", false, "quantity_min"},
		{"above maximum", 6, "sell", false, "quantity_max"},
		{"close skips caps", 0, "close", true, ""},
		{"modify skips caps", 0, "modify", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(enabledConfig(), zap.NewNop().Sugar())
			brokers := &fakeBrokers{connected: true, hasAccount: true, tradable: true}
			in := testInput()
			in.Quantity = tt.qty
			in.Action = tt.action

			dec := g.Validate(context.Background(), in, brokers)
			if dec.Allowed != tt.wantAllow {
				t.Fatalf("Allowed = %v, want %v (%+v)", dec.Allowed, tt.wantAllow, dec)
			}
			if !tt.wantAllow && dec.Check != tt.wantCheck {
				t.Errorf("Check = %q, want %q", dec.Check, tt.wantCheck)
			}
		})
	}
}

func TestValidateDailyLimits(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxDailyTrades = 2
	cfg.MaxDailyLoss = 100
	g := NewGate(cfg, zap.NewNop().Sugar())
	brokers := &fakeBrokers{connected: true, hasAccount: true, tradable: true}
	ctx := context.Background()

	if dec := g.Validate(ctx, testInput(), brokers); !dec.Allowed {
		t.Fatalf("first signal denied: %+v", dec)
	}
	g.RecordTrade(-30)
	g.RecordTrade(-40)

	dec := g.Validate(ctx, testInput(), brokers)
	if dec.Allowed {
		t.Fatal("expected daily trade limit denial")
	}
	if dec.Check != "daily_trades" {
		t.Errorf("Check = %q", dec.Check)
	}

	g.ResetDaily()
	if dec := g.Validate(ctx, testInput(), brokers); !dec.Allowed {
		t.Fatalf("denied after daily reset: %+v", dec)
	}
}

func TestRecordTradeTracksLosses(t *testing.T) {
	g := NewGate(enabledConfig(), zap.NewNop().Sugar())
	g.RecordTrade(50)
	g.RecordTrade(-20)

	m := g.GetMetrics()
	if m.DailyTrades != 2 {
		t.Errorf("DailyTrades = %d", m.DailyTrades)
	}
	if m.DailyPnL != 30 {
		t.Errorf("DailyPnL = %v", m.DailyPnL)
	}
	if m.DailyLosses != 20 {
		t.Errorf("DailyLosses = %v", m.DailyLosses)
	}
}
