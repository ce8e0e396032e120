package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"signal-gateway/internal/events"
	"signal-gateway/internal/registry"
	"signal-gateway/internal/risk"
	"signal-gateway/internal/signal"
	"signal-gateway/pkg/brokers/common"
	"signal-gateway/pkg/cache"
	"signal-gateway/pkg/db"
)

// fakeAdapter is a scriptable in-memory broker.
type fakeAdapter struct {
	name      string
	connected bool
	positions []common.Position

	placeResults []placeOutcome
	placeCalls   int64
	closeErr     *common.Error
	modifyErr    *common.Error
}

type placeOutcome struct {
	res common.ExecutionResult
	err error
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) Connect(context.Context) error      { f.connected = true; return nil }
func (f *fakeAdapter) Disconnect(context.Context) error   { f.connected = false; return nil }
func (f *fakeAdapter) Connected() bool                    { return f.connected }
func (f *fakeAdapter) Authenticate(context.Context) error { return nil }

func (f *fakeAdapter) GetAccountInfo(_ context.Context, accountID string) (common.Account, error) {
	return common.Account{Broker: f.name, AccountID: accountID}, nil
}

func (f *fakeAdapter) GetPositions(context.Context, string) ([]common.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) GetOrders(context.Context, string) ([]common.Order, error) {
	return nil, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	n := atomic.AddInt64(&f.placeCalls, 1)
	idx := int(n) - 1
	if idx >= len(f.placeResults) {
		idx = len(f.placeResults) - 1
	}
	if idx < 0 {
		return common.OKResult(f.name, "1", common.StatusFilled), nil
	}
	out := f.placeResults[idx]
	return out.res, out.err
}

func (f *fakeAdapter) ModifyOrder(_ context.Context, _, orderID string, _, _, _ float64) (common.ExecutionResult, error) {
	return common.OKResult(f.name, orderID, common.StatusOpen), nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _, orderID string) (common.ExecutionResult, error) {
	return common.OKResult(f.name, orderID, common.StatusCancelled), nil
}

func (f *fakeAdapter) ClosePosition(_ context.Context, _, positionID string, _ float64) (common.ExecutionResult, error) {
	if f.closeErr != nil && positionID == "pos-2" {
		return common.FailResult(f.name, f.closeErr), f.closeErr
	}
	return common.OKResult(f.name, "close-"+positionID, common.StatusFilled), nil
}

func (f *fakeAdapter) ModifyPosition(_ context.Context, _, positionID string, _, _ float64) (common.ExecutionResult, error) {
	if f.modifyErr != nil {
		return common.FailResult(f.name, f.modifyErr), f.modifyErr
	}
	return common.OKResult(f.name, positionID, common.StatusOpen), nil
}

func (f *fakeAdapter) GetQuote(_ context.Context, symbol string) (common.Quote, error) {
	return common.Quote{Broker: f.name, Symbol: symbol, Bid: 1.1, Ask: 1.1002, At: time.Now().UTC()}, nil
}

type testEnv struct {
	engine *Engine
	store  *db.Store
	reg    *registry.Registry
	bus    *events.Bus
}

func newTestEnv(t *testing.T, policy Policy, adapters ...*fakeAdapter) *testEnv {
	t.Helper()
	log := zap.NewNop().Sugar()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("schema init failed: %v", err)
	}
	store := db.NewStore(database.DB)

	reg := registry.New(log)
	for _, a := range adapters {
		reg.Register(a)
	}

	gate := risk.NewGate(risk.Config{Enabled: false}, log)
	mirror := cache.NewMirror(cache.NewShardedCache(), nil, time.Minute, log)
	bus := events.NewBus()
	sink := events.NewSink(bus, nil, "", log)

	return &testEnv{
		engine: New(reg, gate, store, mirror, sink, policy, log),
		store:  store,
		reg:    reg,
		bus:    bus,
	}
}

func buyRequest(broker string) signal.Request {
	return signal.Request{
		SignalID:   signal.NewID(),
		Source:     signal.SourceAPI,
		Broker:     broker,
		AccountID:  "7001",
		Symbol:     "EURUSD",
		Action:     signal.ActionBuy,
		Quantity:   0.5,
		ReceivedAt: time.Now().UTC(),
	}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: time.Millisecond, CallTimeout: time.Second}
}

func TestProcessOrderExecuted(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "mt4",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.OKResult("mt4", "777", common.StatusFilled)},
		},
	}
	env := newTestEnv(t, fastPolicy(), adapter)
	req := buyRequest("mt4")

	res := env.engine.Process(context.Background(), req)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OrderID != "777" || res.Broker != "mt4" {
		t.Errorf("result = %+v", res)
	}

	rec, err := env.store.GetSignal(context.Background(), req.SignalID)
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}
	if rec.Status != db.StatusExecuted {
		t.Errorf("Status = %q, want executed", rec.Status)
	}
	if rec.OrderID != "777" {
		t.Errorf("OrderID = %q", rec.OrderID)
	}
}

func TestProcessRejectionStopsRetryAndFallback(t *testing.T) {
	rejection := common.Rejection("mt4", "place_order", "not enough money")
	primary := &fakeAdapter{
		name:      "mt4",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.FailResult("mt4", rejection), err: rejection},
		},
	}
	fallback := &fakeAdapter{name: "mt5", connected: true}

	policy := fastPolicy()
	policy.Fallbacks = map[string][]string{"mt4": {"mt5"}}
	env := newTestEnv(t, policy, primary, fallback)
	req := buyRequest("mt4")

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("rejection must fail the signal")
	}
	if res.Error != "not enough money" {
		t.Errorf("Error = %q, broker message must surface verbatim", res.Error)
	}
	if got := atomic.LoadInt64(&primary.placeCalls); got != 1 {
		t.Errorf("primary called %d times, rejection must not retry", got)
	}
	if got := atomic.LoadInt64(&fallback.placeCalls); got != 0 {
		t.Errorf("fallback called %d times, rejection must not fail over", got)
	}

	rec, err := env.store.GetSignal(context.Background(), req.SignalID)
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}
	if rec.Status != db.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
}

func TestProcessRetriesThenFallsBack(t *testing.T) {
	connFail := common.Connectivity("mt4", "place_order", errors.New("dial refused"))
	primary := &fakeAdapter{
		name:      "mt4",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.FailResult("mt4", connFail), err: connFail},
		},
	}
	fallback := &fakeAdapter{
		name:      "mt5",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.OKResult("mt5", "888", common.StatusFilled)},
		},
	}

	policy := fastPolicy()
	policy.Fallbacks = map[string][]string{"mt4": {"mt5"}}
	env := newTestEnv(t, policy, primary, fallback)
	req := buyRequest("mt4")

	res := env.engine.Process(context.Background(), req)
	if !res.Success {
		t.Fatalf("expected fallback success, got %+v", res)
	}
	if res.Broker != "mt5" || res.OrderID != "888" {
		t.Errorf("result = %+v", res)
	}
	if got := atomic.LoadInt64(&primary.placeCalls); got != 3 {
		t.Errorf("primary attempts = %d, want full budget of 3", got)
	}

	// Fallback attempts audit onto the same signal, never a new one.
	attempts, err := env.store.ListAttempts(context.Background(), req.SignalID)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("got %d attempts, want 4 (3 primary + 1 fallback)", len(attempts))
	}
	for _, a := range attempts[:3] {
		if a.Broker != "mt4" || a.Success {
			t.Errorf("unexpected primary attempt: %+v", a)
		}
		if !a.Retryable {
			t.Errorf("connectivity attempt not marked retryable: %+v", a)
		}
	}
	last := attempts[3]
	if last.Broker != "mt5" || !last.Success || last.OrderID != "888" {
		t.Errorf("unexpected fallback attempt: %+v", last)
	}
}

func TestProcessAllBrokersExhausted(t *testing.T) {
	connFail := common.Connectivity("mt4", "place_order", errors.New("eof"))
	primary := &fakeAdapter{
		name:      "mt4",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.FailResult("mt4", connFail), err: connFail},
		},
	}
	env := newTestEnv(t, fastPolicy(), primary)
	req := buyRequest("mt4")

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Status != db.StatusFailed {
		t.Errorf("Status = %q", res.Status)
	}

	rec, _ := env.store.GetSignal(context.Background(), req.SignalID)
	if !db.TerminalStatus(rec.Status) {
		t.Errorf("signal left in non-terminal state %q", rec.Status)
	}
}

func TestProcessRiskDenialRejects(t *testing.T) {
	adapter := &fakeAdapter{name: "mt4", connected: true}
	env := newTestEnv(t, fastPolicy(), adapter)
	env.engine.gate.UpdateConfig(risk.Config{Enabled: true, MaxQuantity: 0.1})

	rejected, unsub := env.bus.Subscribe(events.EventSignalRejected, 4)
	defer unsub()

	req := buyRequest("mt4")
	req.Quantity = 5

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("expected risk denial")
	}
	if res.Status != db.StatusRejected {
		t.Errorf("Status = %q, want rejected", res.Status)
	}
	if got := atomic.LoadInt64(&adapter.placeCalls); got != 0 {
		t.Errorf("broker called %d times, denial must precede broker contact", got)
	}

	rec, _ := env.store.GetSignal(context.Background(), req.SignalID)
	if rec.Status != db.StatusRejected {
		t.Errorf("persisted status = %q", rec.Status)
	}

	select {
	case ev := <-rejected:
		if ev.Subject != req.SignalID {
			t.Errorf("rejected event subject = %q, want %q", ev.Subject, req.SignalID)
		}
	case <-time.After(time.Second):
		t.Error("no signal.rejected event published")
	}
}

func TestProcessUnknownBrokerFails(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	req := buyRequest("nonexistent")

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("expected failure for unconfigured broker")
	}
	if res.Status != db.StatusFailed {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestProcessCloseFansOutPerPosition(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "mt4",
		connected: true,
		positions: []common.Position{
			{PositionID: "pos-1", AccountID: "7001", Symbol: "EURUSD", Side: common.SideBuy, Size: 0.1},
			{PositionID: "pos-2", AccountID: "7001", Symbol: "EURUSD", Side: common.SideBuy, Size: 0.2},
			{PositionID: "pos-3", AccountID: "7001", Symbol: "GBPUSD", Side: common.SideSell, Size: 0.3},
		},
	}
	env := newTestEnv(t, fastPolicy(), adapter)
	req := buyRequest("mt4")
	req.Action = signal.ActionClose
	req.Quantity = 0

	res := env.engine.Process(context.Background(), req)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	// GBPUSD position must be untouched.
	if len(res.Results) != 2 {
		t.Fatalf("got %d legs, want 2", len(res.Results))
	}
	for _, leg := range res.Results {
		if !leg.OK {
			t.Errorf("leg failed: %+v", leg)
		}
	}
}

func TestProcessClosePartialFailure(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "mt4",
		connected: true,
		positions: []common.Position{
			{PositionID: "pos-1", AccountID: "7001", Symbol: "EURUSD", Side: common.SideBuy, Size: 0.1},
			{PositionID: "pos-2", AccountID: "7001", Symbol: "EURUSD", Side: common.SideBuy, Size: 0.2},
		},
		closeErr: common.Rejection("mt4", "close_position", "position locked"),
	}
	env := newTestEnv(t, fastPolicy(), adapter)
	req := buyRequest("mt4")
	req.Action = signal.ActionClose

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("mixed legs must report aggregate failure")
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d legs, want 2", len(res.Results))
	}
	var okCount, failCount int
	for _, leg := range res.Results {
		if leg.OK {
			okCount++
		} else {
			failCount++
			if leg.Error != "position locked" {
				t.Errorf("leg error = %q", leg.Error)
			}
		}
	}
	if okCount != 1 || failCount != 1 {
		t.Errorf("legs = %d ok / %d failed, want 1/1", okCount, failCount)
	}

	rec, _ := env.store.GetSignal(context.Background(), req.SignalID)
	if rec.Status != db.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
}

func TestProcessCloseNoPositions(t *testing.T) {
	adapter := &fakeAdapter{name: "mt4", connected: true}
	env := newTestEnv(t, fastPolicy(), adapter)
	req := buyRequest("mt4")
	req.Action = signal.ActionClose

	res := env.engine.Process(context.Background(), req)
	if res.Success {
		t.Fatal("close with no positions must fail")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestProcessModifyAppliesProtection(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "mt4",
		connected: true,
		positions: []common.Position{
			{PositionID: "pos-1", AccountID: "7001", Symbol: "EURUSD", Side: common.SideBuy, Size: 0.1},
		},
	}
	env := newTestEnv(t, fastPolicy(), adapter)
	req := buyRequest("mt4")
	req.Action = signal.ActionModify
	req.StopLoss = 1.08
	req.TakeProfit = 1.12

	res := env.engine.Process(context.Background(), req)
	if !res.Success {
		t.Fatalf("modify failed: %+v", res)
	}
	if len(res.Results) != 1 || !res.Results[0].OK {
		t.Errorf("results = %+v", res.Results)
	}
}

func TestEveryOutcomeIsTerminal(t *testing.T) {
	rejection := common.Rejection("mt4", "place_order", "market closed")
	tests := []struct {
		name    string
		adapter *fakeAdapter
		mutate  func(*signal.Request)
	}{
		{"executed", &fakeAdapter{name: "mt4", connected: true}, nil},
		{"rejected by broker", &fakeAdapter{
			name: "mt4", connected: true,
			placeResults: []placeOutcome{{res: common.FailResult("mt4", rejection), err: rejection}},
		}, nil},
		{"broker disconnected", &fakeAdapter{name: "mt4", connected: false}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, fastPolicy(), tt.adapter)
			req := buyRequest("mt4")
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			env.engine.Process(context.Background(), req)

			rec, err := env.store.GetSignal(context.Background(), req.SignalID)
			if err != nil {
				t.Fatalf("GetSignal failed: %v", err)
			}
			if !db.TerminalStatus(rec.Status) {
				t.Errorf("status %q is not terminal", rec.Status)
			}
		})
	}
}

func TestProcessCancelledCallerStillReachesTerminalState(t *testing.T) {
	connFail := common.Connectivity("mt4", "place_order", errors.New("dial refused"))
	adapter := &fakeAdapter{
		name:      "mt4",
		connected: true,
		placeResults: []placeOutcome{
			{res: common.FailResult("mt4", connFail), err: connFail},
		},
	}
	env := newTestEnv(t, Policy{MaxAttempts: 3, Backoff: 250 * time.Millisecond, CallTimeout: time.Second}, adapter)
	req := buyRequest("mt4")

	// The caller goes away during the first retry backoff, the way a
	// client disconnect or the request timeout does.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := env.engine.Process(ctx, req)
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}

	rec, err := env.store.GetSignal(context.Background(), req.SignalID)
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}
	if !db.TerminalStatus(rec.Status) {
		t.Fatalf("status %q left non-terminal after caller cancellation", rec.Status)
	}
	if rec.Status != db.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}

	attempts, err := env.store.ListAttempts(context.Background(), req.SignalID)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1 before cancellation", len(attempts))
	}
}
