package db

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return NewStore(database.DB)
}

func TestSignalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := SignalRecord{
		ID:         "sig-1",
		Source:     "chart_alert",
		Broker:     "mt4",
		AccountID:  "12345",
		Symbol:     "EURUSD",
		Action:     "buy",
		Quantity:   0.1,
		Price:      1.1000,
		StopLoss:   1.0900,
		TakeProfit: 1.1100,
		RawPayload: `{"ticker":"EURUSD","action":"buy"}`,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.InsertSignal(ctx, rec); err != nil {
		t.Fatalf("Failed to insert signal: %v", err)
	}

	t.Run("intermediate transition keeps order_id empty", func(t *testing.T) {
		if err := s.UpdateSignalStatus(ctx, "sig-1", StatusRouting, "", ""); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
		got, err := s.GetSignal(ctx, "sig-1")
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if got.Status != StatusRouting {
			t.Errorf("expected status %s, got %s", StatusRouting, got.Status)
		}
		if got.OrderID != "" {
			t.Errorf("expected empty order_id, got %s", got.OrderID)
		}
	})

	t.Run("terminal transition records order id", func(t *testing.T) {
		if err := s.UpdateSignalStatus(ctx, "sig-1", StatusExecuted, "777", ""); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
		got, err := s.GetSignal(ctx, "sig-1")
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if got.Status != StatusExecuted {
			t.Errorf("expected status %s, got %s", StatusExecuted, got.Status)
		}
		if got.OrderID != "777" {
			t.Errorf("expected order_id 777, got %s", got.OrderID)
		}
		if !TerminalStatus(got.Status) {
			t.Errorf("expected %s to be terminal", got.Status)
		}
	})

	t.Run("repeated reads after completion are idempotent", func(t *testing.T) {
		first, err := s.GetSignal(ctx, "sig-1")
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		second, err := s.GetSignal(ctx, "sig-1")
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if first.Status != second.Status || first.OrderID != second.OrderID {
			t.Errorf("reads diverged: %+v vs %+v", first, second)
		}
	})

	t.Run("raw payload preserved", func(t *testing.T) {
		got, err := s.GetSignal(ctx, "sig-1")
		if err != nil {
			t.Fatalf("Failed to get signal: %v", err)
		}
		if got.RawPayload != rec.RawPayload {
			t.Errorf("expected raw payload %q, got %q", rec.RawPayload, got.RawPayload)
		}
	})
}

func TestGetSignalNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSignal(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAttemptsStayOnOneSignal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := SignalRecord{
		ID:         "sig-2",
		Source:     "api",
		Broker:     "tradovate",
		Symbol:     "MESZ5",
		Action:     "buy",
		Quantity:   1,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.InsertSignal(ctx, rec); err != nil {
		t.Fatalf("Failed to insert signal: %v", err)
	}

	attempts := []Attempt{
		{SignalID: "sig-2", Broker: "tradovate", Attempt: 1, Success: false, Error: "timeout", Retryable: true},
		{SignalID: "sig-2", Broker: "tradovate", Attempt: 2, Success: false, Error: "timeout", Retryable: true},
		{SignalID: "sig-2", Broker: "projectx", Attempt: 3, Success: true, OrderID: "42"},
	}
	for _, a := range attempts {
		if err := s.InsertAttempt(ctx, a); err != nil {
			t.Fatalf("Failed to insert attempt: %v", err)
		}
	}

	got, err := s.ListAttempts(ctx, "sig-2")
	if err != nil {
		t.Fatalf("Failed to list attempts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(got))
	}
	if got[0].Broker != "tradovate" || !got[0].Retryable || got[0].Success {
		t.Errorf("unexpected first attempt: %+v", got[0])
	}
	if got[2].Broker != "projectx" || !got[2].Success || got[2].OrderID != "42" {
		t.Errorf("unexpected fallback attempt: %+v", got[2])
	}
}
