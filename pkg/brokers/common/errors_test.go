package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind Kind
	}{
		{"unauthorized", http.StatusUnauthorized, KindConnectivity},
		{"request timeout", http.StatusRequestTimeout, KindConnectivity},
		{"bad gateway", http.StatusBadGateway, KindConnectivity},
		{"internal error", http.StatusInternalServerError, KindConnectivity},
		{"bad request", http.StatusBadRequest, KindRejection},
		{"forbidden", http.StatusForbidden, KindRejection},
		{"unprocessable", http.StatusUnprocessableEntity, KindRejection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyHTTP("mt5", "place_order", tt.status, "body text")
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.wantKind)
			}
			if err.Message != "body text" {
				t.Errorf("Message = %q, broker body must be preserved", err.Message)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connectivity", Connectivity("mt4", "get_quote", errors.New("dial refused")), true},
		{"not connected", NotConnected("mt4", "place_order"), true},
		{"rejection", Rejection("mt4", "place_order", "not enough money"), false},
		{"validation", Validation("mt4", "place_order", "qty must be positive"), false},
		{"capability", NotSupported("truforex", "modify_order"), false},
		{"wrapped connectivity", fmt.Errorf("call failed: %w", Connectivity("mt5", "connect", errors.New("timeout"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Rejection("tradovate", "cancel_order", "order already filled")
	wrapped := fmt.Errorf("dispatch: %w", inner)
	if got := KindOf(wrapped); got != KindRejection {
		t.Errorf("KindOf = %q, want rejection", got)
	}
	be, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError should unwrap the classified error")
	}
	if be.Message != "order already filled" {
		t.Errorf("Message = %q", be.Message)
	}
}

func TestFailResultPreservesBrokerMessage(t *testing.T) {
	res := FailResult("projectx", Rejection("projectx", "place_order", "insufficient margin"))
	if res.Success {
		t.Error("failed result marked successful")
	}
	if res.Error != "insufficient margin" {
		t.Errorf("Error = %q, want broker message verbatim", res.Error)
	}
	if res.Status != StatusRejected {
		t.Errorf("Status = %q, want rejected", res.Status)
	}

	res = FailResult("projectx", Connectivity("projectx", "place_order", errors.New("eof")))
	if res.Status != StatusUnknown {
		t.Errorf("connectivity failure Status = %q, want unknown", res.Status)
	}
}
