package truforex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"signal-gateway/pkg/brokers/common"
)

func newConnectedClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	mux.HandleFunc("/bridge/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key-9" {
			t.Errorf("X-Api-Key = %q", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("X-Account") != "acct-9" {
			t.Errorf("X-Account = %q", r.Header.Get("X-Account"))
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, AccountID: "acct-9", APIKey: "key-9"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c
}

func TestCapabilityGaps(t *testing.T) {
	c := newConnectedClient(t, http.NewServeMux())
	ctx := context.Background()

	res, err := c.ModifyOrder(ctx, "acct-9", "t1", 1.1, 1.08, 1.12)
	if err == nil {
		t.Fatal("ModifyOrder should report a capability gap")
	}
	if common.KindOf(err) != common.KindCapability {
		t.Errorf("Kind = %q, want capability", common.KindOf(err))
	}
	if common.IsRetryable(err) {
		t.Error("capability gap must not be retryable")
	}
	if res.Success {
		t.Error("result must not be successful")
	}

	_, err = c.GetQuote(ctx, "EURUSD")
	if common.KindOf(err) != common.KindCapability {
		t.Errorf("GetQuote Kind = %q, want capability", common.KindOf(err))
	}
}

func TestPlaceOrderMarket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/order", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["kind"] != "market" || body["side"] != "buy" || body["symbol"] != "EURUSD" {
			t.Errorf("payload = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"ticket": "T-100"})
	})
	c := newConnectedClient(t, mux)

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "EURUSD", Side: common.SideBuy, Qty: 0.3,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !res.Success || res.OrderID != "T-100" || res.Status != common.StatusFilled {
		t.Errorf("result = %+v", res)
	}
}

func TestPlaceOrderPendingGetsOpenStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/order", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["kind"] != "stop" {
			t.Errorf("kind = %v, want stop", body["kind"])
		}
		json.NewEncoder(w).Encode(map[string]any{"ticket": "T-101"})
	})
	c := newConnectedClient(t, mux)

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "EURUSD", Side: common.SideSell, Qty: 0.3, Price: 1.08, Type: common.OrderTypeStop,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if res.Status != common.StatusOpen {
		t.Errorf("Status = %q, want open for pending order", res.Status)
	}
}

func TestClosePositionPartial(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/position/T-1/close", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["lots"] != 0.1 {
			t.Errorf("lots = %v, want 0.1", body["lots"])
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	c := newConnectedClient(t, mux)

	res, err := c.ClosePosition(context.Background(), "acct-9", "T-1", 0.1)
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestBridgeRefusalIsRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/position/T-2/close", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ticket locked by dealer"})
	})
	c := newConnectedClient(t, mux)

	res, err := c.ClosePosition(context.Background(), "acct-9", "T-2", 0)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if common.KindOf(err) != common.KindRejection {
		t.Errorf("Kind = %q", common.KindOf(err))
	}
	if res.Error != "ticket locked by dealer" {
		t.Errorf("Error = %q, bridge message must surface verbatim", res.Error)
	}
}

func TestUnauthorizedDropsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newConnectedClient(t, mux)

	_, err := c.GetAccountInfo(context.Background(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Connected() {
		t.Error("session should be dropped after 401")
	}
}

func TestGetPositionsSkipsFlatRows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/positions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{
				{"ticket": "T-1", "symbol": "EURUSD", "side": "buy", "lots": 0.2, "open_price": 1.1},
				{"ticket": "T-2", "symbol": "EURUSD", "side": "sell", "lots": 0},
			},
		})
	})
	c := newConnectedClient(t, mux)

	positions, err := c.GetPositions(context.Background(), "")
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].PositionID != "T-1" {
		t.Errorf("positions = %+v", positions)
	}
}
