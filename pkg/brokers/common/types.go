package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus normalizes broker order status into a small set.
// Adapters reflect this state machine; the broker owns it.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Account is a broker-reported balance/equity/margin snapshot.
// FetchedAt marks when the broker reported it; cached copies are stale
// relative to this timestamp, never authoritative.
type Account struct {
	Broker     string    `json:"broker"`
	AccountID  string    `json:"account_id"`
	Currency   string    `json:"currency"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"free_margin"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Position is open exposure on one symbol/account.
type Position struct {
	Broker        string    `json:"broker"`
	PositionID    string    `json:"position_id"`
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Order is a broker-side working order.
type Order struct {
	Broker     string      `json:"broker"`
	OrderID    string      `json:"order_id"`
	AccountID  string      `json:"account_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	Qty        float64     `json:"qty"`
	FilledQty  float64     `json:"filled_qty"`
	Price      float64     `json:"price,omitempty"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Quote is a best bid/ask snapshot for a symbol.
type Quote struct {
	Broker string    `json:"broker"`
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	At     time.Time `json:"at"`
}

// OrderRequest captures the canonical order intent handed to an adapter.
// The adapter translates it into the broker's native shape (numeric command
// codes, named enums, or contract-id lookups).
type OrderRequest struct {
	AccountID   string
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT/STOP
	StopLoss    float64
	TakeProfit  float64
	ClientID    string // optional client order id
	Comment     string
	MagicNumber int // MT4/MT5 strategy tag
}

// ExecutionResult is the uniform return shape for place/modify/cancel/close
// regardless of broker. On failure the broker's raw message is preserved
// verbatim in Error.
type ExecutionResult struct {
	Success   bool        `json:"success"`
	OrderID   string      `json:"order_id,omitempty"`
	Broker    string      `json:"broker"`
	Status    OrderStatus `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// OKResult builds a successful ExecutionResult.
func OKResult(broker, orderID string, status OrderStatus) ExecutionResult {
	return ExecutionResult{
		Success:   true,
		OrderID:   orderID,
		Broker:    broker,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// FailResult builds a failed ExecutionResult from a classified error.
func FailResult(broker string, err error) ExecutionResult {
	res := ExecutionResult{
		Broker:    broker,
		Status:    StatusRejected,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
		if be, ok := AsError(err); ok {
			res.Error = be.Message
			if be.Kind == KindConnectivity {
				res.Status = StatusUnknown
			}
		}
	}
	return res
}

// PushEventType enumerates broker-pushed update kinds.
type PushEventType string

const (
	PushAccount  PushEventType = "account"
	PushPosition PushEventType = "position"
	PushOrder    PushEventType = "order"
	PushQuote    PushEventType = "quote"
)

// PushEvent is an unsolicited update forwarded by a push-capable adapter.
type PushEvent struct {
	Broker  string        `json:"broker"`
	Type    PushEventType `json:"type"`
	Payload any           `json:"payload"`
	At      time.Time     `json:"at"`
}
