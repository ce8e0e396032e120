package db

import "time"

// Signal lifecycle states. Every signal ends in exactly one terminal state.
const (
	StatusReceived   = "received"
	StatusValidating = "validating"
	StatusRejected   = "rejected"
	StatusRouting    = "routing"
	StatusExecuted   = "executed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(s string) bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// SignalRecord is one audit row: the canonical signal plus its lifecycle
// outcome. The raw inbound payload is kept verbatim for audit.
type SignalRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Broker      string    `json:"broker"`
	AccountID   string    `json:"account_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price,omitempty"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	TakeProfit  float64   `json:"take_profit,omitempty"`
	MagicNumber int       `json:"magic_number,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	RawPayload  string    `json:"raw_payload,omitempty"`
	Status      string    `json:"status"`
	OrderID     string    `json:"order_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Attempt is one broker call made on behalf of a signal. Fallback brokers
// appear as further attempts on the same signal, never as new signals.
type Attempt struct {
	ID        int64     `json:"id"`
	SignalID  string    `json:"signal_id"`
	Broker    string    `json:"broker"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	OrderID   string    `json:"order_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable"`
	CreatedAt time.Time `json:"created_at"`
}
