// Package signal defines the canonical trading instruction and the
// normalizer that produces it from heterogeneous inbound payloads.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action enumerates canonical signal intents.
type Action string

const (
	ActionBuy    Action = "buy"
	ActionSell   Action = "sell"
	ActionClose  Action = "close"
	ActionModify Action = "modify"
)

// Source identifies where a payload came from; it selects the field mapping
// the normalizer applies.
type Source string

const (
	SourceChartAlert Source = "chart_alert" // {ticker, action, ...}
	SourceWebhook    Source = "webhook"     // {symbol, signal, size, entry, stop, target}
	SourceAPI        Source = "api"         // canonical fields directly
)

// Request is the canonical, broker-agnostic form of a trading instruction.
// Immutable once created; the id is assigned at ingestion.
type Request struct {
	SignalID    string          `json:"signal_id"`
	Source      Source          `json:"source"`
	Broker      string          `json:"broker"`
	AccountID   string          `json:"account_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	Quantity    float64         `json:"quantity"`
	Price       float64         `json:"price,omitempty"`
	StopLoss    float64         `json:"stop_loss,omitempty"`
	TakeProfit  float64         `json:"take_profit,omitempty"`
	MagicNumber int             `json:"magic_number,omitempty"`
	Comment     string          `json:"comment,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	Raw         json.RawMessage `json:"raw,omitempty"` // original payload, kept for audit
}

// ParseError names the payload field that made normalization fail.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("signal parse error: field %q: %s", e.Field, e.Reason)
}

func parseErr(field, reason string) *ParseError {
	return &ParseError{Field: field, Reason: reason}
}

// ParseAction maps an inbound action/signal word to a canonical Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return ActionBuy, nil
	case "sell", "short":
		return ActionSell, nil
	case "close", "exit", "flat":
		return ActionClose, nil
	case "modify", "update":
		return ActionModify, nil
	default:
		return "", parseErr("action", fmt.Sprintf("unknown action %q", s))
	}
}

// NewID allocates a signal id.
func NewID() string {
	return uuid.NewString()
}
