package events

import "time"

// Event enumerates high-level topics inside the gateway.
type Event string

const (
	EventSignalReceived  Event = "signal.received"
	EventSignalRejected  Event = "signal.rejected"
	EventSignalExecuted  Event = "signal.executed"
	EventSignalFailed    Event = "signal.failed"
	EventSignalPartial   Event = "signal.partial"
	EventBrokerPush      Event = "broker.push"
	EventBrokerConnected Event = "broker.connected"
	EventBrokerLost      Event = "broker.lost"
	EventRiskDenied      Event = "risk.denied"
)

// Envelope is the payload shape published on every topic. Data is the
// topic-specific body; Subject identifies the signal or broker concerned.
type Envelope struct {
	Topic   Event     `json:"topic"`
	Subject string    `json:"subject"`
	Type    string    `json:"type"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}
