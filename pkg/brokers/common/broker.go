// Package common defines the broker-adapter contract and the canonical
// Account/Position/Order shapes every adapter normalizes into.
package common

import "context"

// Adapter abstracts one brokerage back-end. Each adapter owns exactly one
// live session; re-authentication replaces the session rather than
// mutating it. Every operation returns either a typed result or a
// classified *Error, never an opaque failure.
type Adapter interface {
	// Name returns the configured broker name used for registry lookup.
	Name() string

	// Connect establishes the session and authenticates. Calling while
	// already connected is a no-op success.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. Safe to call when disconnected.
	Disconnect(ctx context.Context) error

	// Connected reports whether a live session exists.
	Connected() bool

	// Authenticate (re-)issues the session credential, replacing any
	// previous one.
	Authenticate(ctx context.Context) error

	// GetAccountInfo fetches a fresh balance/equity/margin snapshot.
	GetAccountInfo(ctx context.Context, accountID string) (Account, error)

	// GetPositions returns open positions. Closed and zero-size rows are
	// filtered at this boundary; callers never see flat positions.
	// Empty accountID means all accounts the session can see.
	GetPositions(ctx context.Context, accountID string) ([]Position, error)

	// GetOrders returns working orders.
	GetOrders(ctx context.Context, accountID string) ([]Order, error)

	// PlaceOrder translates the canonical request into the broker's native
	// shape. On failure the result carries the broker's raw message and the
	// error classifies retryability.
	PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionResult, error)

	// ModifyOrder updates price/stop-loss/take-profit on a working order.
	ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (ExecutionResult, error)

	// CancelOrder cancels a working order.
	CancelOrder(ctx context.Context, accountID, orderID string) (ExecutionResult, error)

	// ClosePosition closes a position. Quantity 0 means full close;
	// a positive quantity below the position size closes partially and the
	// remainder stays open.
	ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (ExecutionResult, error)

	// ModifyPosition applies stop-loss/take-profit to an open position.
	ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (ExecutionResult, error)

	// GetQuote returns the current best bid/ask for a symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// EventPublisher receives lifecycle and broker-push events. Publication is
// best-effort; implementations must never block the caller.
type EventPublisher interface {
	Publish(subject string, eventType string, data any)
}

// Streamer is implemented by push-capable adapters (TradeLocker, Tradovate,
// ProjectX). Poll-only variants (MT4, MT5) do not implement it.
type Streamer interface {
	// StartStream runs a background listener forwarding broker-pushed
	// account/position/order events to the sink until ctx is cancelled.
	StartStream(ctx context.Context, sink EventPublisher) error

	// StopStream halts the listener and closes the push channel.
	StopStream()
}
