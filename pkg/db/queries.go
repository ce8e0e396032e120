// Package db persists the signal audit trail in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Store provides the signal/attempt queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertSignal writes the audit row for a newly ingested signal. It is
// called before any broker contact so a crash mid-call leaves a
// reconcilable non-terminal row rather than a phantom success.
func (s *Store) InsertSignal(ctx context.Context, rec SignalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, source, broker, account_id, symbol, action, quantity,
			price, stop_loss, take_profit, magic_number, comment, strategy,
			raw_payload, status, received_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, rec.ID, rec.Source, rec.Broker, rec.AccountID, rec.Symbol, rec.Action, rec.Quantity,
		rec.Price, rec.StopLoss, rec.TakeProfit, rec.MagicNumber, rec.Comment, rec.Strategy,
		rec.RawPayload, rec.Status, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// UpdateSignalStatus advances a signal's lifecycle state. orderID and
// errMsg may be empty for intermediate transitions.
func (s *Store) UpdateSignalStatus(ctx context.Context, id, status, orderID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET status = ?,
		    order_id = CASE WHEN ? != '' THEN ? ELSE order_id END,
		    error = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, orderID, orderID, errMsg, id)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	return nil
}

// GetSignal loads one audit row.
func (s *Store) GetSignal(ctx context.Context, id string) (*SignalRecord, error) {
	var rec SignalRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, broker, COALESCE(account_id, ''), symbol, action, quantity,
		       price, stop_loss, take_profit, COALESCE(magic_number, 0),
		       COALESCE(comment, ''), COALESCE(strategy, ''), COALESCE(raw_payload, ''),
		       status, COALESCE(order_id, ''), COALESCE(error, ''), received_at, updated_at
		FROM signals
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Source, &rec.Broker, &rec.AccountID, &rec.Symbol, &rec.Action, &rec.Quantity,
		&rec.Price, &rec.StopLoss, &rec.TakeProfit, &rec.MagicNumber,
		&rec.Comment, &rec.Strategy, &rec.RawPayload,
		&rec.Status, &rec.OrderID, &rec.Error, &rec.ReceivedAt, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signal: %w", err)
	}
	return &rec, nil
}

// ListSignals returns recent audit rows, newest first.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, broker, COALESCE(account_id, ''), symbol, action, quantity,
		       price, stop_loss, take_profit, COALESCE(magic_number, 0),
		       COALESCE(comment, ''), COALESCE(strategy, ''), COALESCE(raw_payload, ''),
		       status, COALESCE(order_id, ''), COALESCE(error, ''), received_at, updated_at
		FROM signals
		ORDER BY received_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Broker, &rec.AccountID, &rec.Symbol, &rec.Action, &rec.Quantity,
			&rec.Price, &rec.StopLoss, &rec.TakeProfit, &rec.MagicNumber,
			&rec.Comment, &rec.Strategy, &rec.RawPayload,
			&rec.Status, &rec.OrderID, &rec.Error, &rec.ReceivedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertAttempt records one broker call made for a signal.
func (s *Store) InsertAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_attempts (signal_id, broker, attempt, success, order_id, error, retryable)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.SignalID, a.Broker, a.Attempt, boolToInt(a.Success), a.OrderID, a.Error, boolToInt(a.Retryable))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts made for a signal in order.
func (s *Store) ListAttempts(ctx context.Context, signalID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, broker, attempt, success, COALESCE(order_id, ''),
		       COALESCE(error, ''), COALESCE(retryable, 0), created_at
		FROM signal_attempts
		WHERE signal_id = ?
		ORDER BY id ASC
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var success, retryable int
		if err := rows.Scan(&a.ID, &a.SignalID, &a.Broker, &a.Attempt, &success,
			&a.OrderID, &a.Error, &retryable, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Success = success == 1
		a.Retryable = retryable == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountStale returns the number of non-terminal signals older than the
// cutoff, for reconciliation of rows left by a crash mid-call.
func (s *Store) CountStale(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals
		WHERE status IN (?, ?, ?)
		  AND updated_at < DATETIME('now', '-5 minutes')
	`, StatusReceived, StatusValidating, StatusRouting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale signals: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
