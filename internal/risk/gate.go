// Package risk validates canonical signals against configured limits before
// any broker contact.
package risk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BrokerView is the slice of broker state the gate consults. Lookups go
// through the registry so the gate never holds adapter references itself.
type BrokerView interface {
	IsConnected(name string) bool
	HasAccount(ctx context.Context, broker, accountID string) (bool, error)
	SymbolTradable(ctx context.Context, broker, symbol string) (bool, error)
}

// Gate runs ordered, short-circuiting checks over a signal. Critical checks
// (broker connectivity, account existence) deny on internal error; lookups
// that are best-effort (symbol tradability) allow on internal error.
type Gate struct {
	mu      sync.RWMutex
	cfg     Config
	metrics Metrics
	log     *zap.SugaredLogger
}

func NewGate(cfg Config, log *zap.SugaredLogger) *Gate {
	return &Gate{cfg: cfg, log: log}
}

// GetConfig returns a copy of the current limits.
func (g *Gate) GetConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateConfig replaces the limits.
func (g *Gate) UpdateConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// GetMetrics returns a snapshot of gate activity.
func (g *Gate) GetMetrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.metrics
}

// Validate evaluates a signal. close/modify actions skip the quantity caps
// since they only reduce or annotate existing exposure.
func (g *Gate) Validate(ctx context.Context, in Input, brokers BrokerView) Decision {
	g.mu.Lock()
	cfg := g.cfg
	g.metrics.ChecksTotal++
	metrics := g.metrics
	g.mu.Unlock()

	dec := g.evaluate(ctx, cfg, metrics, in, brokers)
	if !dec.Allowed {
		g.mu.Lock()
		g.metrics.RejectionsTotal++
		g.mu.Unlock()
		g.log.Infow("signal denied", "signal_id", in.SignalID, "check", dec.Check, "reason", dec.Reason)
	}
	return dec
}

func (g *Gate) evaluate(ctx context.Context, cfg Config, metrics Metrics, in Input, brokers BrokerView) Decision {
	// 1. Global switch.
	if !cfg.Enabled {
		return Decision{Allowed: true}
	}

	// 2. Target broker connected.
	if !brokers.IsConnected(in.Broker) {
		return deny("broker_connected", fmt.Sprintf("broker %s is not connected", in.Broker))
	}

	// 3. Target account exists. A lookup failure here denies.
	if in.AccountID != "" {
		ok, err := brokers.HasAccount(ctx, in.Broker, in.AccountID)
		if err != nil {
			return deny("account_exists", fmt.Sprintf("account lookup failed: %v", err))
		}
		if !ok {
			return deny("account_exists", fmt.Sprintf("account %s not found on %s", in.AccountID, in.Broker))
		}
	}

	// 4. Symbol tradable. A lookup failure here allows.
	if cfg.CheckSymbolTradable {
		ok, err := brokers.SymbolTradable(ctx, in.Broker, in.Symbol)
		if err != nil {
			g.log.Warnw("symbol check degraded, allowing", "signal_id", in.SignalID, "symbol", in.Symbol, "error", err)
		} else if !ok {
			return deny("symbol_tradable", fmt.Sprintf("symbol %s not tradable on %s", in.Symbol, in.Broker))
		}
	}

	// 5. Quantity caps apply to entries only.
	if in.Action == "buy" || in.Action == "sell" {
		if cfg.MinQuantity > 0 && in.Quantity < cfg.MinQuantity {
			return deny("quantity_min", fmt.Sprintf("quantity %.4f below minimum %.4f", in.Quantity, cfg.MinQuantity))
		}
		if cfg.MaxQuantity > 0 && in.Quantity > cfg.MaxQuantity {
			return deny("quantity_max", fmt.Sprintf("quantity %.4f above maximum %.4f", in.Quantity, cfg.MaxQuantity))
		}
		if cfg.MaxPositionSize > 0 && in.Quantity > cfg.MaxPositionSize {
			return deny("position_size", fmt.Sprintf("quantity %.4f exceeds max position size %.4f", in.Quantity, cfg.MaxPositionSize))
		}
	}

	// 6. Daily limits.
	if cfg.MaxDailyTrades > 0 && metrics.DailyTrades >= cfg.MaxDailyTrades {
		return deny("daily_trades", fmt.Sprintf("daily trade limit reached: %d/%d", metrics.DailyTrades, cfg.MaxDailyTrades))
	}
	if cfg.MaxDailyLoss > 0 && metrics.DailyLosses >= cfg.MaxDailyLoss {
		return deny("daily_loss", fmt.Sprintf("daily loss limit exceeded: %.2f/%.2f", metrics.DailyLosses, cfg.MaxDailyLoss))
	}

	return Decision{Allowed: true}
}

// RecordTrade updates daily counters after an execution completes. pnl is
// net of fees and may be zero when the broker does not report it.
func (g *Gate) RecordTrade(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.DailyTrades++
	g.metrics.DailyPnL += pnl
	if pnl < 0 {
		g.metrics.DailyLosses += -pnl
	}
}

// ResetDaily clears the daily counters. Called at day rollover.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Infow("daily risk counters reset",
		"pnl", g.metrics.DailyPnL, "trades", g.metrics.DailyTrades, "losses", g.metrics.DailyLosses)
	g.metrics.DailyPnL = 0
	g.metrics.DailyTrades = 0
	g.metrics.DailyLosses = 0
}
