// Package unified exposes aggregate and scoped broker reads over the
// registry: fan the same call out to every connected adapter, or forward
// it to one named broker.
package unified

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-gateway/internal/registry"
	"signal-gateway/pkg/brokers/common"
)

// Gateway is the fan-out/fan-in façade. Aggregate reads skip erroring
// adapters; scoped reads surface an explicit "broker unavailable" error,
// distinct from "no data".
type Gateway struct {
	registry *registry.Registry
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func New(reg *registry.Registry, timeout time.Duration, log *zap.SugaredLogger) *Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{registry: reg, timeout: timeout, log: log}
}

// Positions returns open positions. broker == "" aggregates across every
// connected adapter; otherwise the call is scoped to one broker.
func (g *Gateway) Positions(ctx context.Context, broker, accountID string) ([]common.Position, error) {
	if broker != "" {
		adapter, err := g.scoped(broker)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return adapter.GetPositions(callCtx, accountID)
	}

	results := fanOut(ctx, g, func(ctx context.Context, a common.Adapter) ([]common.Position, error) {
		return a.GetPositions(ctx, accountID)
	})
	var out []common.Position
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Orders returns working orders, aggregated or scoped like Positions.
func (g *Gateway) Orders(ctx context.Context, broker, accountID string) ([]common.Order, error) {
	if broker != "" {
		adapter, err := g.scoped(broker)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return adapter.GetOrders(callCtx, accountID)
	}

	results := fanOut(ctx, g, func(ctx context.Context, a common.Adapter) ([]common.Order, error) {
		return a.GetOrders(ctx, accountID)
	})
	var out []common.Order
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Accounts returns account snapshots from every connected adapter.
func (g *Gateway) Accounts(ctx context.Context) []common.Account {
	results := fanOut(ctx, g, func(ctx context.Context, a common.Adapter) ([]common.Account, error) {
		acct, err := a.GetAccountInfo(ctx, "")
		if err != nil {
			return nil, err
		}
		return []common.Account{acct}, nil
	})
	var out []common.Account
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// Quote fetches a quote from one broker, or from the first connected
// broker able to answer when none is named.
func (g *Gateway) Quote(ctx context.Context, broker, symbol string) (common.Quote, error) {
	if broker != "" {
		adapter, err := g.scoped(broker)
		if err != nil {
			return common.Quote{}, err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return adapter.GetQuote(callCtx, symbol)
	}

	var lastErr error
	for _, adapter := range g.registry.Connected() {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		q, err := adapter.GetQuote(callCtx, symbol)
		cancel()
		if err == nil {
			return q, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = common.NotConnected("any", "get_quote")
	}
	return common.Quote{}, lastErr
}

// CancelOrder forwards a cancel to the named broker.
func (g *Gateway) CancelOrder(ctx context.Context, broker, accountID, orderID string) (common.ExecutionResult, error) {
	adapter, err := g.scoped(broker)
	if err != nil {
		return common.FailResult(broker, err), err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return adapter.CancelOrder(callCtx, accountID, orderID)
}

// ModifyOrder forwards an order modification to the named broker.
func (g *Gateway) ModifyOrder(ctx context.Context, broker, accountID, orderID string, price, sl, tp float64) (common.ExecutionResult, error) {
	adapter, err := g.scoped(broker)
	if err != nil {
		return common.FailResult(broker, err), err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return adapter.ModifyOrder(callCtx, accountID, orderID, price, sl, tp)
}

// ClosePosition forwards a close to the named broker. quantity 0 closes
// the whole position.
func (g *Gateway) ClosePosition(ctx context.Context, broker, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	adapter, err := g.scoped(broker)
	if err != nil {
		return common.FailResult(broker, err), err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return adapter.ClosePosition(callCtx, accountID, positionID, quantity)
}

// HealthStatus is the gateway-wide connectivity summary.
type HealthStatus struct {
	Status  string            `json:"status"`
	Brokers map[string]bool   `json:"brokers"`
	Checked map[string]string `json:"checked_at"`
}

// Health reports per-broker connectivity. Overall status is healthy when
// at least one broker is connected.
func (g *Gateway) Health() HealthStatus {
	snapshot := g.registry.HealthSnapshot()
	hs := HealthStatus{
		Status:  "unhealthy",
		Brokers: make(map[string]bool, len(snapshot)),
		Checked: make(map[string]string, len(snapshot)),
	}
	for _, h := range snapshot {
		hs.Brokers[h.Broker] = h.Connected
		hs.Checked[h.Broker] = h.CheckedAt.Format(time.RFC3339)
		if h.Connected {
			hs.Status = "healthy"
		}
	}
	return hs
}

func (g *Gateway) scoped(broker string) (common.Adapter, error) {
	adapter, ok := g.registry.Get(broker)
	if !ok {
		return nil, common.NotConnected(broker, "lookup")
	}
	if !adapter.Connected() {
		return nil, common.NotConnected(broker, "lookup")
	}
	return adapter, nil
}

// fanOut runs the same read on every connected adapter concurrently and
// tags results by broker. An erroring adapter is logged and skipped; it
// never fails the whole call.
func fanOut[T any](ctx context.Context, g *Gateway, call func(context.Context, common.Adapter) ([]T, error)) [][]T {
	adapters := g.registry.Connected()
	results := make([][]T, len(adapters))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, a common.Adapter) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			r, err := call(callCtx, a)
			if err != nil {
				g.log.Warnw("aggregate read skipped broker", "broker", a.Name(), "error", err)
				return
			}
			results[i] = r
		}(i, adapter)
	}
	wg.Wait()
	return results
}
