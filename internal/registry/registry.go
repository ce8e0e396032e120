// Package registry holds the configured broker adapters and their health
// state. The registry is constructed once at startup by the composition
// root and injected; there is no package-level instance.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-gateway/internal/events"
	"signal-gateway/pkg/brokers/common"
)

// Notifier receives broker lifecycle events; the event sink satisfies it.
type Notifier interface {
	Emit(topic events.Event, subject, eventType string, data any)
}

// Health is one adapter's connectivity snapshot.
type Health struct {
	Broker    string    `json:"broker"`
	Connected bool      `json:"connected"`
	CheckedAt time.Time `json:"checked_at"`
}

// Registry maps broker name to its adapter. Lookups are read-mostly; the
// rare write (reconnect) replaces the adapter reference whole so readers
// never observe a half-initialized one.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]common.Adapter
	checked  map[string]time.Time
	notify   Notifier
	log      *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Registry {
	return &Registry{
		adapters: make(map[string]common.Adapter),
		checked:  make(map[string]time.Time),
		log:      log,
	}
}

// SetNotifier wires session lifecycle events to a sink. A nil notifier
// drops them.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notify = n
	r.mu.Unlock()
}

func (r *Registry) emit(topic events.Event, broker, eventType string, data any) {
	r.mu.RLock()
	n := r.notify
	r.mu.RUnlock()
	if n != nil {
		n.Emit(topic, broker, eventType, data)
	}
}

// Register installs or replaces the adapter for a broker name.
func (r *Registry) Register(a common.Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.checked[a.Name()] = time.Now().UTC()
	r.mu.Unlock()
}

// Get returns the adapter for a broker name.
func (r *Registry) Get(name string) (common.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered broker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// Connected returns the adapters that currently hold a live session.
func (r *Registry) Connected() []common.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []common.Adapter
	for _, a := range r.adapters {
		if a.Connected() {
			out = append(out, a)
		}
	}
	return out
}

// IsConnected reports whether the named broker holds a live session.
func (r *Registry) IsConnected(name string) bool {
	a, ok := r.Get(name)
	if !ok {
		return false
	}
	connected := a.Connected()
	r.mu.Lock()
	r.checked[name] = time.Now().UTC()
	r.mu.Unlock()
	return connected
}

// HealthSnapshot returns per-broker connectivity with freshness timestamps.
func (r *Registry) HealthSnapshot() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.adapters))
	now := time.Now().UTC()
	for name, a := range r.adapters {
		out = append(out, Health{Broker: name, Connected: a.Connected(), CheckedAt: now})
	}
	return out
}

// HasAccount reports whether the account is visible on the broker.
func (r *Registry) HasAccount(ctx context.Context, broker, accountID string) (bool, error) {
	a, ok := r.Get(broker)
	if !ok {
		return false, common.NotConnected(broker, "has_account")
	}
	acct, err := a.GetAccountInfo(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.AccountID != "", nil
}

// SymbolTradable reports whether a quote is available for the symbol. A
// capability gap counts as tradable since the broker simply cannot answer.
func (r *Registry) SymbolTradable(ctx context.Context, broker, symbol string) (bool, error) {
	a, ok := r.Get(broker)
	if !ok {
		return false, common.NotConnected(broker, "symbol_tradable")
	}
	_, err := a.GetQuote(ctx, symbol)
	if err != nil {
		if common.KindOf(err) == common.KindCapability {
			return true, nil
		}
		if common.KindOf(err) == common.KindRejection {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ConnectAll establishes sessions for every registered adapter. Failures
// are logged and skipped; a broker that cannot connect at startup stays
// registered and reports unhealthy.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	adapters := make([]common.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			r.log.Warnw("broker connect failed", "broker", a.Name(), "error", err)
			r.emit(events.EventBrokerLost, a.Name(), "connect_failed", err.Error())
			continue
		}
		r.log.Infow("broker connected", "broker", a.Name())
		r.emit(events.EventBrokerConnected, a.Name(), "connect", nil)
	}
}

// CloseAll tears down every session. Called on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	adapters := make([]common.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if s, ok := a.(common.Streamer); ok {
			s.StopStream()
		}
		if err := a.Disconnect(ctx); err != nil {
			r.log.Warnw("broker disconnect failed", "broker", a.Name(), "error", err)
		}
		r.emit(events.EventBrokerLost, a.Name(), "disconnect", nil)
	}
}
