// Package engine orchestrates one signal's processing: validate, route,
// dispatch, persist, retry/fallback, notify.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-gateway/internal/events"
	"signal-gateway/internal/metrics"
	"signal-gateway/internal/registry"
	"signal-gateway/internal/risk"
	"signal-gateway/internal/signal"
	"signal-gateway/pkg/brokers/common"
	"signal-gateway/pkg/cache"
	"signal-gateway/pkg/db"
)

// Policy bounds the retry/fallback behavior. It is an explicit value the
// composition root builds from configuration, not something the engine
// hardcodes.
type Policy struct {
	// MaxAttempts is the per-broker call budget, first try included.
	MaxAttempts int
	// Backoff is the initial delay between attempts; doubled each retry.
	Backoff time.Duration
	// CallTimeout bounds every individual adapter call.
	CallTimeout time.Duration
	// Fallbacks maps a primary broker to the brokers tried after its
	// attempt budget is exhausted on retryable errors.
	Fallbacks map[string][]string
}

// DefaultPolicy is used when the composition root supplies nothing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		CallTimeout: 15 * time.Second,
	}
}

// LegResult is one per-position outcome of a fan-out close/modify.
type LegResult struct {
	OK         bool   `json:"ok"`
	PositionID string `json:"position_id"`
	OrderID    string `json:"order_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result is what callers get back for one processed signal.
type Result struct {
	Success  bool        `json:"success"`
	SignalID string      `json:"signal_id"`
	OrderID  string      `json:"order_id,omitempty"`
	Broker   string      `json:"broker,omitempty"`
	Status   string      `json:"status,omitempty"`
	Error    string      `json:"error,omitempty"`
	Results  []LegResult `json:"results,omitempty"`
}

// Engine runs the signal state machine:
// received -> validating -> (rejected | routing) -> (executed | failed).
type Engine struct {
	registry *registry.Registry
	gate     *risk.Gate
	store    *db.Store
	mirror   *cache.Mirror
	sink     *events.Sink
	policy   Policy
	log      *zap.SugaredLogger
}

func New(reg *registry.Registry, gate *risk.Gate, store *db.Store, mirror *cache.Mirror, sink *events.Sink, policy Policy, log *zap.SugaredLogger) *Engine {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultPolicy().Backoff
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = DefaultPolicy().CallTimeout
	}
	return &Engine{
		registry: reg,
		gate:     gate,
		store:    store,
		mirror:   mirror,
		sink:     sink,
		policy:   policy,
		log:      log,
	}
}

// Process runs one signal end to end. Every signal ends in exactly one
// terminal state; a panic anywhere below converts into a failed audit row
// and never affects other in-flight signals.
func (e *Engine) Process(ctx context.Context, req signal.Request) (res Result) {
	res = Result{SignalID: req.SignalID, Broker: req.Broker}

	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("panic while processing signal", "signal_id", req.SignalID, "panic", r)
			msg := fmt.Sprintf("internal error: %v", r)
			e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
			res = Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: msg}
		}
	}()

	metrics.SignalsTotal.WithLabelValues(string(req.Source)).Inc()

	// Audit row first. Without it there is nothing to reconcile on crash.
	if err := e.store.InsertSignal(ctx, toRecord(req)); err != nil {
		e.log.Errorw("persist signal failed", "signal_id", req.SignalID, "error", err)
		res.Success = false
		res.Status = db.StatusFailed
		res.Error = "persistence unavailable"
		return res
	}
	e.sink.Emit(events.EventSignalReceived, req.SignalID, string(req.Action), req)

	// Validate.
	e.transition(ctx, req.SignalID, db.StatusValidating)
	dec := e.gate.Validate(ctx, risk.Input{
		SignalID:  req.SignalID,
		Broker:    req.Broker,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Action:    string(req.Action),
		Quantity:  req.Quantity,
		Price:     req.Price,
	}, e.registry)
	if !dec.Allowed {
		e.finish(ctx, req.SignalID, db.StatusRejected, "", dec.Reason)
		e.sink.Emit(events.EventRiskDenied, req.SignalID, dec.Check, dec)
		e.sink.Emit(events.EventSignalRejected, req.SignalID, string(req.Action), dec)
		res.Success = false
		res.Status = db.StatusRejected
		res.Error = dec.Reason
		return res
	}

	// Resolve the primary adapter.
	adapter, ok := e.registry.Get(req.Broker)
	if !ok {
		msg := fmt.Sprintf("broker %s is not configured", req.Broker)
		e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
		res.Success = false
		res.Status = db.StatusFailed
		res.Error = msg
		return res
	}
	if !adapter.Connected() {
		msg := fmt.Sprintf("broker %s is not connected", req.Broker)
		e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
		res.Success = false
		res.Status = db.StatusFailed
		res.Error = msg
		return res
	}

	// Routing state is persisted before the broker call so a crash
	// mid-call leaves a "routing, no result" row, never a phantom success.
	e.transition(ctx, req.SignalID, db.StatusRouting)

	switch req.Action {
	case signal.ActionBuy, signal.ActionSell:
		res = e.dispatchOrder(ctx, req)
	case signal.ActionClose:
		res = e.dispatchClose(ctx, req, adapter)
	case signal.ActionModify:
		res = e.dispatchModify(ctx, req, adapter)
	default:
		msg := fmt.Sprintf("unknown action %q", req.Action)
		e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
		res = Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: msg}
	}
	return res
}

// dispatchOrder places a new order, retrying connectivity failures with
// backoff and failing over to configured fallback brokers. A broker
// rejection stops the whole chain immediately and surfaces verbatim.
func (e *Engine) dispatchOrder(ctx context.Context, req signal.Request) Result {
	orderReq := common.OrderRequest{
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Side:        sideOf(req.Action),
		Type:        typeOf(req),
		Qty:         req.Quantity,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		ClientID:    req.SignalID,
		Comment:     req.Comment,
		MagicNumber: req.MagicNumber,
	}

	brokers := append([]string{req.Broker}, e.policy.Fallbacks[req.Broker]...)
	attempt := 0
	var lastErr error

	for _, name := range brokers {
		adapter, ok := e.registry.Get(name)
		if !ok || !adapter.Connected() {
			attempt++
			lastErr = common.NotConnected(name, "place_order")
			e.recordAttempt(ctx, req.SignalID, name, attempt, common.ExecutionResult{}, lastErr)
			continue
		}

		backoff := e.policy.Backoff
		for try := 0; try < e.policy.MaxAttempts; try++ {
			if try > 0 {
				metrics.RetriesTotal.WithLabelValues(name).Inc()
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					e.finish(ctx, req.SignalID, db.StatusFailed, "", ctx.Err().Error())
					return Result{SignalID: req.SignalID, Broker: name, Success: false, Status: db.StatusFailed, Error: ctx.Err().Error()}
				}
				backoff *= 2
			}

			attempt++
			execRes, err := e.callPlace(ctx, adapter, orderReq)
			e.recordAttempt(ctx, req.SignalID, name, attempt, execRes, err)

			if err == nil && execRes.Success {
				e.finish(ctx, req.SignalID, db.StatusExecuted, execRes.OrderID, "")
				e.sink.Emit(events.EventSignalExecuted, req.SignalID, string(req.Action), execRes)
				e.gate.RecordTrade(0)
				return Result{
					Success:  true,
					SignalID: req.SignalID,
					OrderID:  execRes.OrderID,
					Broker:   name,
					Status:   string(execRes.Status),
				}
			}

			lastErr = err
			if !common.IsRetryable(err) {
				// Explicit refusal: surface the broker's message verbatim,
				// no retry, no fallback.
				e.finish(ctx, req.SignalID, db.StatusFailed, "", execRes.Error)
				e.sink.Emit(events.EventSignalFailed, req.SignalID, string(req.Action), execRes)
				return Result{SignalID: req.SignalID, Broker: name, Success: false, Status: db.StatusFailed, Error: execRes.Error}
			}
			e.log.Warnw("retryable broker failure", "signal_id", req.SignalID, "broker", name, "attempt", attempt, "error", err)
		}
	}

	msg := "all brokers exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
	e.sink.Emit(events.EventSignalFailed, req.SignalID, string(req.Action), msg)
	return Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: msg}
}

// dispatchClose fans out one close call per matching open position.
// Aggregate success requires every leg to succeed; a mixed outcome is
// reported as failure with the per-leg breakdown attached.
func (e *Engine) dispatchClose(ctx context.Context, req signal.Request, adapter common.Adapter) Result {
	positions, err := e.listMatching(ctx, adapter, req)
	if err != nil {
		e.finish(ctx, req.SignalID, db.StatusFailed, "", err.Error())
		return Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: err.Error()}
	}
	if len(positions) == 0 {
		msg := fmt.Sprintf("no open positions for %s", req.Symbol)
		e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
		return Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: msg}
	}

	legs := make([]LegResult, 0, len(positions))
	allOK := true
	attempt := 0
	for _, pos := range positions {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
		execRes, legErr := adapter.ClosePosition(callCtx, pos.AccountID, pos.PositionID, req.Quantity)
		cancel()
		e.observe(adapter.Name(), "close_position", legErr)
		e.recordAttempt(ctx, req.SignalID, adapter.Name(), attempt, execRes, legErr)

		leg := LegResult{OK: legErr == nil && execRes.Success, PositionID: pos.PositionID, OrderID: execRes.OrderID}
		if !leg.OK {
			allOK = false
			leg.Error = execRes.Error
			if leg.Error == "" && legErr != nil {
				leg.Error = legErr.Error()
			}
		}
		legs = append(legs, leg)
	}

	return e.finishFanout(ctx, req, legs, allOK)
}

// dispatchModify applies stop_loss/take_profit to every matching position.
func (e *Engine) dispatchModify(ctx context.Context, req signal.Request, adapter common.Adapter) Result {
	positions, err := e.listMatching(ctx, adapter, req)
	if err != nil {
		e.finish(ctx, req.SignalID, db.StatusFailed, "", err.Error())
		return Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: err.Error()}
	}
	if len(positions) == 0 {
		msg := fmt.Sprintf("no open positions for %s", req.Symbol)
		e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
		return Result{SignalID: req.SignalID, Broker: req.Broker, Success: false, Status: db.StatusFailed, Error: msg}
	}

	legs := make([]LegResult, 0, len(positions))
	allOK := true
	attempt := 0
	for _, pos := range positions {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
		execRes, legErr := adapter.ModifyPosition(callCtx, pos.AccountID, pos.PositionID, req.StopLoss, req.TakeProfit)
		cancel()
		e.observe(adapter.Name(), "modify_position", legErr)
		e.recordAttempt(ctx, req.SignalID, adapter.Name(), attempt, execRes, legErr)

		leg := LegResult{OK: legErr == nil && execRes.Success, PositionID: pos.PositionID, OrderID: execRes.OrderID}
		if !leg.OK {
			allOK = false
			leg.Error = execRes.Error
			if leg.Error == "" && legErr != nil {
				leg.Error = legErr.Error()
			}
		}
		legs = append(legs, leg)
	}

	return e.finishFanout(ctx, req, legs, allOK)
}

func (e *Engine) finishFanout(ctx context.Context, req signal.Request, legs []LegResult, allOK bool) Result {
	if allOK {
		e.finish(ctx, req.SignalID, db.StatusExecuted, "", "")
		e.sink.Emit(events.EventSignalExecuted, req.SignalID, string(req.Action), legs)
		return Result{Success: true, SignalID: req.SignalID, Broker: req.Broker, Status: db.StatusExecuted, Results: legs}
	}
	msg := "partial failure"
	e.finish(ctx, req.SignalID, db.StatusFailed, "", msg)
	e.sink.Emit(events.EventSignalPartial, req.SignalID, string(req.Action), legs)
	return Result{Success: false, SignalID: req.SignalID, Broker: req.Broker, Status: db.StatusFailed, Error: msg, Results: legs}
}

// listMatching returns the open positions a close/modify signal targets.
func (e *Engine) listMatching(ctx context.Context, adapter common.Adapter, req signal.Request) ([]common.Position, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	positions, err := adapter.GetPositions(callCtx, req.AccountID)
	e.observe(adapter.Name(), "get_positions", err)
	if err != nil {
		return nil, err
	}
	var out []common.Position
	for _, p := range positions {
		if p.Symbol == req.Symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) callPlace(ctx context.Context, adapter common.Adapter, req common.OrderRequest) (common.ExecutionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	start := time.Now()
	res, err := adapter.PlaceOrder(callCtx, req)
	metrics.BrokerCallDuration.WithLabelValues(adapter.Name(), "place_order").Observe(time.Since(start).Seconds())
	e.observe(adapter.Name(), "place_order", err)
	return res, err
}

func (e *Engine) observe(broker, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(common.KindOf(err))
	}
	metrics.BrokerCalls.WithLabelValues(broker, op, outcome).Inc()
}

// persistCtx detaches audit writes from the caller's lifetime. A client
// disconnect or gateway timeout mid-processing must not be able to leave
// the signal row stuck in a non-terminal state.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (e *Engine) recordAttempt(ctx context.Context, signalID, broker string, attempt int, res common.ExecutionResult, err error) {
	ctx, cancel := persistCtx(ctx)
	defer cancel()
	a := db.Attempt{
		SignalID: signalID,
		Broker:   broker,
		Attempt:  attempt,
		Success:  err == nil && res.Success,
		OrderID:  res.OrderID,
	}
	if err != nil {
		a.Error = err.Error()
		a.Retryable = common.IsRetryable(err)
	} else if !res.Success {
		a.Error = res.Error
	}
	if dbErr := e.store.InsertAttempt(ctx, a); dbErr != nil {
		e.log.Warnw("record attempt failed", "signal_id", signalID, "error", dbErr)
	}
}

func (e *Engine) transition(ctx context.Context, signalID, status string) {
	ctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := e.store.UpdateSignalStatus(ctx, signalID, status, "", ""); err != nil {
		e.log.Warnw("persist transition failed", "signal_id", signalID, "status", status, "error", err)
	}
	e.mirrorStatus(ctx, signalID, status, "", "")
}

// finish writes the terminal audit state and mirrors it to the cache. The
// write goes through persistCtx so even a cancelled caller leaves a
// terminal row behind.
func (e *Engine) finish(ctx context.Context, signalID, status, orderID, errMsg string) {
	ctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := e.store.UpdateSignalStatus(ctx, signalID, status, orderID, errMsg); err != nil {
		e.log.Errorw("persist terminal state failed", "signal_id", signalID, "status", status, "error", err)
	}
	metrics.SignalOutcomes.WithLabelValues(status).Inc()
	e.mirrorStatus(ctx, signalID, status, orderID, errMsg)
}

func (e *Engine) mirrorStatus(ctx context.Context, signalID, status, orderID, errMsg string) {
	e.mirror.Set(ctx, "signal:"+signalID, map[string]any{
		"signal_id": signalID,
		"status":    status,
		"order_id":  orderID,
		"error":     errMsg,
		"updated":   time.Now().UTC(),
	})
}

func toRecord(req signal.Request) db.SignalRecord {
	return db.SignalRecord{
		ID:          req.SignalID,
		Source:      string(req.Source),
		Broker:      req.Broker,
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Action:      string(req.Action),
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		MagicNumber: req.MagicNumber,
		Comment:     req.Comment,
		Strategy:    req.Strategy,
		RawPayload:  string(req.Raw),
		Status:      db.StatusReceived,
		ReceivedAt:  req.ReceivedAt,
	}
}

func sideOf(a signal.Action) common.Side {
	if a == signal.ActionSell {
		return common.SideSell
	}
	return common.SideBuy
}

// typeOf maps price presence to order type: a priced entry is a limit
// order, an unpriced one is a market order.
func typeOf(req signal.Request) common.OrderType {
	if req.Price > 0 {
		return common.OrderTypeLimit
	}
	return common.OrderTypeMarket
}
