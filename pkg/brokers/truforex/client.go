// Package truforex implements the TruForex bridge adapter. The bridge is a
// thin polling gateway over a legacy dealing desk; it accepts market and
// pending orders but exposes no order-modification or quote endpoints, so
// those operations report a capability gap instead of guessing.
package truforex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"signal-gateway/pkg/brokers/common"
)

// Config holds TruForex bridge credentials.
type Config struct {
	Name      string
	BaseURL   string
	AccountID string
	APIKey    string
	Timeout   time.Duration
}

// Client is a TruForex bridge session. The bridge uses a static API key so
// there is no token lifecycle; Connect just probes the session endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu        sync.RWMutex
	connected bool
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "truforex"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// The bridge throttles aggressively; stay well under its ceiling.
		pacer: common.NewPacer(2, 2),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return c.Authenticate(ctx)
}

// Authenticate verifies the API key against the bridge session endpoint.
func (c *Client) Authenticate(ctx context.Context) error {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "/bridge/session", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "session refused"
		}
		return common.Rejection(c.cfg.Name, "authenticate", msg)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (common.Account, error) {
	if !c.Connected() {
		return common.Account{}, common.NotConnected(c.cfg.Name, "get_account_info")
	}
	var resp struct {
		Account  string  `json:"account"`
		Currency string  `json:"currency"`
		Balance  float64 `json:"balance"`
		Equity   float64 `json:"equity"`
		Margin   float64 `json:"margin"`
		Free     float64 `json:"free_margin"`
	}
	if err := c.do(ctx, http.MethodGet, "/bridge/account", nil, &resp); err != nil {
		return common.Account{}, err
	}
	return common.Account{
		Broker:     c.cfg.Name,
		AccountID:  resp.Account,
		Currency:   resp.Currency,
		Balance:    resp.Balance,
		Equity:     resp.Equity,
		Margin:     resp.Margin,
		FreeMargin: resp.Free,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	var resp struct {
		Positions []bridgeTicket `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/bridge/positions", nil, &resp); err != nil {
		return nil, err
	}
	var out []common.Position
	for _, t := range resp.Positions {
		if t.Lots <= 0 {
			continue
		}
		out = append(out, common.Position{
			Broker:       c.cfg.Name,
			PositionID:   t.Ticket,
			AccountID:    c.cfg.AccountID,
			Symbol:       t.Symbol,
			Side:         sideOf(t.Side),
			Size:         t.Lots,
			EntryPrice:   t.OpenPrice,
			StopLoss:     t.StopLoss,
			TakeProfit:   t.TakeProfit,
			UnrealizedPnL: t.Profit,
			OpenedAt:     time.Unix(t.OpenTime, 0).UTC(),
			UpdatedAt:    time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	var resp struct {
		Orders []bridgeTicket `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/bridge/orders", nil, &resp); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, t := range resp.Orders {
		typ := common.OrderTypeLimit
		if strings.Contains(strings.ToLower(t.Kind), "stop") {
			typ = common.OrderTypeStop
		}
		out = append(out, common.Order{
			Broker:    c.cfg.Name,
			OrderID:   t.Ticket,
			AccountID: c.cfg.AccountID,
			Symbol:    t.Symbol,
			Side:      sideOf(t.Side),
			Type:      typ,
			Qty:       t.Lots,
			Price:     t.OpenPrice,
			StopLoss:  t.StopLoss,
			TakeProfit: t.TakeProfit,
			Status:    common.StatusOpen,
			CreatedAt: time.Unix(t.OpenTime, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "place_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{
		"symbol": req.Symbol,
		"side":   strings.ToLower(string(req.Side)),
		"lots":   req.Qty,
	}
	if req.Price > 0 {
		kind := "limit"
		if req.Type == common.OrderTypeStop {
			kind = "stop"
		}
		payload["kind"] = kind
		payload["price"] = req.Price
	} else {
		payload["kind"] = "market"
	}
	if req.StopLoss > 0 {
		payload["sl"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		payload["tp"] = req.TakeProfit
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}
	var resp struct {
		Ticket string `json:"ticket"`
		Error  string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/bridge/order", payload, &resp); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Error != "" {
		rej := common.Rejection(c.cfg.Name, "place_order", resp.Error)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := common.StatusFilled
	if req.Price > 0 {
		status = common.StatusOpen
	}
	return common.OKResult(c.cfg.Name, resp.Ticket, status), nil
}

// ModifyOrder is a capability gap: the bridge exposes no order-modification
// endpoint. Callers must cancel and re-place instead.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	err := common.NotSupported(c.cfg.Name, "modify_order")
	return common.FailResult(c.cfg.Name, err), err
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "cancel_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	if err := c.bridgeAction(ctx, http.MethodDelete, "/bridge/order/"+url.PathEscape(orderID), "cancel_order", nil); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusCancelled), nil
}

func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "close_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{}
	if quantity > 0 {
		payload["lots"] = quantity
	}
	if err := c.bridgeAction(ctx, http.MethodPost, "/bridge/position/"+url.PathEscape(positionID)+"/close", "close_position", payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, positionID, common.StatusFilled), nil
}

func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "modify_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{}
	if stopLoss > 0 {
		payload["sl"] = stopLoss
	}
	if takeProfit > 0 {
		payload["tp"] = takeProfit
	}
	if err := c.bridgeAction(ctx, http.MethodPost, "/bridge/position/"+url.PathEscape(positionID)+"/protect", "modify_position", payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, positionID, common.StatusOpen), nil
}

// GetQuote is a capability gap: the bridge carries no market data feed.
func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	return common.Quote{}, common.NotSupported(c.cfg.Name, "get_quote")
}

// bridgeTicket is the bridge's flat ticket row, shared by the positions and
// orders listings.
type bridgeTicket struct {
	Ticket     string  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Kind       string  `json:"kind"`
	Lots       float64 `json:"lots"`
	OpenPrice  float64 `json:"open_price"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Profit     float64 `json:"profit"`
	OpenTime   int64   `json:"open_time"`
}

func sideOf(s string) common.Side {
	if strings.EqualFold(s, "sell") {
		return common.SideSell
	}
	return common.SideBuy
}

func (c *Client) bridgeAction(ctx context.Context, method, path, op string, payload any) error {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.do(ctx, method, path, payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "request refused"
		}
		return common.Rejection(c.cfg.Name, op, msg)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return common.Validation(c.cfg.Name, path, err.Error())
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("X-Account", c.cfg.AccountID)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if res.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
		return common.ClassifyHTTP(c.cfg.Name, path, res.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return common.Connectivity(c.cfg.Name, path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
