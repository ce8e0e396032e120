// Package tradelocker implements the TradeLocker REST adapter with a
// websocket push channel for account/position/order events.
package tradelocker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"signal-gateway/pkg/brokers/common"
)

// Config holds TradeLocker credentials.
type Config struct {
	Name     string
	BaseURL  string
	WSURL    string
	Email    string
	Password string
	Server   string
	Timeout  time.Duration
}

// Client is a TradeLocker session. The access token is replaced wholesale
// on re-auth; readers take the token under the lock and never observe a
// half-refreshed session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu          sync.RWMutex
	accessToken string
	tokenExpiry time.Time

	stream *stream
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "tradelocker"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      common.NewPacer(8, 8),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken != "" && time.Now().Before(c.tokenExpiry)
}

func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return c.Authenticate(ctx)
}

// Authenticate exchanges credentials for a JWT pair. Expiry is read from
// the token's own exp claim so the session flips to disconnected exactly
// when the server stops honoring it.
func (c *Client) Authenticate(ctx context.Context) error {
	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	err := c.post(ctx, "/auth/jwt/token", map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
		"server":   c.cfg.Server,
	}, &resp, false)
	if err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return common.Rejection(c.cfg.Name, "authenticate", "empty access token")
	}

	expiry := time.Now().Add(50 * time.Minute)
	if claims := parseExpiry(resp.AccessToken); !claims.IsZero() {
		expiry = claims
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return nil
}

// parseExpiry reads exp from the JWT without verifying the signature; the
// server is the authority, we only need the deadline.
func parseExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.StopStream()
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
	return nil
}

func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (common.Account, error) {
	if !c.Connected() {
		return common.Account{}, common.NotConnected(c.cfg.Name, "get_account_info")
	}
	var resp struct {
		Accounts []struct {
			ID       json.Number `json:"id"`
			Currency string      `json:"currency"`
			Balance  float64     `json:"accountBalance"`
			Equity   float64     `json:"equity"`
			Margin   float64     `json:"marginUsed"`
			Free     float64     `json:"marginAvailable"`
		} `json:"accounts"`
	}
	if err := c.get(ctx, "/trade/accounts", nil, &resp); err != nil {
		return common.Account{}, err
	}
	for _, a := range resp.Accounts {
		if accountID == "" || a.ID.String() == accountID {
			return common.Account{
				Broker:     c.cfg.Name,
				AccountID:  a.ID.String(),
				Currency:   a.Currency,
				Balance:    a.Balance,
				Equity:     a.Equity,
				Margin:     a.Margin,
				FreeMargin: a.Free,
				FetchedAt:  time.Now().UTC(),
			}, nil
		}
	}
	return common.Account{}, common.Rejection(c.cfg.Name, "get_account_info", fmt.Sprintf("account %s not found", accountID))
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	path := "/trade/positions"
	if accountID != "" {
		path = "/trade/accounts/" + url.PathEscape(accountID) + "/positions"
	}
	var resp struct {
		Positions []struct {
			ID           json.Number `json:"id"`
			AccountID    json.Number `json:"accountId"`
			Symbol       string      `json:"tradableInstrument"`
			Side         string      `json:"side"` // buy / sell
			Qty          float64     `json:"qty"`
			AvgPrice     float64     `json:"avgPrice"`
			CurrentPrice float64     `json:"currentPrice"`
			StopLoss     float64     `json:"stopLoss"`
			TakeProfit   float64     `json:"takeProfit"`
			Unrealized   float64     `json:"unrealizedPl"`
			OpenedAtMs   int64       `json:"openDate"`
		} `json:"positions"`
	}
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	var out []common.Position
	for _, p := range resp.Positions {
		if p.Qty <= 0 {
			continue
		}
		side := common.SideBuy
		if p.Side == "sell" {
			side = common.SideSell
		}
		out = append(out, common.Position{
			Broker:        c.cfg.Name,
			PositionID:    p.ID.String(),
			AccountID:     p.AccountID.String(),
			Symbol:        p.Symbol,
			Side:          side,
			Size:          p.Qty,
			EntryPrice:    p.AvgPrice,
			CurrentPrice:  p.CurrentPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPnL: p.Unrealized,
			OpenedAt:      time.UnixMilli(p.OpenedAtMs).UTC(),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	path := "/trade/orders"
	if accountID != "" {
		path = "/trade/accounts/" + url.PathEscape(accountID) + "/orders"
	}
	var resp struct {
		Orders []struct {
			ID         json.Number `json:"id"`
			AccountID  json.Number `json:"accountId"`
			Symbol     string      `json:"tradableInstrument"`
			Side       string      `json:"side"`
			Type       string      `json:"type"` // market / limit / stop
			Qty        float64     `json:"qty"`
			FilledQty  float64     `json:"filledQty"`
			Price      float64     `json:"price"`
			StopLoss   float64     `json:"stopLoss"`
			TakeProfit float64     `json:"takeProfit"`
			Status     string      `json:"status"`
			CreatedMs  int64       `json:"createdDate"`
		} `json:"orders"`
	}
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, o := range resp.Orders {
		side := common.SideBuy
		if o.Side == "sell" {
			side = common.SideSell
		}
		out = append(out, common.Order{
			Broker:     c.cfg.Name,
			OrderID:    o.ID.String(),
			AccountID:  o.AccountID.String(),
			Symbol:     o.Symbol,
			Side:       side,
			Type:       mapOrderType(o.Type),
			Qty:        o.Qty,
			FilledQty:  o.FilledQty,
			Price:      o.Price,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			Status:     mapStatus(o.Status),
			CreatedAt:  time.UnixMilli(o.CreatedMs).UTC(),
		})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "place_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	orderType := "market"
	switch {
	case req.Type == common.OrderTypeStop:
		orderType = "stop"
	case req.Type == common.OrderTypeLimit || (req.Type == "" && req.Price > 0):
		orderType = "limit"
	}
	payload := map[string]any{
		"tradableInstrument": req.Symbol,
		"side":               sideString(req.Side),
		"type":               orderType,
		"qty":                req.Qty,
	}
	if orderType != "market" {
		payload["price"] = req.Price
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		payload["takeProfit"] = req.TakeProfit
	}
	path := "/trade/accounts/" + url.PathEscape(req.AccountID) + "/orders"
	var resp struct {
		OrderID json.Number `json:"orderId"`
		Status  string      `json:"status"`
		Message string      `json:"message"`
	}
	if err := c.post(ctx, path, payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.OrderID.String() == "" {
		msg := resp.Message
		if msg == "" {
			msg = "order not accepted"
		}
		rej := common.Rejection(c.cfg.Name, "place_order", msg)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := mapStatus(resp.Status)
	if status == common.StatusUnknown {
		if orderType == "market" {
			status = common.StatusFilled
		} else {
			status = common.StatusOpen
		}
	}
	return common.OKResult(c.cfg.Name, resp.OrderID.String(), status), nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "modify_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{}
	if price > 0 {
		payload["price"] = price
	}
	if stopLoss > 0 {
		payload["stopLoss"] = stopLoss
	}
	if takeProfit > 0 {
		payload["takeProfit"] = takeProfit
	}
	if err := c.patch(ctx, "/trade/orders/"+url.PathEscape(orderID), payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusOpen), nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "cancel_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	if err := c.delete(ctx, "/trade/orders/"+url.PathEscape(orderID), nil); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusCancelled), nil
}

func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "close_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	q := url.Values{}
	if quantity > 0 {
		q.Set("qty", strconv.FormatFloat(quantity, 'f', -1, 64))
	}
	if err := c.delete(ctx, "/trade/positions/"+url.PathEscape(positionID), q); err != nil {
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
		payload["stopLoss"] = stopLoss
	}
	if takeProfit > 0 {
		payload["takeProfit"] = takeProfit
	}
	if err := c.patch(ctx, "/trade/positions/"+url.PathEscape(positionID), payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, positionID, common.StatusOpen), nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if !c.Connected() {
		return common.Quote{}, common.NotConnected(c.cfg.Name, "get_quote")
	}
	q := url.Values{}
	q.Set("tradableInstrument", symbol)
	var resp struct {
		Bid float64 `json:"bp"`
		Ask float64 `json:"ap"`
	}
	if err := c.get(ctx, "/trade/quotes", q, &resp); err != nil {
		return common.Quote{}, err
	}
	return common.Quote{
		Broker: c.cfg.Name,
		Symbol: symbol,
		Bid:    resp.Bid,
		Ask:    resp.Ask,
		At:     time.Now().UTC(),
	}, nil
}

func sideString(s common.Side) string {
	if s == common.SideSell {
		return "sell"
	}
	return "buy"
}

func mapOrderType(t string) common.OrderType {
	switch t {
	case "limit":
		return common.OrderTypeLimit
	case "stop":
		return common.OrderTypeStop
	default:
		return common.OrderTypeMarket
	}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "pending", "new":
		return common.StatusPending
	case "working", "open":
		return common.StatusOpen
	case "filled":
		return common.StatusFilled
	case "partiallyFilled":
		return common.StatusPartial
	case "cancelled", "canceled":
		return common.StatusCancelled
	case "rejected":
		return common.StatusRejected
	case "expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any, auth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return common.Validation(c.cfg.Name, path, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doMaybeAuth(req, path, out, auth)
}

func (c *Client) patch(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return common.Validation(c.cfg.Name, path, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, nil)
}

func (c *Client) delete(ctx context.Context, path string, q url.Values) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	return c.do(req, path, nil)
}

func (c *Client) doMaybeAuth(req *http.Request, op string, out any, auth bool) error {
	if !auth {
		return c.doRaw(req, op, out, false)
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	return c.doRaw(req, op, out, true)
}

func (c *Client) doRaw(req *http.Request, op string, out any, auth bool) error {
	if err := c.pacer.Wait(req.Context()); err != nil {
		return common.Connectivity(c.cfg.Name, op, err)
	}
	if auth {
		c.mu.RLock()
		token := c.accessToken
		c.mu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Connectivity(c.cfg.Name, op, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if res.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.accessToken = ""
			c.tokenExpiry = time.Time{}
			c.mu.Unlock()
		}
		return common.ClassifyHTTP(c.cfg.Name, op, res.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return common.Connectivity(c.cfg.Name, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
