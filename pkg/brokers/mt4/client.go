// Package mt4 talks to an MT4 manager-API bridge over REST. The bridge has
// no push channel; all reads are polls.
package mt4

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

	"signal-gateway/pkg/brokers/common"
)

// MT4 trade command codes.
const (
	cmdBuy       = 0
	cmdSell      = 1
	cmdBuyLimit  = 2
	cmdSellLimit = 3
	cmdBuyStop   = 4
	cmdSellStop  = 5
)

// Config holds bridge endpoint and manager credentials.
type Config struct {
	Name     string // registry name, e.g. "mt4"
	BaseURL  string
	Login    string
	Password string
	Server   string
	Timeout  time.Duration
}

// Client is an MT4 bridge session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "mt4"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      common.NewPacer(10, 10),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Connect logs into the manager API. No-op when a session already exists.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return c.Authenticate(ctx)
}

// Authenticate performs the manager login; a fresh token replaces any
// previous session.
func (c *Client) Authenticate(ctx context.Context) error {
	payload := map[string]string{
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
		"server":   c.cfg.Server,
	}
	var resp struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/api/auth/login", payload, &resp, false); err != nil {
		return err
	}
	if resp.Token == "" {
		msg := resp.Error
		if msg == "" {
			msg = "login refused"
		}
		return common.Rejection(c.cfg.Name, "authenticate", msg)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	had := c.token != ""
	c.token = ""
	c.mu.Unlock()
	if had {
		// Best effort; the bridge expires tokens on its own.
		_ = c.post(ctx, "/api/auth/logout", nil, nil, true)
	}
	return nil
}

type bridgeAccount struct {
	Login      string  `json:"login"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"margin_free"`
}

func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (common.Account, error) {
	if !c.Connected() {
		return common.Account{}, common.NotConnected(c.cfg.Name, "get_account_info")
	}
	var acc bridgeAccount
	q := url.Values{}
	if accountID != "" {
		q.Set("login", accountID)
	}
	if err := c.get(ctx, "/api/account", q, &acc); err != nil {
		return common.Account{}, err
	}
	return common.Account{
		Broker:     c.cfg.Name,
		AccountID:  acc.Login,
		Currency:   acc.Currency,
		Balance:    acc.Balance,
		Equity:     acc.Equity,
		Margin:     acc.Margin,
		FreeMargin: acc.FreeMargin,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

type bridgeOrder struct {
	Ticket     int64   `json:"ticket"`
	Login      string  `json:"login"`
	Symbol     string  `json:"symbol"`
	Cmd        int     `json:"cmd"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"open_price"`
	CurPrice   float64 `json:"current_price"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	Profit     float64 `json:"profit"`
	OpenTime   int64   `json:"open_time"`
	CloseTime  int64   `json:"close_time"`
	Comment    string  `json:"comment"`
	Magic      int     `json:"magic"`
	PriceOrder float64 `json:"price_order"`
}

// GetPositions returns open market positions. The bridge mixes pending
// orders and positions in one list; rows with pending command codes, a
// close time, or zero volume are dropped here so the engine never sees
// flat positions.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	rows, err := c.fetchTrades(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []common.Position
	for _, r := range rows {
		if r.Cmd != cmdBuy && r.Cmd != cmdSell {
			continue
		}
		if r.Volume <= 0 || r.CloseTime > 0 {
			continue
		}
		side := common.SideBuy
		if r.Cmd == cmdSell {
			side = common.SideSell
		}
		out = append(out, common.Position{
			Broker:        c.cfg.Name,
			PositionID:    strconv.FormatInt(r.Ticket, 10),
			AccountID:     r.Login,
			Symbol:        r.Symbol,
			Side:          side,
			Size:          r.Volume,
			EntryPrice:    r.OpenPrice,
			CurrentPrice:  r.CurPrice,
			StopLoss:      r.SL,
			TakeProfit:    r.TP,
			UnrealizedPnL: r.Profit,
			OpenedAt:      time.Unix(r.OpenTime, 0).UTC(),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

// GetOrders returns pending (working) orders.
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	rows, err := c.fetchTrades(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []common.Order
	for _, r := range rows {
		if r.Cmd < cmdBuyLimit || r.Cmd > cmdSellStop || r.CloseTime > 0 {
			continue
		}
		side := common.SideBuy
		if r.Cmd == cmdSellLimit || r.Cmd == cmdSellStop {
			side = common.SideSell
		}
		typ := common.OrderTypeLimit
		if r.Cmd == cmdBuyStop || r.Cmd == cmdSellStop {
			typ = common.OrderTypeStop
		}
		out = append(out, common.Order{
			Broker:     c.cfg.Name,
			OrderID:    strconv.FormatInt(r.Ticket, 10),
			AccountID:  r.Login,
			Symbol:     r.Symbol,
			Side:       side,
			Type:       typ,
			Qty:        r.Volume,
			Price:      r.PriceOrder,
			StopLoss:   r.SL,
			TakeProfit: r.TP,
			Status:     common.StatusOpen,
			CreatedAt:  time.Unix(r.OpenTime, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) fetchTrades(ctx context.Context, accountID string) ([]bridgeOrder, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("login", accountID)
	}
	var rows []bridgeOrder
	if err := c.get(ctx, "/api/trades", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PlaceOrder translates the canonical request into an MT4 numeric command.
// Price absent means market; market fills synchronously on the bridge.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "place_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	cmd, err := commandFor(req)
	if err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{
		"command": cmd,
		"symbol":  req.Symbol,
		"volume":  req.Qty,
		"sl":      req.StopLoss,
		"tp":      req.TakeProfit,
		"magic":   req.MagicNumber,
		"comment": req.Comment,
	}
	if req.AccountID != "" {
		payload["login"] = req.AccountID
	}
	if req.Price > 0 {
		payload["price"] = req.Price
	}
	var resp struct {
		Order int64   `json:"order"`
		Price float64 `json:"price"`
		Error string  `json:"error"`
	}
	if err := c.post(ctx, "/api/trade", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Error != "" {
		rej := common.Rejection(c.cfg.Name, "place_order", resp.Error)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := common.StatusFilled
	if cmd >= cmdBuyLimit {
		status = common.StatusOpen
	}
	return common.OKResult(c.cfg.Name, strconv.FormatInt(resp.Order, 10), status), nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	return c.modify(ctx, "modify_order", accountID, orderID, price, stopLoss, takeProfit)
}

func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	return c.modify(ctx, "modify_position", accountID, positionID, 0, stopLoss, takeProfit)
}

func (c *Client) modify(ctx context.Context, op, accountID, ticket string, price, sl, tp float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, op)
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{"order": ticket, "sl": sl, "tp": tp}
	if accountID != "" {
		payload["login"] = accountID
	}
	if price > 0 {
		payload["price"] = price
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/api/modify", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Error != "" {
		rej := common.Rejection(c.cfg.Name, op, resp.Error)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, ticket, common.StatusOpen), nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "cancel_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{"order": orderID}
	if accountID != "" {
		payload["login"] = accountID
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/api/delete", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Error != "" {
		rej := common.Rejection(c.cfg.Name, "cancel_order", resp.Error)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusCancelled), nil
}

// ClosePosition closes a ticket. Quantity 0 closes the full volume; a
// smaller quantity closes part and the bridge leaves the remainder under a
// new ticket.
func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "close_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{"order": positionID}
	if accountID != "" {
		payload["login"] = accountID
	}
	if quantity > 0 {
		payload["volume"] = quantity
	}
	var resp struct {
		Closed bool   `json:"closed"`
		Error  string `json:"error"`
	}
	if err := c.post(ctx, "/api/close", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Error != "" {
		rej := common.Rejection(c.cfg.Name, "close_position", resp.Error)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, positionID, common.StatusFilled), nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if !c.Connected() {
		return common.Quote{}, common.NotConnected(c.cfg.Name, "get_quote")
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	var resp struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Time   int64   `json:"time"`
	}
	if err := c.get(ctx, "/api/quote", q, &resp); err != nil {
		return common.Quote{}, err
	}
	return common.Quote{
		Broker: c.cfg.Name,
		Symbol: resp.Symbol,
		Bid:    resp.Bid,
		Ask:    resp.Ask,
		At:     time.Unix(resp.Time, 0).UTC(),
	}, nil
}

func commandFor(req common.OrderRequest) (int, *common.Error) {
	market := req.Type == common.OrderTypeMarket || (req.Type == "" && req.Price == 0)
	switch req.Side {
	case common.SideBuy:
		switch {
		case market:
			return cmdBuy, nil
		case req.Type == common.OrderTypeStop:
			return cmdBuyStop, nil
		default:
			return cmdBuyLimit, nil
		}
	case common.SideSell:
		switch {
		case market:
			return cmdSell, nil
		case req.Type == common.OrderTypeStop:
			return cmdSellStop, nil
		default:
			return cmdSellLimit, nil
		}
	}
	return 0, common.Validation("mt4", "place_order", fmt.Sprintf("unknown side %q", req.Side))
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	c.setAuth(req)
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any, auth bool) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return common.Validation(c.cfg.Name, path, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		c.setAuth(req)
	}
	return c.do(req, path, out)
}

func (c *Client) setAuth(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(req *http.Request, op string, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Connectivity(c.cfg.Name, op, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if res.StatusCode == http.StatusUnauthorized {
			// Session expired server-side; drop it so the next Connect
			// re-authenticates.
			c.mu.Lock()
			c.token = ""
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
