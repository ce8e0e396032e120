// Package mt5 talks to an MT5 manager-API bridge. Unlike the MT4 bridge it
// separates positions from working orders and names trade actions instead
// of numeric command codes. Poll-only; no push channel.
package mt5

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

// Config holds bridge endpoint and manager credentials.
type Config struct {
	Name     string
	BaseURL  string
	Login    string
	Password string
	Server   string
	Timeout  time.Duration
}

// Client is an MT5 bridge session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "mt5"
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

func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return c.Authenticate(ctx)
}

func (c *Client) Authenticate(ctx context.Context) error {
	var resp struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	err := c.post(ctx, "/api/v2/auth", map[string]string{
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
		"server":   c.cfg.Server,
	}, &resp, false)
	if err != nil {
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
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (common.Account, error) {
	if !c.Connected() {
		return common.Account{}, common.NotConnected(c.cfg.Name, "get_account_info")
	}
	var resp struct {
		Login      int64   `json:"login"`
		Currency   string  `json:"currency"`
		Balance    float64 `json:"balance"`
		Equity     float64 `json:"equity"`
		Margin     float64 `json:"margin"`
		MarginFree float64 `json:"margin_free"`
	}
	q := url.Values{}
	if accountID != "" {
		q.Set("login", accountID)
	}
	if err := c.get(ctx, "/api/v2/account", q, &resp); err != nil {
		return common.Account{}, err
	}
	return common.Account{
		Broker:     c.cfg.Name,
		AccountID:  strconv.FormatInt(resp.Login, 10),
		Currency:   resp.Currency,
		Balance:    resp.Balance,
		Equity:     resp.Equity,
		Margin:     resp.Margin,
		FreeMargin: resp.MarginFree,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

type mt5Position struct {
	Ticket     int64   `json:"ticket"`
	Login      int64   `json:"login"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"` // POSITION_TYPE_BUY / POSITION_TYPE_SELL
	Volume     float64 `json:"volume"`
	PriceOpen  float64 `json:"price_open"`
	PriceCur   float64 `json:"price_current"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	Profit     float64 `json:"profit"`
	TimeCreate int64   `json:"time_create"`
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	q := url.Values{}
	if accountID != "" {
		q.Set("login", accountID)
	}
	var rows []mt5Position
	if err := c.get(ctx, "/api/v2/positions", q, &rows); err != nil {
		return nil, err
	}
	var out []common.Position
	for _, r := range rows {
		// The bridge reports just-closed positions with zero volume for one
		// poll cycle; drop them at this boundary.
		if r.Volume <= 0 {
			continue
		}
		side := common.SideBuy
		if r.Type == "POSITION_TYPE_SELL" {
			side = common.SideSell
		}
		out = append(out, common.Position{
			Broker:        c.cfg.Name,
			PositionID:    strconv.FormatInt(r.Ticket, 10),
			AccountID:     strconv.FormatInt(r.Login, 10),
			Symbol:        r.Symbol,
			Side:          side,
			Size:          r.Volume,
			EntryPrice:    r.PriceOpen,
			CurrentPrice:  r.PriceCur,
			StopLoss:      r.SL,
			TakeProfit:    r.TP,
			UnrealizedPnL: r.Profit,
			OpenedAt:      time.Unix(r.TimeCreate, 0).UTC(),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	q := url.Values{}
	if accountID != "" {
		q.Set("login", accountID)
	}
	var rows []struct {
		Ticket     int64   `json:"ticket"`
		Login      int64   `json:"login"`
		Symbol     string  `json:"symbol"`
		Type       string  `json:"type"` // ORDER_TYPE_BUY_LIMIT etc.
		Volume     float64 `json:"volume_current"`
		PriceOpen  float64 `json:"price_open"`
		SL         float64 `json:"sl"`
		TP         float64 `json:"tp"`
		TimeSetup  int64   `json:"time_setup"`
		State      string  `json:"state"`
	}
	if err := c.get(ctx, "/api/v2/orders", q, &rows); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, r := range rows {
		side := common.SideBuy
		typ := common.OrderTypeLimit
		switch r.Type {
		case "ORDER_TYPE_SELL_LIMIT":
			side = common.SideSell
		case "ORDER_TYPE_BUY_STOP":
			typ = common.OrderTypeStop
		case "ORDER_TYPE_SELL_STOP":
			side, typ = common.SideSell, common.OrderTypeStop
		}
		out = append(out, common.Order{
			Broker:     c.cfg.Name,
			OrderID:    strconv.FormatInt(r.Ticket, 10),
			AccountID:  strconv.FormatInt(r.Login, 10),
			Symbol:     r.Symbol,
			Side:       side,
			Type:       typ,
			Qty:        r.Volume,
			Price:      r.PriceOpen,
			StopLoss:   r.SL,
			TakeProfit: r.TP,
			Status:     mapOrderState(r.State),
			CreatedAt:  time.Unix(r.TimeSetup, 0).UTC(),
		})
	}
	return out, nil
}

// PlaceOrder maps the canonical request onto an MT5 trade request. Market
// orders use TRADE_ACTION_DEAL, pendings TRADE_ACTION_PENDING.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "place_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	market := req.Type == common.OrderTypeMarket || (req.Type == "" && req.Price == 0)
	action := "TRADE_ACTION_DEAL"
	orderType := "ORDER_TYPE_BUY"
	if req.Side == common.SideSell {
		orderType = "ORDER_TYPE_SELL"
	}
	if !market {
		action = "TRADE_ACTION_PENDING"
		switch {
		case req.Side == common.SideBuy && req.Type == common.OrderTypeStop:
			orderType = "ORDER_TYPE_BUY_STOP"
		case req.Side == common.SideBuy:
			orderType = "ORDER_TYPE_BUY_LIMIT"
		case req.Type == common.OrderTypeStop:
			orderType = "ORDER_TYPE_SELL_STOP"
		default:
			orderType = "ORDER_TYPE_SELL_LIMIT"
		}
	}
	payload := map[string]any{
		"action":  action,
		"type":    orderType,
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
	if !market {
		payload["price"] = req.Price
	}
	var resp struct {
		Retcode int     `json:"retcode"`
		Order   int64   `json:"order"`
		Deal    int64   `json:"deal"`
		Price   float64 `json:"price"`
		Comment string  `json:"comment"`
	}
	if err := c.post(ctx, "/api/v2/trade", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	// 10009 = TRADE_RETCODE_DONE
	if resp.Retcode != 0 && resp.Retcode != 10009 {
		msg := resp.Comment
		if msg == "" {
			msg = fmt.Sprintf("retcode %d", resp.Retcode)
		}
		rej := common.Rejection(c.cfg.Name, "place_order", msg)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := common.StatusFilled
	if !market {
		status = common.StatusOpen
	}
	return common.OKResult(c.cfg.Name, strconv.FormatInt(resp.Order, 10), status), nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	payload := map[string]any{
		"action": "TRADE_ACTION_MODIFY",
		"order":  orderID,
		"sl":     stopLoss,
		"tp":     takeProfit,
	}
	if price > 0 {
		payload["price"] = price
	}
	return c.tradeAction(ctx, "modify_order", accountID, orderID, payload, common.StatusOpen)
}

func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	payload := map[string]any{
		"action":   "TRADE_ACTION_SLTP",
		"position": positionID,
		"sl":       stopLoss,
		"tp":       takeProfit,
	}
	return c.tradeAction(ctx, "modify_position", accountID, positionID, payload, common.StatusOpen)
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	payload := map[string]any{
		"action": "TRADE_ACTION_REMOVE",
		"order":  orderID,
	}
	return c.tradeAction(ctx, "cancel_order", accountID, orderID, payload, common.StatusCancelled)
}

// ClosePosition sends an opposing deal against the position; quantity 0
// closes the full volume.
func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	payload := map[string]any{
		"action":   "TRADE_ACTION_DEAL",
		"position": positionID,
		"close":    true,
	}
	if quantity > 0 {
		payload["volume"] = quantity
	}
	return c.tradeAction(ctx, "close_position", accountID, positionID, payload, common.StatusFilled)
}

func (c *Client) tradeAction(ctx context.Context, op, accountID, id string, payload map[string]any, ok common.OrderStatus) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, op)
		return common.FailResult(c.cfg.Name, err), err
	}
	if accountID != "" {
		payload["login"] = accountID
	}
	var resp struct {
		Retcode int    `json:"retcode"`
		Comment string `json:"comment"`
	}
	if err := c.post(ctx, "/api/v2/trade", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.Retcode != 0 && resp.Retcode != 10009 {
		msg := resp.Comment
		if msg == "" {
			msg = fmt.Sprintf("retcode %d", resp.Retcode)
		}
		rej := common.Rejection(c.cfg.Name, op, msg)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, id, ok), nil
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
		TimeMs int64   `json:"time_msc"`
	}
	if err := c.get(ctx, "/api/v2/tick", q, &resp); err != nil {
		return common.Quote{}, err
	}
	return common.Quote{
		Broker: c.cfg.Name,
		Symbol: resp.Symbol,
		Bid:    resp.Bid,
		Ask:    resp.Ask,
		At:     time.UnixMilli(resp.TimeMs).UTC(),
	}, nil
}

func mapOrderState(state string) common.OrderStatus {
	switch state {
	case "ORDER_STATE_PLACED", "ORDER_STATE_STARTED":
		return common.StatusOpen
	case "ORDER_STATE_PARTIAL":
		return common.StatusPartial
	case "ORDER_STATE_FILLED":
		return common.StatusFilled
	case "ORDER_STATE_CANCELED":
		return common.StatusCancelled
	case "ORDER_STATE_REJECTED":
		return common.StatusRejected
	case "ORDER_STATE_EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
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
