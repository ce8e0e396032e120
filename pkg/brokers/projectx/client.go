// Package projectx implements the ProjectX gateway adapter. The API keys
// sides and order types as numeric enums and scopes everything by numeric
// account id.
package projectx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"signal-gateway/pkg/brokers/common"
)

// ProjectX wire enums.
const (
	sideBid = 0 // buy
	sideAsk = 1 // sell

	typeLimit  = 1
	typeMarket = 2
	typeStop   = 4
)

// Config holds ProjectX credentials.
type Config struct {
	Name     string
	BaseURL  string
	WSURL    string
	Username string
	APIKey   string
	Timeout  time.Duration
}

// Client is a ProjectX session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu    sync.RWMutex
	token string

	stream *stream
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "projectx"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      common.NewPacer(5, 5),
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
		Token        string `json:"token"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	err := c.post(ctx, "/api/Auth/loginKey", map[string]string{
		"userName": c.cfg.Username,
		"apiKey":   c.cfg.APIKey,
	}, &resp, false)
	if err != nil {
		return err
	}
	if !resp.Success || resp.Token == "" {
		msg := resp.ErrorMessage
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
	c.StopStream()
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
		Accounts []struct {
			ID      int64   `json:"id"`
			Name    string  `json:"name"`
			Balance float64 `json:"balance"`
		} `json:"accounts"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/api/Account/search", map[string]any{"onlyActiveAccounts": true}, &resp, true); err != nil {
		return common.Account{}, err
	}
	if !resp.Success {
		return common.Account{}, common.Rejection(c.cfg.Name, "get_account_info", resp.ErrorMessage)
	}
	for _, a := range resp.Accounts {
		id := strconv.FormatInt(a.ID, 10)
		if accountID == "" || id == accountID || a.Name == accountID {
			return common.Account{
				Broker:    c.cfg.Name,
				AccountID: id,
				Currency:  "USD",
				Balance:   a.Balance,
				Equity:    a.Balance,
				FetchedAt: time.Now().UTC(),
			}, nil
		}
	}
	return common.Account{}, common.Rejection(c.cfg.Name, "get_account_info", fmt.Sprintf("account %s not found", accountID))
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	payload := map[string]any{}
	if accountID != "" {
		payload["accountId"] = mustInt(accountID)
	}
	var resp struct {
		Positions []struct {
			ID           int64   `json:"id"`
			AccountID    int64   `json:"accountId"`
			ContractID   string  `json:"contractId"`
			Type         int     `json:"type"` // 1 long, 2 short
			Size         float64 `json:"size"`
			AveragePrice float64 `json:"averagePrice"`
			CreatedAt    string  `json:"creationTimestamp"`
		} `json:"positions"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/api/Position/searchOpen", payload, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, common.Rejection(c.cfg.Name, "get_positions", resp.ErrorMessage)
	}
	var out []common.Position
	for _, p := range resp.Positions {
		if p.Size <= 0 {
			continue
		}
		side := common.SideBuy
		if p.Type == 2 {
			side = common.SideSell
		}
		opened := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			opened = t
		}
		out = append(out, common.Position{
			Broker:     c.cfg.Name,
			PositionID: strconv.FormatInt(p.ID, 10),
			AccountID:  strconv.FormatInt(p.AccountID, 10),
			Symbol:     p.ContractID,
			Side:       side,
			Size:       p.Size,
			EntryPrice: p.AveragePrice,
			OpenedAt:   opened,
			UpdatedAt:  time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	payload := map[string]any{}
	if accountID != "" {
		payload["accountId"] = mustInt(accountID)
	}
	var resp struct {
		Orders []struct {
			ID         int64   `json:"id"`
			AccountID  int64   `json:"accountId"`
			ContractID string  `json:"contractId"`
			Side       int     `json:"side"`
			Type       int     `json:"type"`
			Size       float64 `json:"size"`
			FilledSize float64 `json:"fillVolume"`
			LimitPrice float64 `json:"limitPrice"`
			Status     int     `json:"status"` // 1 open, 2 filled, 3 cancelled, 4 expired, 5 rejected, 6 pending
			CreatedAt  string  `json:"creationTimestamp"`
		} `json:"orders"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/api/Order/searchOpen", payload, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, common.Rejection(c.cfg.Name, "get_orders", resp.ErrorMessage)
	}
	var out []common.Order
	for _, o := range resp.Orders {
		side := common.SideBuy
		if o.Side == sideAsk {
			side = common.SideSell
		}
		typ := common.OrderTypeMarket
		switch o.Type {
		case typeLimit:
			typ = common.OrderTypeLimit
		case typeStop:
			typ = common.OrderTypeStop
		}
		created := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
			created = t
		}
		out = append(out, common.Order{
			Broker:    c.cfg.Name,
			OrderID:   strconv.FormatInt(o.ID, 10),
			AccountID: strconv.FormatInt(o.AccountID, 10),
			Symbol:    o.ContractID,
			Side:      side,
			Type:      typ,
			Qty:       o.Size,
			FilledQty: o.FilledSize,
			Price:     o.LimitPrice,
			Status:    mapStatusCode(o.Status),
			CreatedAt: created,
		})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "place_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	side := sideBid
	if req.Side == common.SideSell {
		side = sideAsk
	}
	orderType := typeMarket
	if req.Type == common.OrderTypeLimit || (req.Type == "" && req.Price > 0) {
		orderType = typeLimit
	} else if req.Type == common.OrderTypeStop {
		orderType = typeStop
	}
	payload := map[string]any{
		"accountId":  mustInt(req.AccountID),
		"contractId": req.Symbol,
		"side":       side,
		"type":       orderType,
		"size":       req.Qty,
	}
	if orderType == typeLimit {
		payload["limitPrice"] = req.Price
	}
	if orderType == typeStop {
		payload["stopPrice"] = req.Price
	}
	if req.ClientID != "" {
		payload["customTag"] = req.ClientID
	}
	var resp struct {
		OrderID      int64  `json:"orderId"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := c.post(ctx, "/api/Order/place", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if !resp.Success {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "order not accepted"
		}
		rej := common.Rejection(c.cfg.Name, "place_order", msg)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := common.StatusFilled
	if orderType != typeMarket {
		status = common.StatusOpen
	}
	return common.OKResult(c.cfg.Name, strconv.FormatInt(resp.OrderID, 10), status), nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "modify_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{
		"accountId": mustInt(accountID),
		"orderId":   mustInt(orderID),
	}
	if price > 0 {
		payload["limitPrice"] = price
	}
	if stopLoss > 0 {
		payload["stopPrice"] = stopLoss
	}
	if err := c.simpleCall(ctx, "/api/Order/modify", "modify_order", payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusOpen), nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "cancel_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{
		"accountId": mustInt(accountID),
		"orderId":   mustInt(orderID),
	}
	if err := c.simpleCall(ctx, "/api/Order/cancel", "cancel_order", payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusCancelled), nil
}

func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "close_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	pos, err := c.findPosition(ctx, accountID, positionID)
	if err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	path := "/api/Position/closeContract"
	payload := map[string]any{
		"accountId":  mustInt(pos.AccountID),
		"contractId": pos.Symbol,
	}
	if quantity > 0 && quantity < pos.Size {
		path = "/api/Position/partialCloseContract"
		payload["size"] = quantity
	}
	if err := c.simpleCall(ctx, path, "close_position", payload); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	return common.OKResult(c.cfg.Name, positionID, common.StatusFilled), nil
}

func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	err := common.NotSupported(c.cfg.Name, "modify_position")
	return common.FailResult(c.cfg.Name, err), err
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if !c.Connected() {
		return common.Quote{}, common.NotConnected(c.cfg.Name, "get_quote")
	}
	var resp struct {
		Bid          float64 `json:"bestBid"`
		Ask          float64 `json:"bestAsk"`
		Success      bool    `json:"success"`
		ErrorMessage string  `json:"errorMessage"`
	}
	if err := c.post(ctx, "/api/Quote/last", map[string]any{"contractId": symbol}, &resp, true); err != nil {
		return common.Quote{}, err
	}
	if !resp.Success {
		return common.Quote{}, common.Rejection(c.cfg.Name, "get_quote", resp.ErrorMessage)
	}
	return common.Quote{
		Broker: c.cfg.Name,
		Symbol: symbol,
		Bid:    resp.Bid,
		Ask:    resp.Ask,
		At:     time.Now().UTC(),
	}, nil
}

func (c *Client) findPosition(ctx context.Context, accountID, positionID string) (common.Position, error) {
	positions, err := c.GetPositions(ctx, accountID)
	if err != nil {
		return common.Position{}, err
	}
	for _, p := range positions {
		if p.PositionID == positionID {
			return p, nil
		}
	}
	return common.Position{}, common.Rejection(c.cfg.Name, "close_position", fmt.Sprintf("position %s not found", positionID))
}

// simpleCall issues a request whose response carries only success/error.
func (c *Client) simpleCall(ctx context.Context, path, op string, payload any) error {
	var resp struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := c.post(ctx, path, payload, &resp, true); err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "request refused"
		}
		return common.Rejection(c.cfg.Name, op, msg)
	}
	return nil
}

func mapStatusCode(code int) common.OrderStatus {
	switch code {
	case 1:
		return common.StatusOpen
	case 2:
		return common.StatusFilled
	case 3:
		return common.StatusCancelled
	case 4:
		return common.StatusExpired
	case 5:
		return common.StatusRejected
	case 6:
		return common.StatusPending
	default:
		return common.StatusUnknown
	}
}

func mustInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
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
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Connectivity(c.cfg.Name, path, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if res.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.token = ""
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
