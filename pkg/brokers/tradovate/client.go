// Package tradovate implements the Tradovate REST adapter. Orders are
// placed against contract ids, so symbols are resolved through
// /contract/find and memoized for the life of the session.
package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"signal-gateway/pkg/brokers/common"
)

// Config holds Tradovate API credentials.
type Config struct {
	Name       string
	BaseURL    string
	WSURL      string
	Username   string
	Password   string
	AppID      string
	AppVersion string
	ClientID   string
	Secret     string
	Timeout    time.Duration
}

// Client is a Tradovate session.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *common.Pacer

	mu          sync.RWMutex
	accessToken string
	tokenExpiry time.Time
	contracts   map[string]int64 // symbol -> contract id

	stream *stream
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "tradovate"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "1.0"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pacer:      common.NewPacer(5, 5),
		contracts:  make(map[string]int64),
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

// Authenticate requests a fresh access token; the contract cache survives
// re-auth since contract ids are stable.
func (c *Client) Authenticate(ctx context.Context) error {
	var resp struct {
		AccessToken    string `json:"accessToken"`
		ExpirationTime string `json:"expirationTime"`
		ErrorText      string `json:"errorText"`
	}
	err := c.post(ctx, "/auth/accesstokenrequest", map[string]string{
		"name":       c.cfg.Username,
		"password":   c.cfg.Password,
		"appId":      c.cfg.AppID,
		"appVersion": c.cfg.AppVersion,
		"cid":        c.cfg.ClientID,
		"sec":        c.cfg.Secret,
	}, &resp, false)
	if err != nil {
		return err
	}
	if resp.ErrorText != "" {
		return common.Rejection(c.cfg.Name, "authenticate", resp.ErrorText)
	}
	if resp.AccessToken == "" {
		return common.Rejection(c.cfg.Name, "authenticate", "empty access token")
	}
	expiry := time.Now().Add(80 * time.Minute)
	if t, perr := time.Parse(time.RFC3339, resp.ExpirationTime); perr == nil {
		expiry = t
	}
	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return nil
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
	var accounts []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Currency string `json:"currencyId"`
	}
	if err := c.get(ctx, "/account/list", nil, &accounts); err != nil {
		return common.Account{}, err
	}
	for _, a := range accounts {
		id := strconv.FormatInt(a.ID, 10)
		if accountID != "" && id != accountID && a.Name != accountID {
			continue
		}
		var snap struct {
			Balance      float64 `json:"totalCashValue"`
			NetLiq       float64 `json:"netLiq"`
			InitialMargin float64 `json:"initialMargin"`
		}
		q := url.Values{}
		q.Set("accountId", id)
		if err := c.get(ctx, "/cashBalance/getcashbalancesnapshot", q, &snap); err != nil {
			return common.Account{}, err
		}
		return common.Account{
			Broker:     c.cfg.Name,
			AccountID:  id,
			Currency:   "USD",
			Balance:    snap.Balance,
			Equity:     snap.NetLiq,
			Margin:     snap.InitialMargin,
			FreeMargin: snap.NetLiq - snap.InitialMargin,
			FetchedAt:  time.Now().UTC(),
		}, nil
	}
	return common.Account{}, common.Rejection(c.cfg.Name, "get_account_info", fmt.Sprintf("account %s not found", accountID))
}

// GetPositions lists net positions. Tradovate keeps flat rows (netPos 0)
// in the list after a close; they are filtered here.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]common.Position, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_positions")
	}
	var rows []struct {
		ID         int64   `json:"id"`
		AccountID  int64   `json:"accountId"`
		ContractID int64   `json:"contractId"`
		NetPos     float64 `json:"netPos"`
		NetPrice   float64 `json:"netPrice"`
		OpenPnL    float64 `json:"openPnl"`
		Timestamp  string  `json:"timestamp"`
	}
	if err := c.get(ctx, "/position/list", nil, &rows); err != nil {
		return nil, err
	}
	var out []common.Position
	for _, r := range rows {
		if r.NetPos == 0 {
			continue
		}
		acc := strconv.FormatInt(r.AccountID, 10)
		if accountID != "" && acc != accountID {
			continue
		}
		side := common.SideBuy
		if r.NetPos < 0 {
			side = common.SideSell
		}
		opened := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
			opened = t
		}
		out = append(out, common.Position{
			Broker:        c.cfg.Name,
			PositionID:    strconv.FormatInt(r.ID, 10),
			AccountID:     acc,
			Symbol:        c.symbolFor(r.ContractID),
			Side:          side,
			Size:          math.Abs(r.NetPos),
			EntryPrice:    r.NetPrice,
			UnrealizedPnL: r.OpenPnL,
			OpenedAt:      opened,
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]common.Order, error) {
	if !c.Connected() {
		return nil, common.NotConnected(c.cfg.Name, "get_orders")
	}
	var rows []struct {
		ID         int64  `json:"id"`
		AccountID  int64  `json:"accountId"`
		ContractID int64  `json:"contractId"`
		Action     string `json:"action"` // Buy / Sell
		OrdStatus  string `json:"ordStatus"`
		Timestamp  string `json:"timestamp"`
	}
	if err := c.get(ctx, "/order/list", nil, &rows); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, r := range rows {
		acc := strconv.FormatInt(r.AccountID, 10)
		if accountID != "" && acc != accountID {
			continue
		}
		side := common.SideBuy
		if r.Action == "Sell" {
			side = common.SideSell
		}
		created := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
			created = t
		}
		out = append(out, common.Order{
			Broker:    c.cfg.Name,
			OrderID:   strconv.FormatInt(r.ID, 10),
			AccountID: acc,
			Symbol:    c.symbolFor(r.ContractID),
			Side:      side,
			Status:    mapOrdStatus(r.OrdStatus),
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
	contractID, err := c.resolveContract(ctx, req.Symbol)
	if err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	action := "Buy"
	if req.Side == common.SideSell {
		action = "Sell"
	}
	orderType := "Market"
	if req.Type == common.OrderTypeLimit || (req.Type == "" && req.Price > 0) {
		orderType = "Limit"
	} else if req.Type == common.OrderTypeStop {
		orderType = "Stop"
	}
	payload := map[string]any{
		"accountId":   mustInt(req.AccountID),
		"contractId":  contractID,
		"action":      action,
		"orderQty":    req.Qty,
		"orderType":   orderType,
		"isAutomated": true,
	}
	if orderType == "Limit" {
		payload["price"] = req.Price
	}
	if orderType == "Stop" {
		payload["stopPrice"] = req.Price
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		FailureReason string `json:"failureReason"`
		FailureText   string `json:"failureText"`
	}
	if err := c.post(ctx, "/order/placeorder", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.FailureReason != "" || resp.OrderID == 0 {
		msg := resp.FailureText
		if msg == "" {
			msg = resp.FailureReason
		}
		if msg == "" {
			msg = "order not accepted"
		}
		rej := common.Rejection(c.cfg.Name, "place_order", msg)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	status := common.StatusFilled
	if orderType != "Market" {
		status = common.StatusOpen
	}
	return common.OKResult(c.cfg.Name, strconv.FormatInt(resp.OrderID, 10), status), nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, price, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "modify_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	payload := map[string]any{"orderId": mustInt(orderID)}
	if price > 0 {
		payload["price"] = price
	}
	var resp struct {
		FailureText string `json:"failureText"`
	}
	if err := c.post(ctx, "/order/modifyorder", payload, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.FailureText != "" {
		rej := common.Rejection(c.cfg.Name, "modify_order", resp.FailureText)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusOpen), nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "cancel_order")
		return common.FailResult(c.cfg.Name, err), err
	}
	var resp struct {
		FailureText string `json:"failureText"`
	}
	if err := c.post(ctx, "/order/cancelorder", map[string]any{"orderId": mustInt(orderID)}, &resp, true); err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if resp.FailureText != "" {
		rej := common.Rejection(c.cfg.Name, "cancel_order", resp.FailureText)
		return common.FailResult(c.cfg.Name, rej), rej
	}
	return common.OKResult(c.cfg.Name, orderID, common.StatusCancelled), nil
}

// ClosePosition liquidates fully when quantity is 0, otherwise sends an
// opposing market order for the requested quantity.
func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) (common.ExecutionResult, error) {
	if !c.Connected() {
		err := common.NotConnected(c.cfg.Name, "close_position")
		return common.FailResult(c.cfg.Name, err), err
	}
	pos, err := c.findPosition(ctx, accountID, positionID)
	if err != nil {
		return common.FailResult(c.cfg.Name, err), err
	}
	if quantity <= 0 || quantity >= pos.Size {
		var resp struct {
			FailureText string `json:"failureText"`
		}
		payload := map[string]any{"accountId": mustInt(pos.AccountID), "contractId": c.contractFor(pos.Symbol)}
		if err := c.post(ctx, "/order/liquidateposition", payload, &resp, true); err != nil {
			return common.FailResult(c.cfg.Name, err), err
		}
		if resp.FailureText != "" {
			rej := common.Rejection(c.cfg.Name, "close_position", resp.FailureText)
			return common.FailResult(c.cfg.Name, rej), rej
		}
		return common.OKResult(c.cfg.Name, positionID, common.StatusFilled), nil
	}
	// Partial close: opposing market order, remainder stays open.
	res, perr := c.PlaceOrder(ctx, common.OrderRequest{
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Side:      pos.Side.Opposite(),
		Type:      common.OrderTypeMarket,
		Qty:       quantity,
	})
	if perr != nil {
		return res, perr
	}
	res.OrderID = positionID
	return res, nil
}

// ModifyPosition is not a native Tradovate operation; stops ride on
// bracket orders instead.
func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) (common.ExecutionResult, error) {
	err := common.NotSupported(c.cfg.Name, "modify_position")
	return common.FailResult(c.cfg.Name, err), err
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if !c.Connected() {
		return common.Quote{}, common.NotConnected(c.cfg.Name, "get_quote")
	}
	contractID, err := c.resolveContract(ctx, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	q := url.Values{}
	q.Set("contractId", strconv.FormatInt(contractID, 10))
	var resp struct {
		Bid float64 `json:"bidPrice"`
		Ask float64 `json:"askPrice"`
	}
	if err := c.get(ctx, "/md/getquote", q, &resp); err != nil {
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

// resolveContract looks up and memoizes the contract id for a symbol.
func (c *Client) resolveContract(ctx context.Context, symbol string) (int64, error) {
	c.mu.RLock()
	id, ok := c.contracts[symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	q := url.Values{}
	q.Set("name", symbol)
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.get(ctx, "/contract/find", q, &resp); err != nil {
		return 0, err
	}
	if resp.ID == 0 {
		return 0, common.Rejection(c.cfg.Name, "place_order", fmt.Sprintf("unknown contract %q", symbol))
	}
	c.mu.Lock()
	c.contracts[symbol] = resp.ID
	c.mu.Unlock()
	return resp.ID, nil
}

func (c *Client) contractFor(symbol string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contracts[symbol]
}

func (c *Client) symbolFor(contractID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sym, id := range c.contracts {
		if id == contractID {
			return sym
		}
	}
	return strconv.FormatInt(contractID, 10)
}

func mapOrdStatus(s string) common.OrderStatus {
	switch s {
	case "Pending", "PendingNew":
		return common.StatusPending
	case "Working", "Suspended":
		return common.StatusOpen
	case "Filled":
		return common.StatusFilled
	case "PartiallyFilled":
		return common.StatusPartial
	case "Canceled":
		return common.StatusCancelled
	case "Rejected":
		return common.StatusRejected
	case "Expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func mustInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
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
	return c.do(req, path, out, true)
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
	return c.do(req, path, out, auth)
}

func (c *Client) do(req *http.Request, op string, out any, auth bool) error {
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
