package signal

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RouteDefaults supplies per-webhook-key values for fields a payload may
// omit. Resolution is always explicit: a payload that names no broker and
// has no configured default is rejected, never silently routed.
type RouteDefaults struct {
	Broker    string  `yaml:"broker"`
	AccountID string  `yaml:"account_id"`
	Quantity  float64 `yaml:"quantity"`
}

// Normalizer converts inbound payloads into canonical Requests.
type Normalizer struct {
	routes map[string]RouteDefaults // webhook key -> defaults
	log    *zap.SugaredLogger
}

func NewNormalizer(routes map[string]RouteDefaults, log *zap.SugaredLogger) *Normalizer {
	if routes == nil {
		routes = map[string]RouteDefaults{}
	}
	return &Normalizer{routes: routes, log: log}
}

// chartAlert is the chart-platform webhook shape.
type chartAlert struct {
	Ticker     string  `json:"ticker"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Broker     string  `json:"broker"`
	AccountID  string  `json:"account_id"`
	Comment    string  `json:"comment"`
}

// genericHook is the generic strategy webhook shape.
type genericHook struct {
	Symbol    string  `json:"symbol"`
	Signal    string  `json:"signal"`
	Size      float64 `json:"size"`
	Entry     float64 `json:"entry"`
	Stop      float64 `json:"stop"`
	Target    float64 `json:"target"`
	Broker    string  `json:"broker"`
	AccountID string  `json:"account"`
	Strategy  string  `json:"strategy"`
}

// apiRequest is the canonical shape accepted from manual/API callers.
type apiRequest struct {
	Broker      string  `json:"broker"`
	AccountID   string  `json:"account_id"`
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	MagicNumber int     `json:"magic_number"`
	Comment     string  `json:"comment"`
	Strategy    string  `json:"strategy"`
}

// Normalize builds a canonical Request from a payload. key selects the
// configured routing defaults for webhook sources; API callers pass an
// empty key and must name the broker themselves unless a default route
// named "" exists.
func (n *Normalizer) Normalize(source Source, key string, payload []byte) (Request, error) {
	var req Request
	var err error
	switch source {
	case SourceChartAlert:
		req, err = n.fromChartAlert(payload)
	case SourceWebhook:
		req, err = n.fromGenericHook(payload)
	case SourceAPI:
		req, err = n.fromAPI(payload)
	default:
		return Request{}, parseErr("source", "unknown source type "+string(source))
	}
	if err != nil {
		return Request{}, err
	}

	defaults := n.routes[key]
	if req.Broker == "" {
		req.Broker = defaults.Broker
	}
	if req.AccountID == "" {
		req.AccountID = defaults.AccountID
	}
	if req.Quantity == 0 && (req.Action == ActionBuy || req.Action == ActionSell) {
		req.Quantity = defaults.Quantity
	}

	if req.Broker == "" {
		return Request{}, parseErr("broker", "payload names no broker and no default is configured for this key")
	}
	if req.Quantity <= 0 && (req.Action == ActionBuy || req.Action == ActionSell) {
		return Request{}, parseErr("quantity", "missing or non-positive")
	}

	req.SignalID = NewID()
	req.Source = source
	req.ReceivedAt = time.Now().UTC()
	req.Raw = json.RawMessage(payload)
	return req, nil
}

func (n *Normalizer) fromChartAlert(payload []byte) (Request, error) {
	var in chartAlert
	if err := json.Unmarshal(payload, &in); err != nil {
		return Request{}, parseErr("payload", "invalid json: "+err.Error())
	}
	if in.Ticker == "" {
		return Request{}, parseErr("ticker", "required")
	}
	if in.Action == "" {
		return Request{}, parseErr("action", "required")
	}
	action, err := ParseAction(in.Action)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Broker:     in.Broker,
		AccountID:  in.AccountID,
		Symbol:     strings.ToUpper(in.Ticker),
		Action:     action,
		Quantity:   in.Quantity,
		Price:      in.Price,
		StopLoss:   in.StopLoss,
		TakeProfit: in.TakeProfit,
		Comment:    in.Comment,
	}, nil
}

func (n *Normalizer) fromGenericHook(payload []byte) (Request, error) {
	var in genericHook
	if err := json.Unmarshal(payload, &in); err != nil {
		return Request{}, parseErr("payload", "invalid json: "+err.Error())
	}
	if in.Symbol == "" {
		return Request{}, parseErr("symbol", "required")
	}
	if in.Signal == "" {
		return Request{}, parseErr("signal", "required")
	}
	action, err := ParseAction(in.Signal)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Broker:     in.Broker,
		AccountID:  in.AccountID,
		Symbol:     strings.ToUpper(in.Symbol),
		Action:     action,
		Quantity:   in.Size,
		Price:      in.Entry,
		StopLoss:   in.Stop,
		TakeProfit: in.Target,
		Strategy:   in.Strategy,
	}, nil
}

func (n *Normalizer) fromAPI(payload []byte) (Request, error) {
	var in apiRequest
	if err := json.Unmarshal(payload, &in); err != nil {
		return Request{}, parseErr("payload", "invalid json: "+err.Error())
	}
	if in.Symbol == "" {
		return Request{}, parseErr("symbol", "required")
	}
	if in.Action == "" {
		return Request{}, parseErr("action", "required")
	}
	action, err := ParseAction(in.Action)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Broker:      in.Broker,
		AccountID:   in.AccountID,
		Symbol:      strings.ToUpper(in.Symbol),
		Action:      action,
		Quantity:    in.Quantity,
		Price:       in.Price,
		StopLoss:    in.StopLoss,
		TakeProfit:  in.TakeProfit,
		MagicNumber: in.MagicNumber,
		Comment:     in.Comment,
		Strategy:    in.Strategy,
	}, nil
}
