package risk

// Config defines the limits the gate enforces. Zero-valued limits are
// treated as disabled.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Position / order limits
	MaxPositionSize float64 `json:"max_position_size" yaml:"max_position_size"`
	MinQuantity     float64 `json:"min_quantity" yaml:"min_quantity"`
	MaxQuantity     float64 `json:"max_quantity" yaml:"max_quantity"`

	// Daily limits
	MaxDailyLoss   float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDailyTrades int     `json:"max_daily_trades" yaml:"max_daily_trades"`

	// Feature toggles
	CheckSymbolTradable bool `json:"check_symbol_tradable" yaml:"check_symbol_tradable"`
}

// DefaultConfig returns the limits used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxPositionSize:     100.0,
		MinQuantity:         0.01,
		MaxQuantity:         50.0,
		MaxDailyLoss:        0,
		MaxDailyTrades:      0,
		CheckSymbolTradable: true,
	}
}

// Input is the slice of a signal the gate evaluates.
type Input struct {
	SignalID  string
	Broker    string
	AccountID string
	Symbol    string
	Action    string
	Quantity  float64
	Price     float64
}

// Decision is the result of one gate evaluation. Check names the rule that
// produced a denial.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Check   string `json:"check,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func deny(check, reason string) Decision {
	return Decision{Allowed: false, Check: check, Reason: reason}
}

// Metrics tracks gate activity.
type Metrics struct {
	ChecksTotal     uint64  `json:"checks_total"`
	RejectionsTotal uint64  `json:"rejections_total"`
	DailyTrades     int     `json:"daily_trades"`
	DailyPnL        float64 `json:"daily_pnl"`
	DailyLosses     float64 `json:"daily_losses"`
}
