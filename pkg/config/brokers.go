package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"signal-gateway/pkg/crypto"
)

// BrokerConfig is one broker entry in the brokers file. The credential
// fields are a union over the adapter types; each adapter reads the ones
// it needs.
type BrokerConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // mt4 | mt5 | tradelocker | tradovate | projectx | truforex
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`

	Login     string `yaml:"login"`
	Password  string `yaml:"password"`
	Server    string `yaml:"server"`
	Username  string `yaml:"username"`
	Email     string `yaml:"email"`
	APIKey    string `yaml:"api_key"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	CID       string `yaml:"cid"`
	AccountID string `yaml:"account_id"`
}

// Route supplies default broker/account/quantity for one webhook key.
type Route struct {
	Broker    string  `yaml:"broker"`
	AccountID string  `yaml:"account_id"`
	Quantity  float64 `yaml:"quantity"`
}

// RiskLimits is the risk section of the brokers file.
type RiskLimits struct {
	Enabled             bool    `yaml:"enabled"`
	MaxPositionSize     float64 `yaml:"max_position_size"`
	MinQuantity         float64 `yaml:"min_quantity"`
	MaxQuantity         float64 `yaml:"max_quantity"`
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
	MaxDailyTrades      int     `yaml:"max_daily_trades"`
	CheckSymbolTradable bool    `yaml:"check_symbol_tradable"`
}

// Brokers is the parsed brokers file: the configured adapter set, the
// per-webhook-key routing defaults, per-broker fallback chains, and risk
// limits.
type Brokers struct {
	Brokers   []BrokerConfig      `yaml:"brokers"`
	Routes    map[string]Route    `yaml:"routes"`
	Fallbacks map[string][]string `yaml:"fallbacks"`
	Risk      *RiskLimits         `yaml:"risk"`
}

// LoadBrokers parses the brokers file.
func LoadBrokers(path string) (*Brokers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read brokers file: %w", err)
	}
	var b Brokers
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse brokers file: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := b.unsealCredentials(); err != nil {
		return nil, err
	}
	return &b, nil
}

// unsealCredentials decrypts credential fields stored in sealed form.
// Plaintext credentials pass through untouched; a sealed value with no
// GATEWAY_MASTER_KEY configured is a startup error, never a silent fallback.
func (b *Brokers) unsealCredentials() error {
	var kr *crypto.Keyring
	for i := range b.Brokers {
		bc := &b.Brokers[i]
		for _, field := range []*string{&bc.Password, &bc.APIKey, &bc.AppSecret} {
			if !crypto.IsSealed(*field) {
				continue
			}
			if kr == nil {
				var err error
				if kr, err = crypto.LoadKeyring(); err != nil {
					return fmt.Errorf("broker %q has sealed credentials: %w", bc.Name, err)
				}
			}
			plain, err := kr.Open(*field)
			if err != nil {
				return fmt.Errorf("broker %q: unseal credential: %w", bc.Name, err)
			}
			*field = plain
		}
	}
	return nil
}

func (b *Brokers) validate() error {
	seen := make(map[string]bool, len(b.Brokers))
	for _, bc := range b.Brokers {
		if bc.Name == "" {
			return fmt.Errorf("broker entry missing name")
		}
		if seen[bc.Name] {
			return fmt.Errorf("duplicate broker name %q", bc.Name)
		}
		seen[bc.Name] = true
		switch bc.Type {
		case "mt4", "mt5", "tradelocker", "tradovate", "projectx", "truforex":
		default:
			return fmt.Errorf("broker %q: unknown type %q", bc.Name, bc.Type)
		}
		if bc.BaseURL == "" {
			return fmt.Errorf("broker %q: base_url is required", bc.Name)
		}
	}
	for key, r := range b.Routes {
		if r.Broker != "" && !seen[r.Broker] {
			return fmt.Errorf("route %q: unknown broker %q", key, r.Broker)
		}
	}
	for name, chain := range b.Fallbacks {
		if !seen[name] {
			return fmt.Errorf("fallbacks: unknown broker %q", name)
		}
		for _, fb := range chain {
			if !seen[fb] {
				return fmt.Errorf("fallbacks for %q: unknown broker %q", name, fb)
			}
		}
	}
	return nil
}
