// Package ops loads and validates the runtime configuration: engine
// settings from a JSON file, credentials from the environment.
package ops

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/errors"
	"main/internal/model/enum"
	"main/internal/precision"
	"main/internal/risk"
	"main/internal/stops"
)

var (
	ErrNoSymbols     = errors.New("ops: config declares no symbols")
	ErrBadSymbol     = errors.New("ops: invalid symbol config")
	ErrNoCredentials = errors.New("ops: missing api credentials")
	ErrBadStopPolicy = errors.New("ops: unknown stop policy")
)

const (
	mainnetRESTURL   = "https://api.bybit.com"
	testnetRESTURL   = "https://api-testnet.bybit.com"
	mainnetPublicWS  = "wss://stream.bybit.com/v5/public/linear"
	testnetPublicWS  = "wss://stream-testnet.bybit.com/v5/public/linear"
	mainnetPrivateWS = "wss://stream.bybit.com/v5/private"
	testnetPrivateWS = "wss://stream-testnet.bybit.com/v5/private"
)

// Credentials come from the environment, never from the config file.
type Credentials struct {
	APIKey    string `env:"BYBIT_API_KEY"`
	APISecret string `env:"BYBIT_API_SECRET"`
}

// FileConfig mirrors the JSON config layout. Prices and quantities are
// strings to keep them exact.
type FileConfig struct {
	Testnet bool `json:"testnet"`
	// Paper routes orders to the in-process simulator instead of the
	// venue.
	Paper   bool           `json:"paper"`
	Symbols []SymbolConfig `json:"symbols"`

	Risk      RiskConfig      `json:"risk"`
	Stops     StopsConfig     `json:"stops"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Ledger    LedgerConfig    `json:"ledger"`
	Profiling ProfilingConfig `json:"profiling"`
}

// SymbolConfig declares one tradable symbol and its quantization rules.
type SymbolConfig struct {
	Name        string `json:"name"`
	TickSize    string `json:"tickSize"`
	QtyStep     string `json:"qtyStep"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

// RiskConfig is the pre-trade gate section.
type RiskConfig struct {
	MaxRiskFraction  string `json:"maxRiskFraction"`
	MaxNotional      string `json:"maxNotional"`
	MaxOpenPositions int    `json:"maxOpenPositions"`
	RequireStop      bool   `json:"requireStop"`
}

// StopsConfig is the trailing stop section.
type StopsConfig struct {
	Policy             string `json:"policy"` // "percent" or "volatility"
	Percent            string `json:"percent"`
	VolatilityMult     string `json:"volatilityMult"`
	MinIntervalSeconds int    `json:"minIntervalSeconds"`
}

// ExchangeConfig tunes the REST client.
type ExchangeConfig struct {
	RecvWindowMillis  int     `json:"recvWindowMillis"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	BookDepth         int     `json:"bookDepth"`
}

// ReconcileConfig spaces the periodic polls.
type ReconcileConfig struct {
	OrderIntervalSeconds    int `json:"orderIntervalSeconds"`
	PositionIntervalSeconds int `json:"positionIntervalSeconds"`
}

// LedgerConfig selects the trade store. An empty DSN keeps trades in
// memory.
type LedgerConfig struct {
	PostgresDSN string `json:"postgresDsn"`
}

// ProfilingConfig enables continuous profiling when a server address
// is set.
type ProfilingConfig struct {
	PyroscopeURL string `json:"pyroscopeUrl"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Credentials Credentials
	Testnet     bool
	Paper       bool

	Symbols   []string
	Rules     map[string]precision.Rules
	Risk      risk.Config
	Stops     stops.Config
	RESTURL   string
	PublicWS  string
	PrivateWS string

	RecvWindowMillis  int
	RequestsPerSecond float64
	BookDepth         int

	OrderPollInterval    time.Duration
	PositionPollInterval time.Duration

	PostgresDSN  string
	PyroscopeURL string
}

// Load reads the JSON config, pulls credentials from the environment
// and resolves everything into a Loaded. A .env file beside the
// process is honored when present.
func Load(path string) (Loaded, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logs.Warnf("load .env failed, err: %+v", err)
	}

	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return Loaded{}, errors.Wrap(err, "parse credential env")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config file")
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config file")
	}

	return resolve(cfg, creds)
}

func resolve(cfg FileConfig, creds Credentials) (Loaded, error) {
	if len(cfg.Symbols) == 0 {
		return Loaded{}, ErrNoSymbols
	}
	if !cfg.Paper && (creds.APIKey == "" || creds.APISecret == "") {
		return Loaded{}, ErrNoCredentials
	}

	loaded := Loaded{
		Credentials:       creds,
		Testnet:           cfg.Testnet,
		Paper:             cfg.Paper,
		Rules:             make(map[string]precision.Rules, len(cfg.Symbols)),
		RESTURL:           mainnetRESTURL,
		PublicWS:          mainnetPublicWS,
		PrivateWS:         mainnetPrivateWS,
		RecvWindowMillis:  cfg.Exchange.RecvWindowMillis,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		BookDepth:         cfg.Exchange.BookDepth,
		PostgresDSN:       cfg.Ledger.PostgresDSN,
		PyroscopeURL:      cfg.Profiling.PyroscopeURL,
	}
	if cfg.Testnet {
		loaded.RESTURL = testnetRESTURL
		loaded.PublicWS = testnetPublicWS
		loaded.PrivateWS = testnetPrivateWS
	}

	for _, sym := range cfg.Symbols {
		rules, err := parseRules(sym)
		if err != nil {
			return Loaded{}, err
		}
		loaded.Symbols = append(loaded.Symbols, sym.Name)
		loaded.Rules[sym.Name] = rules
	}

	riskCfg, err := parseRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Risk = riskCfg

	stopsCfg, err := parseStops(cfg.Stops)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Stops = stopsCfg

	loaded.OrderPollInterval = secondsOr(cfg.Reconcile.OrderIntervalSeconds, 5*time.Second)
	loaded.PositionPollInterval = secondsOr(cfg.Reconcile.PositionIntervalSeconds, 10*time.Second)
	return loaded, nil
}

func parseRules(sym SymbolConfig) (precision.Rules, error) {
	if sym.Name == "" {
		return precision.Rules{}, errors.Wrap(ErrBadSymbol, "empty name")
	}
	tick, err := decimal.NewFromString(sym.TickSize)
	if err != nil {
		return precision.Rules{}, errors.Wrapf(ErrBadSymbol, "%s tickSize: %v", sym.Name, err)
	}
	step, err := decimal.NewFromString(sym.QtyStep)
	if err != nil {
		return precision.Rules{}, errors.Wrapf(ErrBadSymbol, "%s qtyStep: %v", sym.Name, err)
	}
	rules := precision.Rules{TickSize: tick, QtyStep: step}
	if sym.MinQty != "" {
		if rules.MinQty, err = decimal.NewFromString(sym.MinQty); err != nil {
			return precision.Rules{}, errors.Wrapf(ErrBadSymbol, "%s minQty: %v", sym.Name, err)
		}
	}
	if sym.MinNotional != "" {
		if rules.MinNotional, err = decimal.NewFromString(sym.MinNotional); err != nil {
			return precision.Rules{}, errors.Wrapf(ErrBadSymbol, "%s minNotional: %v", sym.Name, err)
		}
	}
	return rules, nil
}

func parseRisk(cfg RiskConfig) (risk.Config, error) {
	out := risk.Config{
		MaxOpenPositions: cfg.MaxOpenPositions,
		RequireStop:      cfg.RequireStop,
	}
	var err error
	if cfg.MaxRiskFraction != "" {
		if out.MaxRiskFraction, err = decimal.NewFromString(cfg.MaxRiskFraction); err != nil {
			return risk.Config{}, errors.Wrapf(err, "risk maxRiskFraction")
		}
	}
	if cfg.MaxNotional != "" {
		if out.MaxNotional, err = decimal.NewFromString(cfg.MaxNotional); err != nil {
			return risk.Config{}, errors.Wrapf(err, "risk maxNotional")
		}
	}
	return out, nil
}

func parseStops(cfg StopsConfig) (stops.Config, error) {
	out := stops.Config{
		MinInterval: time.Duration(cfg.MinIntervalSeconds) * time.Second,
	}
	switch cfg.Policy {
	case "", "percent":
		out.Policy = enum.StopPolicyPercent
	case "volatility":
		out.Policy = enum.StopPolicyVolatility
	default:
		return stops.Config{}, errors.Wrapf(ErrBadStopPolicy, "policy: %s", cfg.Policy)
	}

	var err error
	if cfg.Percent != "" {
		if out.Percent, err = decimal.NewFromString(cfg.Percent); err != nil {
			return stops.Config{}, errors.Wrapf(err, "stops percent")
		}
	}
	if cfg.VolatilityMult != "" {
		if out.VolatilityMult, err = decimal.NewFromString(cfg.VolatilityMult); err != nil {
			return stops.Config{}, errors.Wrapf(err, "stops volatilityMult")
		}
	}
	if out.Policy == enum.StopPolicyPercent && !out.Percent.IsPositive() {
		out.Percent = decimal.RequireFromString("0.01")
	}
	return out, nil
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
