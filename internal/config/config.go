// Package config loads service settings from a TOML file, .env and the
// process environment, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bulk-distance/internal/calculator"
	"bulk-distance/internal/geo"
	"bulk-distance/internal/models"
	"bulk-distance/internal/quota"
	"bulk-distance/internal/retry"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Geoapify    GeoapifyConfig    `toml:"geoapify"`
	Pricing     PricingConfig     `toml:"pricing"`
	Payment     PaymentConfig     `toml:"payment"`
	Calculation CalculationConfig `toml:"calculation"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Sheets      SheetsConfig      `toml:"sheets"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Port          int    `toml:"port"`
	SessionSecret string `toml:"session_secret"`
	PublicURL     string `toml:"public_url"`
	SessionIdle   string `toml:"session_idle"`
}

type GeoapifyConfig struct {
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Timeout    string `toml:"timeout"`
	CacheTTL   string `toml:"cache_ttl"`
	MaxRetries int    `toml:"max_retries"`
	RetryDelay string `toml:"retry_delay"`
}

type PricingConfig struct {
	FreeRows int    `toml:"free_rows"`
	PerRow   string `toml:"per_row"`
	Currency string `toml:"currency"`
}

type PaymentConfig struct {
	ClientID  string `toml:"client_id"`
	Secret    string `toml:"secret"`
	Mode      string `toml:"mode"`
	Recipient string `toml:"recipient"`
}

// Enabled reports whether PayPal credentials are configured.
func (p PaymentConfig) Enabled() bool {
	return p.ClientID != "" && p.Secret != ""
}

type CalculationConfig struct {
	Concurrency      int                `toml:"concurrency"`
	ReferenceVehicle string             `toml:"reference_vehicle"`
	Emissions        map[string]float64 `toml:"emissions"`
	IncludeDuration  bool               `toml:"include_duration"`
	IncludeAirline   bool               `toml:"include_airline"`
}

type LedgerConfig struct {
	// Path of the sqlite file, or "memory" to keep balances in process.
	Path string `toml:"path"`
}

type SheetsConfig struct {
	APIKey string `toml:"api_key"`
}

func DefaultConfig() Config {
	emissions := make(map[string]float64)
	def := calculator.DefaultEmissions()
	for v, f := range def.Factors {
		emissions[string(v)] = f
	}

	return Config{
		Server: ServerConfig{
			Port:        8080,
			PublicURL:   "http://localhost:8080",
			SessionIdle: "2h",
		},
		Geoapify: GeoapifyConfig{
			BaseURL:    geo.DefaultBaseURL,
			Timeout:    "10s",
			CacheTTL:   "1h",
			RetryDelay: "500ms",
		},
		Pricing: PricingConfig{
			FreeRows: quota.DefaultFreeRows,
			PerRow:   "0.10",
			Currency: "EUR",
		},
		Payment: PaymentConfig{
			Mode: "sandbox",
		},
		Calculation: CalculationConfig{
			Concurrency:      1,
			ReferenceVehicle: string(def.Reference),
			Emissions:        emissions,
			IncludeDuration:  true,
			IncludeAirline:   true,
		},
		Ledger: LedgerConfig{
			Path: "data/ledger.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatConsole,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("GEOAPIFY_API_KEY", &c.Geoapify.APIKey)
	setString("GEOAPIFY_BASE_URL", &c.Geoapify.BaseURL)
	setString("PAYPAL_CLIENT_ID", &c.Payment.ClientID)
	setString("PAYPAL_SECRET", &c.Payment.Secret)
	setString("PAYPAL_MODE", &c.Payment.Mode)
	setString("PAYPAL_RECIPIENT", &c.Payment.Recipient)
	setString("CURRENCY", &c.Pricing.Currency)
	setString("SESSION_SECRET", &c.Server.SessionSecret)
	setString("PUBLIC_URL", &c.Server.PublicURL)
	setString("LEDGER_DB", &c.Ledger.Path)
	setString("GOOGLE_API_KEY", &c.Sheets.APIKey)
	if os.Getenv("ENV") == "production" {
		c.Log.Format = LogFormatJSON
	}
	setString("LOG_FORMAT", &c.Log.Format)
	setString("LOGLEVEL", &c.Log.Level)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Pricing.FreeRows < 0 {
		errs = append(errs, fmt.Errorf("pricing.free_rows must not be negative"))
	}
	if p, err := decimal.NewFromString(c.Pricing.PerRow); err != nil {
		errs = append(errs, fmt.Errorf("pricing.per_row: %w", err))
	} else if p.IsNegative() {
		errs = append(errs, fmt.Errorf("pricing.per_row must not be negative"))
	}
	if c.Pricing.Currency == "" {
		errs = append(errs, fmt.Errorf("pricing.currency is required"))
	}
	if c.Calculation.Concurrency < 1 || c.Calculation.Concurrency > calculator.MaxConcurrency {
		errs = append(errs, fmt.Errorf("calculation.concurrency must be between 1 and %d", calculator.MaxConcurrency))
	}
	if c.Geoapify.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("geoapify.max_retries must not be negative"))
	}
	if c.Payment.Mode != "sandbox" && c.Payment.Mode != "live" {
		errs = append(errs, fmt.Errorf("payment.mode must be sandbox or live, got %q", c.Payment.Mode))
	}
	for name, d := range map[string]string{
		"geoapify.timeout":     c.Geoapify.Timeout,
		"geoapify.cache_ttl":   c.Geoapify.CacheTTL,
		"geoapify.retry_delay": c.Geoapify.RetryDelay,
		"server.session_idle":  c.Server.SessionIdle,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := c.Log.ParseLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != LogFormatConsole && c.Log.Format != LogFormatJSON {
		errs = append(errs, fmt.Errorf("log.format must be %s or %s, got %q", LogFormatConsole, LogFormatJSON, c.Log.Format))
	}
	if _, err := c.EmissionsTable(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) PricingRules() quota.Pricing {
	return quota.Pricing{
		FreeRows: c.Pricing.FreeRows,
		PerRow:   decimal.RequireFromString(c.Pricing.PerRow),
		Currency: c.Pricing.Currency,
	}
}

func (c Config) EmissionsTable() (calculator.EmissionsTable, error) {
	ref, err := models.ParseVehicle(c.Calculation.ReferenceVehicle)
	if err != nil {
		return calculator.EmissionsTable{}, fmt.Errorf("calculation.reference_vehicle: %w", err)
	}
	t := calculator.EmissionsTable{
		Factors:   make(map[models.VehicleType]float64, len(c.Calculation.Emissions)),
		Reference: ref,
	}
	for name, f := range c.Calculation.Emissions {
		v, err := models.ParseVehicle(name)
		if err != nil || v == "" {
			return calculator.EmissionsTable{}, fmt.Errorf("calculation.emissions: unknown vehicle %q", name)
		}
		t.Factors[v] = f
	}
	if err := t.Validate(); err != nil {
		return calculator.EmissionsTable{}, err
	}
	return t, nil
}

func (c Config) GeoOptions() geo.Options {
	return geo.Options{
		BaseURL:  c.Geoapify.BaseURL,
		Timeout:  mustDuration(c.Geoapify.Timeout),
		CacheTTL: mustDuration(c.Geoapify.CacheTTL),
		Retry: retry.Config{
			MaxRetries: c.Geoapify.MaxRetries,
			BaseDelay:  mustDuration(c.Geoapify.RetryDelay),
			MaxDelay:   30 * time.Second,
		},
	}
}

func (c Config) SessionIdle() time.Duration {
	return mustDuration(c.Server.SessionIdle)
}

// mustDuration is only called on validated configs.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
