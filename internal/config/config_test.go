package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bulk-distance/internal/models"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pricing.FreeRows != 10 {
		t.Errorf("Pricing.FreeRows = %d, want 10", cfg.Pricing.FreeRows)
	}
	if cfg.Calculation.Concurrency != 1 {
		t.Errorf("Calculation.Concurrency = %d, want 1", cfg.Calculation.Concurrency)
	}
	if cfg.Geoapify.Timeout != "10s" {
		t.Errorf("Geoapify.Timeout = %q, want 10s", cfg.Geoapify.Timeout)
	}
	if cfg.Geoapify.MaxRetries != 0 {
		t.Errorf("Geoapify.MaxRetries = %d, want 0", cfg.Geoapify.MaxRetries)
	}
	if got := cfg.PricingRules().Price(2).StringFixed(2); got != "0.20" {
		t.Errorf("price of 2 rows = %s, want 0.20", got)
	}
	if opts := cfg.GeoOptions(); opts.Timeout != 10*time.Second {
		t.Errorf("GeoOptions().Timeout = %v", opts.Timeout)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 9000

[pricing]
per_row = "0.25"
currency = "USD"

[calculation]
concurrency = 4
reference_vehicle = "van"

[calculation.emissions]
car = 0.2
van = 0.3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "9191")
	t.Setenv("GEOAPIFY_API_KEY", "env-key")
	t.Setenv("CURRENCY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want env override 9191", cfg.Server.Port)
	}
	if cfg.Geoapify.APIKey != "env-key" {
		t.Errorf("Geoapify.APIKey = %q", cfg.Geoapify.APIKey)
	}
	if cfg.Pricing.Currency != "USD" {
		t.Errorf("Pricing.Currency = %q, want USD", cfg.Pricing.Currency)
	}
	if cfg.Calculation.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Calculation.Concurrency)
	}

	table, err := cfg.EmissionsTable()
	if err != nil {
		t.Fatal(err)
	}
	if table.Reference != models.VehicleVan || table.Factors[models.VehicleCar] != 0.2 {
		t.Errorf("emissions table = %+v", table)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative price", func(c *Config) { c.Pricing.PerRow = "-0.10" }},
		{"bad price", func(c *Config) { c.Pricing.PerRow = "ten cents" }},
		{"concurrency zero", func(c *Config) { c.Calculation.Concurrency = 0 }},
		{"concurrency too high", func(c *Config) { c.Calculation.Concurrency = 9 }},
		{"unknown reference", func(c *Config) { c.Calculation.ReferenceVehicle = "bicycle" }},
		{"unknown vehicle", func(c *Config) { c.Calculation.Emissions["hovercraft"] = 1 }},
		{"bad timeout", func(c *Config) { c.Geoapify.Timeout = "soon" }},
		{"bad mode", func(c *Config) { c.Payment.Mode = "test" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestLoadLogSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[log]\nlevel = \"debug\"\nformat = \"console\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, env, level string
		wantLevel        string
		wantFormat       string
	}{
		{"file", "", "", "debug", LogFormatConsole},
		{"level from env", "", "warning", "warning", LogFormatConsole},
		{"production", "production", "", "debug", LogFormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("LOGLEVEL", tt.level)
			t.Setenv("LOG_FORMAT", "")

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.Log.Level != tt.wantLevel || cfg.Log.Format != tt.wantFormat {
				t.Errorf("Log = %+v, want level %q format %q", cfg.Log, tt.wantLevel, tt.wantFormat)
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	if err := SetupLogging(LogConfig{Level: "warning", Format: LogFormatJSON}, &buf); err != nil {
		t.Fatalf("SetupLogging() error: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("session", "s1").Msg("shown")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON line: %q", buf.String())
	}
	if entry["message"] != "shown" || entry["level"] != "warn" || entry["session"] != "s1" {
		t.Errorf("entry = %v", entry)
	}

	if err := SetupLogging(LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("unknown level accepted")
	}
	if err := SetupLogging(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
