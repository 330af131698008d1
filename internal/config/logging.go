package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ParseLevel accepts zerolog level names plus "warning".
func (l LogConfig) ParseLevel() (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(l.Level))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: unknown level %q", l.Level)
	}
	return level, nil
}

// LoadDotEnv copies .env into the process environment when the file exists.
func LoadDotEnv() bool {
	return godotenv.Load() == nil
}

// SetupLogging points the global logger at w in the configured format and
// sets the global level.
func SetupLogging(c LogConfig, w io.Writer) error {
	level, err := c.ParseLevel()
	if err != nil {
		return err
	}

	switch c.Format {
	case LogFormatJSON:
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case LogFormatConsole, "":
		zerolog.TimeFieldFormat = time.RFC3339
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("log.format must be %s or %s, got %q", LogFormatConsole, LogFormatJSON, c.Format)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
