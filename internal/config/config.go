package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/log"
)

type Config struct {
	// HTTP Server
	Port            string        `env:"PORT" envDefault:"8081"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimit       int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envDefault:"127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Ledger storage
	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"memory"`
	SQLiteDBPath  string `env:"SQLITE_DB_PATH" envDefault:"./data/tally.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`

	// AMQP
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"tally"`
	AMQPQueue    string `env:"AMQP_QUEUE" envDefault:"ledger_events"`

	// Exchange rates. Without RATES_URL the static table is used.
	RatesURL             string            `env:"RATES_URL"`
	RatesTTL             time.Duration     `env:"RATES_TTL" envDefault:"1h"`
	RatesFetchTimeout    time.Duration     `env:"RATES_FETCH_TIMEOUT" envDefault:"5s"`
	RatesRefreshInterval time.Duration     `env:"RATES_REFRESH_INTERVAL" envDefault:"15m"`
	RatesCacheSize       int               `env:"RATES_CACHE_SIZE" envDefault:"256"`
	StaticRates          map[string]string `env:"STATIC_RATES" envSeparator:"," envKeyValSeparator:"="`

	// Currencies
	Currencies      []string `env:"CURRENCIES" envDefault:"CAD,USD,EUR,BBD,BRL" envSeparator:","`
	DefaultCurrency string   `env:"DEFAULT_CURRENCY" envDefault:"CAD"`

	// Google Sheets balance export
	GoogleSpreadsheetID   string `env:"GOOGLE_SPREADSHEET_ID"`
	GoogleSheetName       string `env:"GOOGLE_SHEET_NAME" envDefault:"Balances"`
	GoogleCredentialsFile string `env:"GOOGLE_CREDENTIALS_FILE"`
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`
}

// Load reads the dotenv files that exist, then the environment. Variables
// already set in the environment win over dotenv values.
func Load(dotenvFiles ...string) (*Config, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}
	if c.RateLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimit))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	switch c.LedgerBackend {
	case "memory":
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid ledger backend '%s': must be one of [memory sqlite postgres]", c.LedgerBackend))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.RatesURL != "" {
		if u, err := url.Parse(c.RatesURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid rates URL '%s': must be an absolute http(s) URL", c.RatesURL))
		}
	}
	if c.RatesTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rates TTL %v: must be positive", c.RatesTTL))
	}
	if c.RatesFetchTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rates fetch timeout %v: must be positive", c.RatesFetchTimeout))
	}
	if c.RatesRefreshInterval != 0 && c.RatesRefreshInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid rates refresh interval %v: must be 0 or at least 1 second", c.RatesRefreshInterval))
	}
	if c.RatesCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid rates cache size %d: must be at least 1", c.RatesCacheSize))
	}

	set, err := c.CurrencySet()
	if err != nil {
		errors = append(errors, err.Error())
	} else if def, err := core.ParseCurrency(c.DefaultCurrency); err != nil {
		errors = append(errors, fmt.Sprintf("invalid default currency: %v", err))
	} else if set.Contains(def) != nil {
		errors = append(errors, fmt.Sprintf("default currency %s is not in CURRENCIES", def))
	}
	if _, err := c.StaticRateTable(); err != nil {
		errors = append(errors, err.Error())
	}

	if c.GoogleSpreadsheetID != "" {
		hasFile := c.GoogleCredentialsFile != ""
		if !hasFile && c.GoogleCredentialsJSON == "" {
			errors = append(errors, "either GOOGLE_CREDENTIALS_FILE or GOOGLE_CREDENTIALS_JSON must be provided for the sheets export")
		}
		if hasFile {
			if _, err := os.Stat(c.GoogleCredentialsFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google credentials file does not exist: %s", c.GoogleCredentialsFile))
			}
		}
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return ":" + c.Port }

// CurrencySet returns the configured currencies.
func (c *Config) CurrencySet() (core.CurrencySet, error) {
	return core.NewCurrencySet(c.Currencies)
}

// Default returns the default currency. Call Validate first.
func (c *Config) Default() core.Currency {
	def, err := core.ParseCurrency(c.DefaultCurrency)
	if err != nil {
		return core.CAD
	}
	return def
}

// StaticRateTable parses STATIC_RATES: units of each currency one unit of
// the default currency buys, e.g. "USD=0.73,EUR=0.67".
func (c *Config) StaticRateTable() (map[core.Currency]decimal.Decimal, error) {
	out := make(map[core.Currency]decimal.Decimal, len(c.StaticRates))
	for code, raw := range c.StaticRates {
		cur, err := core.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("invalid static rate: %w", err)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !r.IsPositive() {
			return nil, fmt.Errorf("invalid static rate for %s: %q must be a positive decimal", cur, raw)
		}
		out[cur] = r
	}
	return out, nil
}

// LogConfig builds the logger configuration. Call Validate first.
func (c *Config) LogConfig() log.Config {
	cfg := log.DefaultConfig()
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = lvl
	}
	cfg.Format = strings.ToLower(c.LogFormat)
	return cfg
}

// SheetsEnabled reports whether the balance export is configured.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}
