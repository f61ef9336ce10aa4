/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults below
  2. .env file in the working directory (optional)
  3. LEDGER_* environment variables
  4. cmd/server flags

VARIABLES:
  LEDGER_PORT             HTTP port (8080)
  LEDGER_DB_DRIVER        sqlite | postgres (sqlite)
  LEDGER_DB_DSN           sqlite path or postgres URL (ledger.db)
  LEDGER_SWEEP_INTERVAL   overdue sweep period, Go duration (24h)
  LEDGER_SWEEP_ENABLED    run the background sweep (true)
  LEDGER_KAFKA_BROKERS    comma-separated brokers; empty disables events
  LEDGER_KAFKA_TOPIC      event topic (household_ledger_events)
  LEDGER_LOG_LEVEL        debug | info | warn | error (info)
  LEDGER_LOG_DEV          human-readable console logs (false)
  LEDGER_CORS_ORIGINS     comma-separated allowed origins (*)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          int
	Driver        string
	DSN           string
	SweepInterval time.Duration
	SweepEnabled  bool
	KafkaBrokers  []string
	KafkaTopic    string
	LogLevel      string
	LogDev        bool
	CORSOrigins   []string
}

func Default() Config {
	return Config{
		Port:          8080,
		Driver:        DriverSQLite,
		DSN:           "ledger.db",
		SweepInterval: 24 * time.Hour,
		SweepEnabled:  true,
		KafkaTopic:    "household_ledger_events",
		LogLevel:      "info",
		CORSOrigins:   []string{"*"},
	}
}

// Load reads envFiles (".env" when none given) and then the environment.
// A missing env file is not an error. The result is not yet validated.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default(). It rejects
// unparsable values only; callers run Validate once every override is in.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if v, ok := lookup("LEDGER_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("LEDGER_PORT: invalid port %q", v)
		}
		cfg.Port = port
	}
	if v, ok := lookup("LEDGER_DB_DRIVER"); ok {
		cfg.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("LEDGER_DB_DSN"); ok {
		cfg.DSN = v
	}
	if v, ok := lookup("LEDGER_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v, ok := lookup("LEDGER_SWEEP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_SWEEP_ENABLED: %w", err)
		}
		cfg.SweepEnabled = b
	}
	if v, ok := lookup("LEDGER_KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := lookup("LEDGER_KAFKA_TOPIC"); ok && v != "" {
		cfg.KafkaTopic = v
	}
	if v, ok := lookup("LEDGER_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup("LEDGER_LOG_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_LOG_DEV: %w", err)
		}
		cfg.LogDev = b
	}
	if v, ok := lookup("LEDGER_CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database DSN is required")
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
