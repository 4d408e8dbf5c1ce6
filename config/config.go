// Package config loads server configuration from TOML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Store     StoreConfig      `toml:"store"`
	Billing   BillingConfig    `toml:"billing"`
	Auth      AuthConfig       `toml:"auth"`
	Admin     AdminConfig      `toml:"admin"`
	Notify    NotifyConfig     `toml:"notify"`
	Expiry    ExpiryConfig     `toml:"expiry"`
	Log       LogConfig        `toml:"log"`
	Offerings []OfferingConfig `toml:"offerings"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     string   `toml:"read_timeout"`
	WriteTimeout    string   `toml:"write_timeout"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	EnableScenarios bool     `toml:"enable_scenarios"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite, postgres or memory
	DSN    string `toml:"dsn"`
}

type BillingConfig struct {
	Unit string `toml:"unit"` // credits per billing unit, decimal string
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	// DevHeader accepts X-User-ID without a token. Never enable in production.
	DevHeader bool `toml:"dev_header"`
}

type AdminConfig struct {
	Users []string `toml:"users"`
	// System is the actor used by the server itself (expiry sweeps, demo
	// seeding). It is always treated as an admin.
	System string `toml:"system"`
}

// Admins returns the configured admins plus the system actor.
func (a AdminConfig) Admins() []string {
	return append(append([]string(nil), a.Users...), a.System)
}

type NotifyConfig struct {
	Mode    string `toml:"mode"` // log, pool or river
	Workers int    `toml:"workers"`
	Buffer  int    `toml:"buffer"`
}

// ExpiryConfig drives the sweep that cancels Pending sessions nobody
// confirmed before their scheduled start.
type ExpiryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// OfferingConfig seeds the skill catalog at startup.
type OfferingConfig struct {
	Teacher        string `toml:"teacher"`
	Skill          string `toml:"skill"`
	Title          string `toml:"title"`
	CreditsPerHour string `toml:"credits_per_hour"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "10s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "15s",
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			EnableScenarios: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "skillswap.db",
		},
		Billing: BillingConfig{Unit: "1"},
		Auth: AuthConfig{
			Issuer: "skillswap",
		},
		Admin: AdminConfig{System: "system"},
		Notify: NotifyConfig{
			Mode:    "log",
			Workers: 4,
			Buffer:  256,
		},
		Expiry: ExpiryConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Store.Driver = "postgres"
		}
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	if v, ok := lookup("SKILLSWAP_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("SKILLSWAP_ADMINS"); ok && v != "" {
		c.Admin.Users = strings.Split(v, ",")
	}
	if v, ok := lookup("SKILLSWAP_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite, postgres or memory", c.Store.Driver))
	}

	switch c.Notify.Mode {
	case "log":
	case "pool":
		if c.Notify.Workers <= 0 || c.Notify.Buffer <= 0 {
			errs = append(errs, errors.New("notify.workers and notify.buffer must be positive in pool mode"))
		}
	case "river":
		if c.Store.Driver != "postgres" {
			errs = append(errs, errors.New("notify.mode \"river\" requires store.driver \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.mode %q: want log, pool or river", c.Notify.Mode))
	}

	if unit, err := decimal.NewFromString(c.Billing.Unit); err != nil || !unit.IsPositive() {
		errs = append(errs, fmt.Errorf("billing.unit %q must be a positive decimal", c.Billing.Unit))
	}
	if c.Auth.JWTSecret != "" && c.Auth.DevHeader {
		errs = append(errs, errors.New("auth.dev_header cannot be enabled together with auth.jwt_secret"))
	}
	for _, d := range []struct{ name, value string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if c.Admin.System == "" {
		errs = append(errs, errors.New("admin.system is required"))
	}
	if c.Expiry.Enabled {
		if d, err := time.ParseDuration(c.Expiry.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("expiry.interval %q must be a positive duration", c.Expiry.Interval))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, o := range c.Offerings {
		if o.Teacher == "" || o.Skill == "" {
			errs = append(errs, fmt.Errorf("offerings[%d]: teacher and skill are required", i))
		}
		if r, err := decimal.NewFromString(o.CreditsPerHour); err != nil || !r.IsPositive() {
			errs = append(errs, fmt.Errorf("offerings[%d]: credits_per_hour %q must be a positive decimal", i, o.CreditsPerHour))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// TYPED ACCESSORS - Valid only after Validate
// =============================================================================

func (c Config) BillingUnit() decimal.Decimal {
	return decimal.RequireFromString(c.Billing.Unit)
}

func (s ServerConfig) Timeouts() (read, write, shutdown time.Duration) {
	read, _ = time.ParseDuration(s.ReadTimeout)
	write, _ = time.ParseDuration(s.WriteTimeout)
	shutdown, _ = time.ParseDuration(s.ShutdownTimeout)
	return read, write, shutdown
}

// RequireIdentity reports whether the HTTP API has a way to identify callers.
// Operator commands do not need one.
func (a AuthConfig) RequireIdentity() error {
	if a.JWTSecret == "" && !a.DevHeader {
		return errors.New("auth.jwt_secret is required to serve the API (or auth.dev_header for local development)")
	}
	return nil
}

func (e ExpiryConfig) Every() time.Duration {
	d, _ := time.ParseDuration(e.Interval)
	return d
}

func (o OfferingConfig) Rate() decimal.Decimal {
	return decimal.RequireFromString(o.CreditsPerHour)
}

// Logger builds the process logger from the [log] section.
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
