package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "log", cfg.Notify.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Expiry.Every())
	assert.False(t, cfg.Auth.DevHeader, "the dev identity header is opt-in")
	assert.True(t, cfg.BillingUnit().Equal(cfg.BillingUnit().Round(0)), "default unit is whole credits")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillswap.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[store]
driver = "memory"

[billing]
unit = "0.5"

[admin]
users = ["ops-1", "ops-2"]

[[offerings]]
teacher = "teacher-1"
skill = "guitar"
title = "Beginner guitar"
credits_per_hour = "4"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "0.5", cfg.BillingUnit().String())
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Admin.Users)
	assert.Equal(t, []string{"ops-1", "ops-2", "system"}, cfg.Admin.Admins())
	require.Len(t, cfg.Offerings, 1)
	assert.Equal(t, "4", cfg.Offerings[0].Rate().String())
	assert.Equal(t, "30s", cfg.Server.WriteTimeout, "unset keys keep defaults")
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store]\ndriverr = \"sqlite\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driverr")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"DATABASE_URL":         "postgres://localhost/skillswap",
		"PORT":                 "7000",
		"SKILLSWAP_JWT_SECRET": "s3cret",
		"SKILLSWAP_ADMINS":     "a,b",
	}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/skillswap", cfg.Store.DSN)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"a", "b"}, cfg.Admin.Users)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"river needs postgres", func(c *Config) { c.Notify.Mode = "river" }, "requires store.driver"},
		{"zero billing unit", func(c *Config) { c.Billing.Unit = "0" }, "billing.unit"},
		{"dev header with a secret", func(c *Config) {
			c.Auth.JWTSecret = "s3cret"
			c.Auth.DevHeader = true
		}, "auth.dev_header"},
		{"bad timeout", func(c *Config) { c.Server.ReadTimeout = "soon" }, "server.read_timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"no system actor", func(c *Config) { c.Admin.System = "" }, "admin.system"},
		{"zero expiry interval", func(c *Config) { c.Expiry.Interval = "0s" }, "expiry.interval"},
		{"bad offering rate", func(c *Config) {
			c.Offerings = []OfferingConfig{{Teacher: "t", Skill: "s", CreditsPerHour: "-1"}}
		}, "offerings[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_SecretFromEnvRefusesDevHeader(t *testing.T) {
	// GIVEN: A dev config and a production secret in the environment
	path := filepath.Join(t.TempDir(), "dev.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\ndev_header = true\n"), 0o600))
	t.Setenv("SKILLSWAP_JWT_SECRET", "s3cret")

	// WHEN: Loading
	_, err := Load(path)

	// THEN: The combination is refused
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.dev_header")
}

func TestAuthConfig_RequireIdentity(t *testing.T) {
	assert.Error(t, AuthConfig{}.RequireIdentity())
	assert.NoError(t, AuthConfig{JWTSecret: "s3cret"}.RequireIdentity())
	assert.NoError(t, AuthConfig{DevHeader: true}.RequireIdentity())
}
