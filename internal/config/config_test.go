package config

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_DerivesDwollaBaseURLFromEnv(t *testing.T) {
	cases := []struct {
		env  string
		want string
	}{
		{env: "sandbox", want: "https://api-sandbox.dwolla.com"},
		{env: "PRODUCTION", want: "https://api.dwolla.com"},
	}

	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)

			setEnvWithCleanup(t, "DWOLLA_ENV", tc.env)
			unsetEnvWithCleanup(t, "DWOLLA_BASE_URL")

			cfg, err := LoadConfig(t.TempDir())
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			if cfg.DwollaBaseURL != tc.want {
				t.Fatalf("expected base url %q, got %q", tc.want, cfg.DwollaBaseURL)
			}
		})
	}
}

func TestLoadConfig_ExplicitDwollaBaseURLWins(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DWOLLA_ENV", "sandbox")
	setEnvWithCleanup(t, "DWOLLA_BASE_URL", "http://127.0.0.1:9999/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DwollaBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("expected trimmed override, got %q", cfg.DwollaBaseURL)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8081")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_BACKEND", "TRANSFER_RATE_LIMIT_PER_MINUTE", "PROVISIONING_SWEEP_SCHEDULE", "EVENTS_EXCHANGE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.StoreBackend != StoreBackendPostgres {
		t.Fatalf("expected postgres store by default, got %q", cfg.StoreBackend)
	}
	if cfg.TransferRateLimitPerMinute != 10 {
		t.Fatalf("expected default rate limit 10, got %d", cfg.TransferRateLimitPerMinute)
	}
	if cfg.ProvisioningSweepSchedule != "@every 15m" {
		t.Fatalf("unexpected sweep schedule %q", cfg.ProvisioningSweepSchedule)
	}
	if cfg.EventsExchange != "justbank.events" {
		t.Fatalf("unexpected exchange %q", cfg.EventsExchange)
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "DWOLLA_KEY")
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/.env", []byte("DWOLLA_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DwollaKey != "from-file" {
		t.Fatalf("expected key from .env file, got %q", cfg.DwollaKey)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreBackend:  StoreBackendPostgres,
		DatabaseURL:   "postgres://localhost/justbank",
		DwollaEnv:     DwollaEnvSandbox,
		DwollaKey:     "key",
		DwollaSecret:  "secret",
		DwollaBaseURL: "https://api-sandbox.dwolla.com",
		PlaidClientID: "client",
		PlaidSecret:   "secret",
		PlaidBaseURL:  "https://sandbox.plaid.com",
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad dwolla env", mutate: func(c *Config) { c.DwollaEnv = "staging" }, wantErr: "DWOLLA_ENV"},
		{name: "missing dwolla secret", mutate: func(c *Config) { c.DwollaSecret = "" }, wantErr: "DWOLLA_KEY and DWOLLA_SECRET"},
		{name: "missing plaid", mutate: func(c *Config) { c.PlaidClientID = "" }, wantErr: "PLAID_CLIENT_ID"},
		{name: "missing database url", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "DATABASE_URL"},
		{name: "unknown backend", mutate: func(c *Config) { c.StoreBackend = "mongo" }, wantErr: "STORE_BACKEND"},
		{
			name: "appwrite without collections",
			mutate: func(c *Config) {
				c.StoreBackend = StoreBackendAppwrite
				c.AppwriteEndpoint = "https://cloud.appwrite.io/v1"
				c.AppwriteProjectID = "project"
				c.AppwriteAPIKey = "key"
			},
			wantErr: "collection ids",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSOrigins: " https://justbank.app, ,http://localhost:3000 "}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://justbank.app" || got[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
