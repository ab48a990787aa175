package accesscp

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"STRIPE_SECRET_KEY":       "sk_test_123",
		"STRIPE_WEBHOOK_SECRET":   "whsec_test",
		"STRIPE_PRICE_ID":         "price_123",
		"FRONTEND_URL":            "https://app.example.com/",
		"DISCORD_CLIENT_ID":       "client-id",
		"DISCORD_CLIENT_SECRET":   "client-secret",
		"DISCORD_REDIRECT_URI":    "https://app.example.com/discord/callback",
		"DISCORD_BOT_TOKEN":       "bot-token",
		"DISCORD_GUILD_ID":        "guild-1",
		"DISCORD_PREMIUM_ROLE_ID": "role-1",
		"JWT_SECRET":              "jwt-secret",
		"ADMIN_KEY":               "admin-key",
	} {
		t.Setenv(k, v)
	}
	for _, k := range []string{
		"PORT", "DATA_DIR", "BIND_ADDRESS", "CORS_ORIGIN", "SESSION_TTL",
		"ADAPTER_TIMEOUT", "EXPIRATION_SWEEP_INTERVAL", "WEBHOOK_RATE_LIMIT",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Port)
	}
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress = %q, want 0.0.0.0", cfg.BindAddress)
	}
	if cfg.AdapterTimeout != 10*time.Second {
		t.Errorf("AdapterTimeout = %s, want 10s", cfg.AdapterTimeout)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %s, want 1h", cfg.SweepInterval)
	}
	if cfg.WebhookRateLimit != 120 {
		t.Errorf("WebhookRateLimit = %d, want 120", cfg.WebhookRateLimit)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Errorf("SessionTTL = %s, want 2h", cfg.SessionTTL)
	}
	if cfg.FrontendURL != "https://app.example.com" {
		t.Errorf("FrontendURL = %q, want trailing slash trimmed", cfg.FrontendURL)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("CORSOrigins = %v, want frontend origin", cfg.CORSOrigins)
	}
	if !cfg.SecureCookies() {
		t.Error("SecureCookies() = false for https frontend")
	}
	if !strings.HasSuffix(cfg.RegistryDir(), "access") {
		t.Errorf("RegistryDir() = %q", cfg.RegistryDir())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("FRONTEND_URL", "http://localhost:3000")
	t.Setenv("CORS_ORIGIN", "http://localhost:3000, https://saferiskx.com/")
	t.Setenv("ADAPTER_TIMEOUT", "5")
	t.Setenv("EXPIRATION_SWEEP_INTERVAL", "0")
	t.Setenv("WEBHOOK_RATE_LIMIT", "30")
	t.Setenv("SESSION_TTL", "30m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.AdapterTimeout != 5*time.Second {
		t.Errorf("AdapterTimeout = %s, want 5s (bare seconds)", cfg.AdapterTimeout)
	}
	if cfg.SweepInterval != 0 {
		t.Errorf("SweepInterval = %s, want disabled", cfg.SweepInterval)
	}
	if cfg.WebhookRateLimit != 30 {
		t.Errorf("WebhookRateLimit = %d, want 30", cfg.WebhookRateLimit)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %s, want 30m", cfg.SessionTTL)
	}
	want := []string{"http://localhost:3000", "https://saferiskx.com"}
	if strings.Join(cfg.CORSOrigins, ",") != strings.Join(want, ",") {
		t.Errorf("CORSOrigins = %v, want %v", cfg.CORSOrigins, want)
	}
	if cfg.SecureCookies() {
		t.Error("SecureCookies() = true for http frontend")
	}
}

func TestLoadConfigReportsAllMissing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("JWT_SECRET", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want missing variables")
	}
	for _, name := range []string{"STRIPE_SECRET_KEY", "DISCORD_BOT_TOKEN", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "STRIPE_PRICE_ID") {
		t.Errorf("error %q names a variable that is set", err)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "port-not-int", key: "PORT", value: "abc", wantErr: "PORT must be a valid integer"},
		{name: "port-out-of-range", key: "PORT", value: "70000", wantErr: "PORT must be between"},
		{name: "rate-limit-zero", key: "WEBHOOK_RATE_LIMIT", value: "0", wantErr: "WEBHOOK_RATE_LIMIT must be greater than 0"},
		{name: "timeout-garbage", key: "ADAPTER_TIMEOUT", value: "soon", wantErr: "ADAPTER_TIMEOUT must be a duration"},
		{name: "sweep-negative", key: "EXPIRATION_SWEEP_INTERVAL", value: "-1m", wantErr: "must not be negative"},
		{name: "frontend-no-scheme", key: "FRONTEND_URL", value: "app.example.com", wantErr: "FRONTEND_URL must use http or https"},
		{name: "redirect-no-host", key: "DISCORD_REDIRECT_URI", value: "https://", wantErr: "DISCORD_REDIRECT_URI must include a host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("LoadConfig() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig() error = %q, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadStoreConfigSkipsAdapterSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("DATA_DIR", "/var/lib/saferiskx")

	cfg, err := LoadStoreConfig()
	if err != nil {
		t.Fatalf("LoadStoreConfig: %v", err)
	}
	if cfg.DataDir != "/var/lib/saferiskx" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.JWTSecret != "jwt-secret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
}
