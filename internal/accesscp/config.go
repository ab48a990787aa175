package accesscp

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the access service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	FrontendURL string
	CORSOrigins []string
	JWTSecret   string
	SessionTTL  time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	DiscordClientID      string
	DiscordClientSecret  string
	DiscordRedirectURI   string
	DiscordBotToken      string
	DiscordGuildID       string
	DiscordPremiumRoleID string

	LogLevel  string
	LogFormat string

	AdapterTimeout   time.Duration
	SweepInterval    time.Duration // 0 disables the background expiration sweep
	WebhookRateLimit int           // requests per minute per client IP
}

// RegistryDir returns the directory holding the access database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "access")
}

// SecureCookies reports whether session cookies must be HTTPS-only.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.FrontendURL, "https://")
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 5000)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	adapterTimeout, err := envOrDefaultDuration("ADAPTER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("EXPIRATION_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	sessionTTL, err := envOrDefaultDuration("SESSION_TTL", 2*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("DATA_DIR", "./data"),
		BindAddress: envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("ADMIN_KEY")),
		FrontendURL: strings.TrimRight(strings.TrimSpace(os.Getenv("FRONTEND_URL")), "/"),
		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		SessionTTL:  sessionTTL,

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),

		DiscordClientID:      strings.TrimSpace(os.Getenv("DISCORD_CLIENT_ID")),
		DiscordClientSecret:  strings.TrimSpace(os.Getenv("DISCORD_CLIENT_SECRET")),
		DiscordRedirectURI:   strings.TrimSpace(os.Getenv("DISCORD_REDIRECT_URI")),
		DiscordBotToken:      strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordGuildID:       strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID")),
		DiscordPremiumRoleID: strings.TrimSpace(os.Getenv("DISCORD_PREMIUM_ROLE_ID")),

		CORSOrigins: splitList(os.Getenv("CORS_ORIGIN")),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),

		AdapterTimeout:   adapterTimeout,
		SweepInterval:    sweepInterval,
		WebhookRateLimit: rateLimit,
	}

	if len(cfg.CORSOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.CORSOrigins = []string{cfg.FrontendURL}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadStoreConfig loads only the settings needed to work on the registry
// directly (operator commands); billing and community settings are not
// required.
func LoadStoreConfig() (*Config, error) {
	_ = godotenv.Load()

	sessionTTL, err := envOrDefaultDuration("SESSION_TTL", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	return &Config{
		DataDir:    envOrDefault("DATA_DIR", "./data"),
		JWTSecret:  strings.TrimSpace(os.Getenv("JWT_SECRET")),
		SessionTTL: sessionTTL,
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),
		LogFormat:  envOrDefault("LOG_FORMAT", "auto"),
	}, nil
}

func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"STRIPE_SECRET_KEY", c.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"STRIPE_PRICE_ID", c.StripePriceID},
		{"FRONTEND_URL", c.FrontendURL},
		{"DISCORD_CLIENT_ID", c.DiscordClientID},
		{"DISCORD_CLIENT_SECRET", c.DiscordClientSecret},
		{"DISCORD_REDIRECT_URI", c.DiscordRedirectURI},
		{"DISCORD_BOT_TOKEN", c.DiscordBotToken},
		{"DISCORD_GUILD_ID", c.DiscordGuildID},
		{"DISCORD_PREMIUM_ROLE_ID", c.DiscordPremiumRoleID},
		{"JWT_SECRET", c.JWTSecret},
		{"ADMIN_KEY", c.AdminKey},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	if c.AdapterTimeout <= 0 {
		return fmt.Errorf("ADAPTER_TIMEOUT must be greater than 0, got %s", c.AdapterTimeout)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("EXPIRATION_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}

	for name, raw := range map[string]string{"FRONTEND_URL": c.FrontendURL, "DISCORD_REDIRECT_URI": c.DiscordRedirectURI} {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", name)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s must include a host", name)
		}
	}
	return nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimRight(strings.TrimSpace(part), "/"); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s", "1h") or bare seconds.
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
