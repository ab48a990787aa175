package accesscp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/discord"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	cpstripe "github.com/saferiskx/saferiskx-server/internal/accesscp/stripe"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

const limiterPruneInterval = 5 * time.Minute

// Runtime is the wired service graph shared by the server and the CLI.
type Runtime struct {
	Config   *Config
	Registry *registry.Registry
	Discord  *discord.Client
	Gateway  *cpstripe.Gateway
	Service  *access.Service
	Billing  *cpstripe.Billing
	Tokens   *auth.Tokens
}

// Close releases the registry.
func (rt *Runtime) Close() error {
	return rt.Registry.Close()
}

// NewRuntime opens the registry and builds the adapters and engine from cfg.
func NewRuntime(cfg *Config) (*Runtime, error) {
	reg, err := registry.Open(cfg.RegistryDir())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	community, err := discord.NewClient(discord.Config{
		ClientID:      cfg.DiscordClientID,
		ClientSecret:  cfg.DiscordClientSecret,
		RedirectURI:   cfg.DiscordRedirectURI,
		BotToken:      cfg.DiscordBotToken,
		GuildID:       cfg.DiscordGuildID,
		PremiumRoleID: cfg.DiscordPremiumRoleID,
		Timeout:       cfg.AdapterTimeout,
	})
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("init discord client: %w", err)
	}

	gateway := cpstripe.NewGateway(cpstripe.GatewayConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.AdapterTimeout,
	})

	svc := access.NewService(reg, community, gateway, access.WithAdapterTimeout(cfg.AdapterTimeout))

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("init session tokens: %w", err)
	}

	return &Runtime{
		Config:   cfg,
		Registry: reg,
		Discord:  community,
		Gateway:  gateway,
		Service:  svc,
		Billing: cpstripe.NewBilling(gateway, svc, cpstripe.BillingConfig{
			PriceID:     cfg.StripePriceID,
			FrontendURL: cfg.FrontendURL,
		}),
		Tokens: tokens,
	}, nil
}

// Run starts the access service HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "access",
	})

	log.Info().Str("version", version).Msg("Starting SafeRiskX access service")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "access",
	})

	rt, err := NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Build HTTP routes
	mux := http.NewServeMux()
	deps := &Deps{
		Config:      cfg,
		Registry:    rt.Registry,
		Service:     rt.Service,
		Billing:     rt.Billing,
		Tokens:      rt.Tokens,
		Diagnostics: rt.Discord,
		Version:     version,
		Limiter:     newRouteLimiter(cfg),
		Activation:  auth.LogActivationNotifier{FrontendURL: cfg.FrontendURL},
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(mux, cfg),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background loops use the registry, so they are stopped before the
	// deferred rt.Close.
	background := startBackground(ctx)
	defer background.Stop()
	ctx = background.ctx

	if cfg.SweepInterval > 0 {
		background.Go(access.NewSweeper(rt.Service, cfg.SweepInterval).Run)
	} else {
		log.Warn().Msg("Expiration sweeper disabled; lapsed subscriptions expire on next read")
	}

	background.Go(func(ctx context.Context) { runSubscriptionMetrics(ctx, rt.Registry) })
	background.Go(func(ctx context.Context) { runLimiterPrune(ctx, deps.Limiter) })

	// Start server in background
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Access service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("serve %s: %w", addr, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	background.Stop()
	log.Info().Msg("Access service stopped")
	return runErr
}

// backgroundTasks runs loops bound to one context. Stop cancels the context
// and returns once every loop has exited.
type backgroundTasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startBackground(parent context.Context) *backgroundTasks {
	ctx, cancel := context.WithCancel(parent)
	return &backgroundTasks{ctx: ctx, cancel: cancel}
}

func (b *backgroundTasks) Go(fn func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Stop is safe to call more than once.
func (b *backgroundTasks) Stop() {
	b.cancel()
	b.wg.Wait()
}

func runLimiterPrune(ctx context.Context, limiter *RateLimiter) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				log.Debug().Int("clients", n).Msg("Pruned idle rate limit entries")
			}
		}
	}
}
