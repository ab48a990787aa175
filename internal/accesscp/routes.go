package accesscp

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/admin"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/discord"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	cpstripe "github.com/saferiskx/saferiskx-server/internal/accesscp/stripe"
)

const (
	loginRateLimit          = 10
	registerRateLimit       = 5
	changePasswordRateLimit = 5
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Registry    *registry.Registry
	Service     *access.Service
	Billing     *cpstripe.Billing
	Tokens      *auth.Tokens
	Diagnostics discord.DiagnosticsSource // nil disables the diagnostics endpoint
	Version     string

	// Optional; defaults are created per RegisterRoutes call when nil.
	Limiter    *RateLimiter
	Activation auth.ActivationNotifier
}

// newRouteLimiter registers the budget of every limited route scope.
func newRouteLimiter(cfg *Config) *RateLimiter {
	return NewRateLimiter().
		Limit(scopeWebhook, cfg.WebhookRateLimit, time.Minute).
		Limit(scopeLogin, loginRateLimit, time.Minute).
		Limit(scopeRegister, registerRateLimit, time.Hour).
		Limit(scopeChangePassword, changePasswordRateLimit, 15*time.Minute)
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	sessionAuth := auth.Middleware(deps.Tokens, deps.Registry)
	secureCookies := deps.Config.SecureCookies()

	limiter := deps.Limiter
	if limiter == nil {
		limiter = newRouteLimiter(deps.Config)
	}
	activation := deps.Activation
	if activation == nil {
		activation = auth.LogActivationNotifier{FrontendURL: deps.Config.FrontendURL}
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are operator-only.
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Registry, deps.Version)))
	mux.Handle("/metrics", adminAuth(promhttp.Handler()))

	// Stripe webhook (signature-authenticated)
	mux.Handle("/api/stripe/webhook", limiter.Wrap(scopeWebhook, cpstripe.NewWebhookHandler(deps.Billing)))

	// Accounts and session
	mux.Handle("/api/auth/register", limiter.Wrap(scopeRegister, auth.HandleRegister(deps.Registry, activation)))
	mux.Handle("/api/auth/activate", auth.HandleActivate(deps.Registry))
	mux.Handle("/api/activate", auth.HandleActivate(deps.Registry))
	mux.Handle("/api/auth/login", limiter.Wrap(scopeLogin, auth.HandleLogin(deps.Registry, deps.Tokens, secureCookies)))
	mux.HandleFunc("/api/auth/logout", auth.HandleLogout(secureCookies))
	mux.Handle("/api/auth/me", sessionAuth(auth.HandleMe()))
	mux.Handle("/api/auth/change-password", limiter.Wrap(scopeChangePassword, sessionAuth(auth.HandleChangePassword(deps.Registry))))

	// Billing (session-authenticated)
	mux.Handle("/api/stripe/create-session", sessionAuth(cpstripe.HandleCreateCheckoutSession(deps.Billing)))
	mux.Handle("/api/stripe/create-portal-session", sessionAuth(cpstripe.HandleCreatePortalSession(deps.Billing)))
	mux.Handle("/api/stripe/session", sessionAuth(cpstripe.HandleGetCheckoutSession(deps.Billing)))
	mux.Handle("/api/subscription", sessionAuth(cpstripe.HandleSubscription(deps.Service)))
	mux.Handle("/api/subscription/check", sessionAuth(cpstripe.HandleSubscriptionCheck(deps.Service)))

	// Community access (session-authenticated)
	mux.Handle("/api/discord/auth/initiate", sessionAuth(discord.HandleInitiate(deps.Service)))
	mux.Handle("/api/discord/auth/callback", sessionAuth(discord.HandleCallback(deps.Service)))
	mux.Handle("/api/discord/status", sessionAuth(discord.HandleStatus(deps.Service)))
	mux.Handle("/api/discord/disconnect", sessionAuth(discord.HandleDisconnect(deps.Service)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/expirations/sweep", adminAuth(admin.HandleSweep(deps.Service)))
	if deps.Diagnostics != nil {
		mux.Handle("/admin/discord/diagnostics", adminAuth(discord.HandleDiagnostics(deps.Diagnostics)))
	}
}

// Handler wraps the mux with the middleware every response goes through.
func Handler(mux *http.ServeMux, cfg *Config) http.Handler {
	return RequestLogging(SecurityHeaders(CORS(cfg.CORSOrigins)(mux)))
}
