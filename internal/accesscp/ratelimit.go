package accesscp

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

// Route scopes. Each scope has its own budget, and a client's requests to
// one scope never count against another.
const (
	scopeWebhook        = "stripe_webhook"
	scopeLogin          = "auth_login"
	scopeRegister       = "auth_register"
	scopeChangePassword = "auth_change_password"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

type rateBudget struct {
	limit  int
	window time.Duration
}

type rateKey struct {
	scope  string
	client string
}

// RateLimiter counts requests per route scope and client address over a
// sliding window. Scopes without a registered budget get the default.
type RateLimiter struct {
	mu      sync.Mutex
	budgets map[string]rateBudget
	hits    map[rateKey][]time.Time
	now     func() time.Time
}

// NewRateLimiter returns a limiter with no scopes registered.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		budgets: make(map[string]rateBudget),
		hits:    make(map[rateKey][]time.Time),
		now:     time.Now,
	}
}

// Limit sets the budget of scope. Non-positive values fall back to the
// defaults.
func (rl *RateLimiter) Limit(scope string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	rl.mu.Lock()
	rl.budgets[scope] = rateBudget{limit: limit, window: window}
	rl.mu.Unlock()
	return rl
}

func (rl *RateLimiter) budget(scope string) rateBudget {
	if b, ok := rl.budgets[scope]; ok {
		return b
	}
	return rateBudget{limit: defaultRateLimit, window: defaultRateWindow}
}

// Allow records a request from client against scope. When the budget is spent
// it reports false and how long until the oldest counted request leaves the
// window.
func (rl *RateLimiter) Allow(scope, client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.budget(scope)
	key := rateKey{scope: scope, client: client}
	now := rl.now()
	cutoff := now.Add(-b.window)

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= b.limit {
		rl.hits[key] = recent
		return false, recent[0].Add(b.window).Sub(now)
	}
	rl.hits[key] = append(recent, now)
	return true, 0
}

// Prune forgets clients with nothing left inside their scope's window.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, times := range rl.hits {
		cutoff := now.Add(-rl.budget(key.scope).window)
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.hits, key)
			removed++
		}
	}
	return removed
}

// Wrap limits next under scope, answering 429 with Retry-After once the
// client's budget is spent.
func (rl *RateLimiter) Wrap(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		ok, wait := rl.Allow(scope, client)
		if !ok {
			cpmetrics.RateLimited.WithLabelValues(scope).Inc()
			logging.FromContext(r.Context()).Warn().
				Str("scope", scope).
				Str("client", client).
				Dur("retry_after", wait).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
