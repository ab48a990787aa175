package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

type ctxKey struct{}

// AccountStore loads the account named by a session.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*registry.Account, error)
}

// AccountFromContext returns the authenticated account, if any.
func AccountFromContext(ctx context.Context) *registry.Account {
	a, _ := ctx.Value(ctxKey{}).(*registry.Account)
	return a
}

// WithAccount stores an authenticated account on ctx.
func WithAccount(ctx context.Context, a *registry.Account) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// Middleware requires a valid session token (cookie or bearer) naming an
// existing, verified account.
func Middleware(tokens *Tokens, store AccountStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.Verify(tokenFromRequest(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			account, err := store.GetAccount(r.Context(), claims.AccountID)
			if err != nil {
				logging.FromContext(r.Context()).Error().Err(err).Int64("account_id", claims.AccountID).Msg("Failed to load session account")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if account == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !account.Verified {
				writeError(w, http.StatusForbidden, "email not verified")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
