package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/saferiskx/saferiskx-server/internal/logging"
)

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sweeper expires lapsed subscriptions on demand.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// HandleSweep runs one expiration sweep.
func HandleSweep(s Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n, err := s.SweepExpired(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Manual expiration sweep failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "sweep failed", "expired": n})
			return
		}
		logging.FromContext(r.Context()).Info().Int("expired", n).Msg("Manual expiration sweep completed")
		writeJSON(w, http.StatusOK, map[string]int{"expired": n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
