package admin

import (
	"context"
	"net/http"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

// Store is the registry surface the operator endpoints read.
type Store interface {
	Ping(ctx context.Context) error
	CountByStatus(ctx context.Context) (map[registry.SubscriptionStatus]int, error)
}

type statusResponse struct {
	Version            string                              `json:"version"`
	TotalSubscriptions int                                 `json:"total_subscriptions"`
	Active             int                                 `json:"active"`
	ByStatus           map[registry.SubscriptionStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if store == nil || store.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate subscription status.
func HandleStatus(store Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for status, c := range counts {
			cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Version:            version,
			TotalSubscriptions: total,
			Active:             counts[registry.SubscriptionActive],
			ByStatus:           counts,
		})
	}
}
