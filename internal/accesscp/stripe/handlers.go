package stripe

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

type urlResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// HandleCreateCheckoutSession starts a checkout for the signed-in account.
func HandleCreateCheckoutSession(b *Billing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		url, err := b.CreateCheckoutSession(r.Context(), account)
		if err != nil {
			writeServiceError(r, w, "create_checkout_session", err)
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{Success: true, URL: url})
	}
}

// HandleCreatePortalSession opens the customer portal for the signed-in account.
func HandleCreatePortalSession(b *Billing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		url, err := b.CreatePortalSession(r.Context(), account)
		if err != nil {
			writeServiceError(r, w, "create_portal_session", err)
			return
		}
		writeJSON(w, http.StatusOK, urlResponse{Success: true, URL: url})
	}
}

// HandleGetCheckoutSession reads back a checkout session for the success page.
func HandleGetCheckoutSession(b *Billing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
			return
		}
		summary, err := b.CheckoutSession(r.Context(), account, sessionID)
		if err != nil {
			writeServiceError(r, w, "get_checkout_session", err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type subscriptionView struct {
	HasSubscription       bool       `json:"hasSubscription"`
	HasActiveSubscription bool       `json:"hasActiveSubscription"`
	Status                string     `json:"status,omitempty"`
	BillingSubscriptionID string     `json:"stripeSubscriptionId,omitempty"`
	BillingCustomerID     string     `json:"stripeCustomerId,omitempty"`
	NextPaymentDate       *time.Time `json:"nextPaymentDate,omitempty"`
	CreatedAt             *time.Time `json:"createdAt,omitempty"`
}

func viewOf(sub *registry.Subscription) subscriptionView {
	if sub == nil {
		return subscriptionView{}
	}
	created := sub.CreatedAt
	return subscriptionView{
		HasSubscription:       true,
		HasActiveSubscription: sub.Status == registry.SubscriptionActive,
		Status:                string(sub.Status),
		BillingSubscriptionID: sub.BillingSubscriptionID,
		BillingCustomerID:     sub.BillingCustomerID,
		NextPaymentDate:       sub.NextPaymentAt,
		CreatedAt:             &created,
	}
}

// HandleSubscription returns the most recent subscription of the signed-in
// account, 404 when it never subscribed.
func HandleSubscription(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		sub, err := engine.LatestSubscription(r.Context(), account.ID)
		if err != nil {
			writeServiceError(r, w, "latest_subscription", err)
			return
		}
		if sub == nil {
			writeJSON(w, http.StatusNotFound, subscriptionView{})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(sub))
	}
}

// HandleSubscriptionCheck reports whether the signed-in account pays now.
func HandleSubscriptionCheck(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		sub, err := engine.ActiveSubscription(r.Context(), account.ID)
		if err != nil {
			writeServiceError(r, w, "active_subscription", err)
			return
		}
		resp := map[string]any{"hasActiveSubscription": sub != nil, "status": nil}
		if sub != nil {
			resp["status"] = string(sub.Status)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeServiceError(r *http.Request, w http.ResponseWriter, op string, err error) {
	status := internalerrors.HTTPStatus(err)
	logger := logging.FromContext(r.Context())
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("op", op).Int("status", status).Msg("Billing request failed")
	writeJSON(w, status, errorResponse{Error: publicMessage(err)})
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, internalerrors.ErrConflict):
		return "an active subscription already exists"
	case errors.Is(err, internalerrors.ErrNotFound):
		return "not found"
	case errors.Is(err, internalerrors.ErrInvalidInput):
		return "invalid request"
	}
	var adapterErr *internalerrors.AdapterError
	if errors.As(err, &adapterErr) {
		return "payment provider request failed"
	}
	return "internal error"
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("accesscp.stripe: encode response")
	}
}
