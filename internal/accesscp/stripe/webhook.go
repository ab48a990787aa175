package stripe

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	billing *Billing
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(billing *Billing) *WebhookHandler {
	return &WebhookHandler{billing: billing}
}

// ServeHTTP verifies the Stripe signature and dispatches the event. Any
// processing error answers 500 so Stripe redelivers.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		cpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		cpmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	logger := logging.FromContext(r.Context())
	event, err := h.billing.VerifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn().Err(err).Msg("Stripe webhook rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.billing.HandleEvent(r.Context(), &event); err != nil {
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Bool("retryable", internalerrors.IsRetryableError(err)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	logger.Debug().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook processed")
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}
