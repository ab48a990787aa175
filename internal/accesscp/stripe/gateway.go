// Package stripe binds the Stripe API and webhooks to the access engine:
// checkout and portal sessions, event verification and dispatch.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	adapterName           = "stripe"
	defaultGatewayTimeout = 10 * time.Second
)

// GatewayConfig holds Stripe API credentials.
type GatewayConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration

	// APIURL overrides the API base URL.
	APIURL string
}

// Gateway wraps the Stripe API calls the service makes.
type Gateway struct {
	webhookSecret string

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getCheckoutSession    func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
	getSubscription       func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

var _ access.BillingLookup = (*Gateway)(nil)

// NewGateway builds a Gateway with its own API backend.
func NewGateway(cfg GatewayConfig) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	backendCfg := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripelib.Int64(2),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelWarn},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripelib.String(cfg.APIURL)
	}
	api := &client.API{}
	api.Init(strings.TrimSpace(cfg.SecretKey), &stripelib.Backends{
		API:     stripelib.GetBackendWithConfig(stripelib.APIBackend, backendCfg),
		Connect: stripelib.GetBackendWithConfig(stripelib.ConnectBackend, backendCfg),
		Uploads: stripelib.GetBackendWithConfig(stripelib.UploadsBackend, backendCfg),
	})

	return &Gateway{
		webhookSecret:         strings.TrimSpace(cfg.WebhookSecret),
		createCheckoutSession: api.CheckoutSessions.New,
		getCheckoutSession:    api.CheckoutSessions.Get,
		createPortalSession:   api.BillingPortalSessions.New,
		getSubscription:       api.Subscriptions.Get,
	}
}

// CheckoutRequest describes a subscription checkout for one account.
type CheckoutRequest struct {
	AccountID  int64
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession opens a subscription-mode checkout session tagged with
// the account id.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripelib.CheckoutSession, error) {
	accountID := fmt.Sprintf("%d", req.AccountID)
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL:        stripelib.String(req.SuccessURL),
		CancelURL:         stripelib.String(req.CancelURL),
		CustomerEmail:     stripelib.String(req.Email),
		ClientReferenceID: stripelib.String(accountID),
		Metadata:          map[string]string{metadataAccountID: accountID},
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataAccountID: accountID},
		},
	}
	params.Context = ctx

	session, err := g.createCheckoutSession(params)
	if err != nil {
		return nil, wrapError("create_checkout_session", err)
	}
	return session, nil
}

// GetCheckoutSession retrieves a checkout session by id.
func (g *Gateway) GetCheckoutSession(ctx context.Context, id string) (*stripelib.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.getCheckoutSession(id, params)
	if err != nil {
		return nil, wrapError("get_checkout_session", err)
	}
	return session, nil
}

// CreatePortalSession opens a customer portal session.
func (g *Gateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripelib.BillingPortalSession, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx
	session, err := g.createPortalSession(params)
	if err != nil {
		return nil, wrapError("create_portal_session", err)
	}
	return session, nil
}

// SubscriptionPeriodEnd returns the latest current_period_end across the
// subscription's items, or zero when Stripe reports none.
func (g *Gateway) SubscriptionPeriodEnd(ctx context.Context, billingSubscriptionID string) (int64, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.getSubscription(billingSubscriptionID, params)
	if err != nil {
		return 0, wrapError("retrieve_subscription", err)
	}
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	return end, nil
}

// ConstructEvent verifies the Stripe-Signature header over payload.
func (g *Gateway) ConstructEvent(payload []byte, signature string) (stripelib.Event, error) {
	if g.webhookSecret == "" {
		return stripelib.Event{}, fmt.Errorf("webhook secret not configured: %w", internalerrors.ErrInvalidSignature)
	}
	if strings.TrimSpace(signature) == "" {
		return stripelib.Event{}, fmt.Errorf("missing Stripe signature: %w", internalerrors.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, fmt.Errorf("%w: %v", internalerrors.ErrInvalidSignature, err)
	}
	return event, nil
}

func wrapError(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 {
		return internalerrors.WrapAPIError(op, adapterName, err, stripeErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return internalerrors.NewAdapterError(internalerrors.ErrorTypeTimeout, op, adapterName, err)
	}
	return internalerrors.WrapConnectionError(op, adapterName, err)
}
