package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Engine is the slice of the access engine billing drives.
type Engine interface {
	HandleCheckoutCompleted(ctx context.Context, in access.CheckoutCompleted) (bool, error)
	HandleBillingEvent(ctx context.Context, ev access.BillingEvent) error
	ActiveSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error)
	LatestSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error)
}

var _ Engine = (*access.Service)(nil)

// BillingConfig holds checkout settings.
type BillingConfig struct {
	PriceID     string
	FrontendURL string
}

// Billing handles checkout, portal and webhook events for accounts.
type Billing struct {
	gateway     *Gateway
	engine      Engine
	priceID     string
	frontendURL string
}

// NewBilling wires billing to the Stripe gateway and the access engine.
func NewBilling(gateway *Gateway, engine Engine, cfg BillingConfig) *Billing {
	return &Billing{
		gateway:     gateway,
		engine:      engine,
		priceID:     strings.TrimSpace(cfg.PriceID),
		frontendURL: strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"),
	}
}

// CreateCheckoutSession starts a subscription checkout for account and
// returns the hosted page URL. Accounts that already pay get a conflict.
func (b *Billing) CreateCheckoutSession(ctx context.Context, account *registry.Account) (string, error) {
	active, err := b.engine.ActiveSubscription(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", fmt.Errorf("account %d already has an active subscription: %w", account.ID, internalerrors.ErrConflict)
	}

	session, err := b.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		AccountID:  account.ID,
		Email:      account.Email,
		PriceID:    b.priceID,
		SuccessURL: b.frontendURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  b.frontendURL + "/payment-cancelled",
	})
	if err != nil {
		return "", err
	}
	log.Info().
		Int64("account_id", account.ID).
		Str("checkout_session_id", session.ID).
		Msg("Checkout session created")
	return session.URL, nil
}

// CreatePortalSession opens the customer portal for a paying account.
func (b *Billing) CreatePortalSession(ctx context.Context, account *registry.Account) (string, error) {
	active, err := b.engine.ActiveSubscription(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", fmt.Errorf("account %d has no active subscription: %w", account.ID, internalerrors.ErrNotFound)
	}
	customerID := active.BillingCustomerID
	if customerID == "" && account.BillingCustomerID != nil {
		customerID = *account.BillingCustomerID
	}
	if customerID == "" {
		return "", fmt.Errorf("account %d has no billing customer: %w", account.ID, internalerrors.ErrNotFound)
	}

	session, err := b.gateway.CreatePortalSession(ctx, customerID, b.frontendURL+"/dashboard")
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// SessionSummary is the client-safe view of a checkout session.
type SessionSummary struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}

// CheckoutSession reads back a checkout session opened by account.
func (b *Billing) CheckoutSession(ctx context.Context, account *registry.Account, sessionID string) (*SessionSummary, error) {
	if !IsSafeStripeID(sessionID) {
		return nil, fmt.Errorf("invalid session id: %w", internalerrors.ErrInvalidInput)
	}
	session, err := b.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if owner := session.Metadata[metadataAccountID]; owner != fmt.Sprintf("%d", account.ID) {
		return nil, fmt.Errorf("checkout session %s: %w", sessionID, internalerrors.ErrNotFound)
	}
	summary := &SessionSummary{
		ID:            session.ID,
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		CustomerEmail: session.CustomerEmail,
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		summary.CustomerEmail = session.CustomerDetails.Email
	}
	return summary, nil
}

// VerifyEvent checks the webhook signature and parses the event.
func (b *Billing) VerifyEvent(payload []byte, signature string) (stripelib.Event, error) {
	return b.gateway.ConstructEvent(payload, signature)
}

// HandleEvent routes a verified event to the engine. Unhandled types are
// acknowledged.
func (b *Billing) HandleEvent(ctx context.Context, event *stripelib.Event) error {
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return b.handleCheckoutCompleted(ctx, session)

	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		return b.handleInvoice(ctx, event, access.EventPaymentSucceeded)

	case EventInvoicePaymentFailed:
		return b.handleInvoice(ctx, event, access.EventPaymentFailed)

	case EventSubscriptionDeleted:
		return b.handleSubscription(ctx, event, func(*Subscription) (access.EventKind, bool) {
			return access.EventDeleted, true
		})

	case EventSubscriptionPastDue:
		return b.handleSubscription(ctx, event, func(*Subscription) (access.EventKind, bool) {
			return access.EventPastDue, true
		})

	case EventSubscriptionUnpaid:
		return b.handleSubscription(ctx, event, func(*Subscription) (access.EventKind, bool) {
			return access.EventUnpaid, true
		})

	case EventSubscriptionUpdated:
		return b.handleSubscription(ctx, event, func(sub *Subscription) (access.EventKind, bool) {
			return EventKindForStatus(sub.Status)
		})

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (b *Billing) handleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	if session.Mode != "" && session.Mode != string(stripelib.CheckoutSessionModeSubscription) {
		log.Info().Str("checkout_session_id", session.ID).Str("mode", session.Mode).Msg("Non-subscription checkout ignored")
		return nil
	}
	accountID := session.AccountID()
	if accountID == 0 {
		log.Error().Str("checkout_session_id", session.ID).Msg("Checkout session without account id, acknowledging")
		return nil
	}
	if session.Subscription == "" {
		log.Warn().
			Str("checkout_session_id", session.ID).
			Int64("account_id", accountID).
			Msg("Subscription checkout without subscription id, acknowledging")
		return nil
	}
	_, err := b.engine.HandleCheckoutCompleted(ctx, access.CheckoutCompleted{
		SessionID:             session.ID,
		AccountID:             accountID,
		BillingCustomerID:     session.Customer,
		BillingSubscriptionID: session.Subscription,
	})
	return err
}

func (b *Billing) handleInvoice(ctx context.Context, event *stripelib.Event, kind access.EventKind) error {
	var inv Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		log.Info().Str("invoice_id", inv.ID).Str("type", string(event.Type)).Msg("Invoice without subscription ignored")
		return nil
	}
	return b.engine.HandleBillingEvent(ctx, access.BillingEvent{
		Kind:                  kind,
		BillingSubscriptionID: subID,
		PeriodEnd:             inv.ServicePeriodEnd(),
	})
}

func (b *Billing) handleSubscription(ctx context.Context, event *stripelib.Event, kindFor func(*Subscription) (access.EventKind, bool)) error {
	var sub Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	kind, ok := kindFor(&sub)
	if !ok {
		log.Debug().
			Str("billing_subscription_id", sub.ID).
			Str("status", sub.Status).
			Msg("Subscription update carries no access change")
		return nil
	}
	ev := access.BillingEvent{Kind: kind, BillingSubscriptionID: sub.ID}
	if kind == access.EventReactivated {
		ev.PeriodEnd = sub.PeriodEnd()
	}
	return b.engine.HandleBillingEvent(ctx, ev)
}
