package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
)

// CheckoutCompleted carries the fields of a completed checkout session.
type CheckoutCompleted struct {
	SessionID             string
	AccountID             int64
	BillingCustomerID     string
	BillingSubscriptionID string
}

// BillingEvent is a normalized billing notification for an existing
// subscription.
type BillingEvent struct {
	Kind                  EventKind
	BillingSubscriptionID string
	// PeriodEnd is the paid-through time in epoch seconds, zero when absent.
	PeriodEnd int64
}

// HandleCheckoutCompleted creates the active subscription for a completed
// checkout. Redelivery of the same session is a no-op and reports false.
// Errors from the billing lookup are returned so the processor redelivers.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, in CheckoutCompleted) (bool, error) {
	logger := log.With().
		Str("checkout_session_id", in.SessionID).
		Int64("account_id", in.AccountID).
		Str("billing_subscription_id", in.BillingSubscriptionID).
		Logger()

	if in.SessionID == "" || in.BillingSubscriptionID == "" {
		return false, fmt.Errorf("checkout completed: session and subscription ids are required: %w", internalerrors.ErrInvalidInput)
	}

	existing, err := s.repo.GetSubscriptionBySessionID(ctx, in.SessionID)
	if err != nil {
		return false, fmt.Errorf("lookup subscription by session: %w", err)
	}
	if existing != nil {
		logger.Info().Int64("subscription_id", existing.ID).Msg("Checkout session already processed, skipping")
		return false, nil
	}

	account, err := s.repo.GetAccount(ctx, in.AccountID)
	if err != nil {
		return false, fmt.Errorf("lookup account: %w", err)
	}
	if account == nil {
		logger.Error().Msg("Checkout completed for unknown account, acknowledging")
		return false, nil
	}

	lookupCtx, cancel := s.adapterContext(ctx)
	periodEnd, err := s.billing.SubscriptionPeriodEnd(lookupCtx, in.BillingSubscriptionID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("retrieve billing subscription %s: %w", in.BillingSubscriptionID, err)
	}
	now := s.now()
	next := nextPaymentFrom(periodEnd, now)

	if in.BillingCustomerID != "" {
		if _, err := s.repo.SetBillingCustomerID(ctx, account.ID, in.BillingCustomerID); err != nil {
			if !errors.Is(err, internalerrors.ErrConflict) {
				return false, fmt.Errorf("record billing customer: %w", err)
			}
			logger.Warn().Err(err).Str("billing_customer_id", in.BillingCustomerID).Msg("Billing customer already belongs to another account")
		}
	}

	if err := s.supersedeActive(ctx, account.ID, in.BillingSubscriptionID); err != nil {
		return false, err
	}

	sessionID := in.SessionID
	sub := &registry.Subscription{
		AccountID:             account.ID,
		Status:                registry.SubscriptionActive,
		BillingCustomerID:     in.BillingCustomerID,
		BillingSubscriptionID: in.BillingSubscriptionID,
		NextPaymentAt:         &next,
		CheckoutSessionID:     &sessionID,
	}
	created, err := s.repo.InsertSubscription(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("create subscription: %w", err)
	}
	if !created {
		logger.Info().Msg("Subscription for checkout already exists, skipping")
		return false, nil
	}
	cpmetrics.SubscriptionTransitions.WithLabelValues(string(registry.SubscriptionInactive), string(registry.SubscriptionActive)).Inc()

	logger.Info().
		Int64("subscription_id", sub.ID).
		Time("next_payment_at", next).
		Msg("Subscription activated from checkout")

	if account.HasCommunity() {
		s.ensureGranted(ctx, account, "checkout_completed")
	} else {
		logger.Info().Msg("No community account linked, role deferred until connect")
	}
	return true, nil
}

// supersedeActive cancels any other active row of the account so the kept
// one is the only active subscription.
func (s *Service) supersedeActive(ctx context.Context, accountID int64, keepBillingID string) error {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		prev, err := s.repo.GetActiveSubscription(ctx, accountID)
		if err != nil {
			return fmt.Errorf("lookup active subscription: %w", err)
		}
		if prev == nil || prev.BillingSubscriptionID == keepBillingID {
			return nil
		}
		ok, err := s.repo.TransitionSubscription(ctx, prev.ID, registry.SubscriptionActive, registry.SubscriptionCancelled, nil)
		if err != nil {
			return err
		}
		if ok {
			cpmetrics.SubscriptionTransitions.WithLabelValues(string(registry.SubscriptionActive), string(registry.SubscriptionCancelled)).Inc()
			log.Warn().
				Int64("account_id", accountID).
				Int64("subscription_id", prev.ID).
				Str("billing_subscription_id", prev.BillingSubscriptionID).
				Msg("Superseded previous active subscription")
		}
	}
	return nil
}

// HandleBillingEvent applies a billing event to the subscription it names.
// Events for unknown subscriptions are logged and acknowledged.
func (s *Service) HandleBillingEvent(ctx context.Context, ev BillingEvent) error {
	if ev.BillingSubscriptionID == "" {
		log.Warn().Str("event", string(ev.Kind)).Msg("Billing event without subscription id, ignoring")
		return nil
	}
	sub, err := s.repo.GetSubscriptionByBillingID(ctx, ev.BillingSubscriptionID)
	if err != nil {
		return fmt.Errorf("lookup subscription %s: %w", ev.BillingSubscriptionID, err)
	}
	if sub == nil {
		log.Warn().
			Str("event", string(ev.Kind)).
			Str("billing_subscription_id", ev.BillingSubscriptionID).
			Msg("Billing event for unknown subscription, acknowledging")
		return nil
	}
	if ev.Kind == EventPaymentFailed {
		log.Warn().
			Int64("subscription_id", sub.ID).
			Int64("account_id", sub.AccountID).
			Msg("Invoice payment failed, processor will retry")
	}

	_, err = s.apply(ctx, sub, ev.Kind, ev.PeriodEnd)
	return err
}

// apply runs one event through the transition table with a compare-and-set
// write, retrying on a concurrent status change. It returns the row as
// written (or as found when the event does not apply).
func (s *Service) apply(ctx context.Context, sub *registry.Subscription, kind EventKind, periodEnd int64) (*registry.Subscription, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		// A concurrent renewal may have moved the paid period forward.
		if kind == EventExpired && sub.Status == registry.SubscriptionActive && sub.NextPaymentAt != nil && !sub.IsLapsed(s.now()) {
			return sub, nil
		}
		t, ok := Lookup(sub.Status, kind)
		if !ok {
			log.Debug().
				Int64("subscription_id", sub.ID).
				Str("status", string(sub.Status)).
				Str("event", string(kind)).
				Msg("Event does not apply to subscription status, ignoring")
			return sub, nil
		}

		var next *time.Time
		if t.To == registry.SubscriptionActive {
			var ts time.Time
			switch {
			case periodEnd > 0:
				ts = nextPaymentFrom(periodEnd, s.now())
			case sub.Status != registry.SubscriptionActive && (sub.NextPaymentAt == nil || !sub.NextPaymentAt.After(s.now())):
				ts = nextPaymentFrom(0, s.now())
			}
			// The paid-through time only moves forward; an older invoice
			// delivered after a renewal keeps the stored value.
			if !ts.IsZero() && (sub.NextPaymentAt == nil || ts.After(*sub.NextPaymentAt)) {
				next = &ts
			}
		}

		if t.To == registry.SubscriptionActive && sub.Status != registry.SubscriptionActive {
			if err := s.supersedeActive(ctx, sub.AccountID, sub.BillingSubscriptionID); err != nil {
				return nil, err
			}
		}

		if t.To != sub.Status || next != nil {
			written, err := s.repo.TransitionSubscription(ctx, sub.ID, sub.Status, t.To, next)
			if err != nil {
				return nil, err
			}
			if !written {
				fresh, err := s.repo.GetSubscription(ctx, sub.ID)
				if err != nil {
					return nil, fmt.Errorf("reload subscription %d: %w", sub.ID, err)
				}
				if fresh == nil {
					return nil, fmt.Errorf("reload subscription %d: %w", sub.ID, internalerrors.ErrNotFound)
				}
				sub = fresh
				continue
			}
			if t.To != sub.Status {
				cpmetrics.SubscriptionTransitions.WithLabelValues(string(sub.Status), string(t.To)).Inc()
				log.Info().
					Int64("subscription_id", sub.ID).
					Int64("account_id", sub.AccountID).
					Str("from", string(sub.Status)).
					Str("to", string(t.To)).
					Str("event", string(kind)).
					Msg("Subscription status changed")
			}
			updated := *sub
			updated.Status = t.To
			if next != nil {
				updated.NextPaymentAt = next
			}
			sub = &updated
		}

		s.applyEffect(ctx, sub, t.Effect, string(kind))
		return sub, nil
	}
	return nil, fmt.Errorf("subscription %d changed concurrently %d times: %w", sub.ID, maxTransitionAttempts, internalerrors.ErrConflict)
}

func (s *Service) applyEffect(ctx context.Context, sub *registry.Subscription, effect Effect, reason string) {
	if effect == EffectNone {
		return
	}
	account, err := s.repo.GetAccount(ctx, sub.AccountID)
	if err != nil {
		log.Error().Err(err).Int64("account_id", sub.AccountID).Msg("Failed to load account for role reconciliation")
		return
	}
	if !account.HasCommunity() {
		return
	}
	switch effect {
	case EffectEnsureGranted:
		s.ensureGranted(ctx, account, reason)
	case EffectEnsureRevoked:
		s.ensureRevoked(ctx, account, reason)
	}
}
