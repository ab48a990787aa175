package access

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

const (
	ExpirationSourceRequest = "request"
	ExpirationSourceSweep   = "sweep"
)

// ActiveSubscription returns the account's active subscription, or nil. A row
// still marked active past its next-payment time is expired first and nil is
// returned for it.
func (s *Service) ActiveSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup active subscription: %w", err)
	}
	if sub == nil {
		return nil, nil
	}
	if !sub.IsLapsed(s.now()) {
		return sub, nil
	}
	if _, err := s.expire(ctx, sub, ExpirationSourceRequest); err != nil {
		return nil, err
	}
	return nil, nil
}

// LatestSubscription returns the most recent subscription row of the account
// with the same lapse check applied.
func (s *Service) LatestSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error) {
	sub, err := s.repo.GetLatestSubscription(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup latest subscription: %w", err)
	}
	if sub == nil || !sub.IsLapsed(s.now()) {
		return sub, nil
	}
	return s.expire(ctx, sub, ExpirationSourceRequest)
}

// SweepExpired expires every active subscription whose paid period has ended
// and returns how many were moved.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	due, err := s.repo.ListActiveDueBefore(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expiredCount := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			return expiredCount, ctx.Err()
		}
		updated, err := s.expire(ctx, sub, ExpirationSourceSweep)
		if err != nil {
			log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Expiration sweep: failed to expire subscription")
			continue
		}
		if updated != nil && updated.Status == registry.SubscriptionExpired {
			expiredCount++
		}
	}
	return expiredCount, nil
}

func (s *Service) expire(ctx context.Context, sub *registry.Subscription, source string) (*registry.Subscription, error) {
	log.Info().
		Int64("subscription_id", sub.ID).
		Int64("account_id", sub.AccountID).
		Time("next_payment_at", *sub.NextPaymentAt).
		Str("source", source).
		Msg("Subscription past its paid period, expiring")

	updated, err := s.apply(ctx, sub, EventExpired, 0)
	if err != nil {
		return nil, fmt.Errorf("expire subscription %d: %w", sub.ID, err)
	}
	if updated.Status == registry.SubscriptionExpired {
		cpmetrics.Expirations.WithLabelValues(source).Inc()
	}
	return updated, nil
}

// Sweeper periodically runs SweepExpired.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("Expiration sweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiration sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	n, err := w.service.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Expiration sweep failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("Expiration sweep completed")
	}
}
