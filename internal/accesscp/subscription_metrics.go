package accesscp

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

const subscriptionMetricsInterval = 30 * time.Second

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[registry.SubscriptionStatus]int, error)
}

func runSubscriptionMetrics(ctx context.Context, store statusCounter) {
	ticker := time.NewTicker(subscriptionMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateSubscriptionGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSubscriptionGauges(ctx, store)
		}
	}
}

func updateSubscriptionGauges(ctx context.Context, store statusCounter) {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update subscription status metrics")
		}
		return
	}

	seen := make(map[registry.SubscriptionStatus]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range registry.AllSubscriptionStatuses {
		seen[status] = struct{}{}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	// Record any unexpected statuses too (bounded by DB content).
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
