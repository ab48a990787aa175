package accesscp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

func newMetricsTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createMetricsTestSubscription(t *testing.T, reg *registry.Registry, n int, status registry.SubscriptionStatus) {
	t.Helper()

	ctx := context.Background()
	account := &registry.Account{Email: fmt.Sprintf("metrics-%d@example.com", n)}
	if err := reg.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	next := time.Now().Add(24 * time.Hour)
	if _, err := reg.InsertSubscription(ctx, &registry.Subscription{
		AccountID:             account.ID,
		Status:                status,
		BillingSubscriptionID: fmt.Sprintf("sub_metrics_%d", n),
		NextPaymentAt:         &next,
	}); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}
}

func subscriptionGaugeValue(status registry.SubscriptionStatus) float64 {
	return testutil.ToFloat64(cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)))
}

func TestUpdateSubscriptionGauges_KnownAndUnexpectedStatuses(t *testing.T) {
	reg := newMetricsTestRegistry(t)

	unexpected := registry.SubscriptionStatus("unexpected_status_label")

	createMetricsTestSubscription(t, reg, 1, registry.SubscriptionActive)
	createMetricsTestSubscription(t, reg, 2, registry.SubscriptionActive)
	createMetricsTestSubscription(t, reg, 3, registry.SubscriptionPastDue)
	createMetricsTestSubscription(t, reg, 4, unexpected)

	updateSubscriptionGauges(context.Background(), reg)

	if got := subscriptionGaugeValue(registry.SubscriptionActive); got != 2 {
		t.Fatalf("active gauge = %v, want 2", got)
	}
	if got := subscriptionGaugeValue(registry.SubscriptionPastDue); got != 1 {
		t.Fatalf("past_due gauge = %v, want 1", got)
	}
	if got := subscriptionGaugeValue(registry.SubscriptionExpired); got != 0 {
		t.Fatalf("expired gauge = %v, want 0", got)
	}
	if got := subscriptionGaugeValue(unexpected); got != 1 {
		t.Fatalf("unexpected status gauge = %v, want 1", got)
	}
}

type failingCounter struct{}

func (failingCounter) CountByStatus(context.Context) (map[registry.SubscriptionStatus]int, error) {
	return nil, errors.New("db down")
}

func TestUpdateSubscriptionGauges_ErrorKeepsPreviousValues(t *testing.T) {
	reg := newMetricsTestRegistry(t)
	createMetricsTestSubscription(t, reg, 1, registry.SubscriptionUnpaid)
	updateSubscriptionGauges(context.Background(), reg)

	updateSubscriptionGauges(context.Background(), failingCounter{})

	if got := subscriptionGaugeValue(registry.SubscriptionUnpaid); got != 1 {
		t.Fatalf("unpaid gauge = %v, want previous value 1", got)
	}
}

func TestRunSubscriptionMetricsStopsOnCancel(t *testing.T) {
	reg := newMetricsTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runSubscriptionMetrics(ctx, reg)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runSubscriptionMetrics did not return after cancel")
	}
}
