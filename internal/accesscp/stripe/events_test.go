package stripe

import (
	"encoding/json"
	"testing"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutSessionAccountID(t *testing.T) {
	tests := []struct {
		name    string
		session CheckoutSession
		want    int64
	}{
		{name: "metadata", session: CheckoutSession{Metadata: map[string]string{"account_id": "12"}}, want: 12},
		{name: "client-reference", session: CheckoutSession{ClientReferenceID: "7"}, want: 7},
		{name: "metadata-wins", session: CheckoutSession{Metadata: map[string]string{"account_id": "3"}, ClientReferenceID: "9"}, want: 3},
		{name: "garbage", session: CheckoutSession{Metadata: map[string]string{"account_id": "abc"}}, want: 0},
		{name: "negative", session: CheckoutSession{ClientReferenceID: "-1"}, want: 0},
		{name: "empty", session: CheckoutSession{}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.AccountID())
		})
	}
}

func TestInvoiceDecoding(t *testing.T) {
	var legacy Invoice
	require.NoError(t, json.Unmarshal([]byte(`{"id":"in_1","subscription":"sub_a","period_end":100,
		"lines":{"data":[{"period":{"end":2000}},{"period":{"end":3000}}]}}`), &legacy))
	assert.Equal(t, "sub_a", legacy.SubscriptionID())
	assert.Equal(t, int64(3000), legacy.ServicePeriodEnd())

	var current Invoice
	require.NoError(t, json.Unmarshal([]byte(`{"id":"in_2","parent":{"subscription_details":{"subscription":"sub_b"}}}`), &current))
	assert.Equal(t, "sub_b", current.SubscriptionID())
	assert.Equal(t, int64(0), current.ServicePeriodEnd())
}

func TestSubscriptionPeriodEnd(t *testing.T) {
	var sub Subscription
	require.NoError(t, json.Unmarshal([]byte(`{"id":"sub_1","status":"active","items":{"data":[{"current_period_end":500},{"current_period_end":900}]}}`), &sub))
	assert.Equal(t, int64(900), sub.PeriodEnd())

	legacy := Subscription{CurrentPeriodEnd: 1200}
	assert.Equal(t, int64(1200), legacy.PeriodEnd())
}

func TestEventKindForStatus(t *testing.T) {
	tests := []struct {
		status string
		want   access.EventKind
		ok     bool
	}{
		{"active", access.EventReactivated, true},
		{"trialing", access.EventReactivated, true},
		{"past_due", access.EventPastDue, true},
		{"unpaid", access.EventUnpaid, true},
		{"canceled", access.EventDeleted, true},
		{"incomplete_expired", access.EventExpired, true},
		{"incomplete", "", false},
		{"paused", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, ok := EventKindForStatus(tt.status)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSafeStripeID(t *testing.T) {
	assert.True(t, IsSafeStripeID("cs_test_a1B2c3"))
	assert.True(t, IsSafeStripeID("sub_1234"))
	assert.False(t, IsSafeStripeID("cs_"))
	assert.False(t, IsSafeStripeID("cs_test/../x"))
	assert.False(t, IsSafeStripeID("cs test"))
}
