package registry

import "time"

// Account is the identity record a subscription and a community link hang off.
type Account struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	Verified          bool      `json:"verified"`
	CommunityID       *string   `json:"community_id,omitempty"`
	CommunityUsername *string   `json:"community_username,omitempty"`
	BillingCustomerID *string   `json:"billing_customer_id,omitempty"`
	ActivationToken   *string   `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasCommunity reports whether a community account is linked.
func (a *Account) HasCommunity() bool {
	return a != nil && a.CommunityID != nil && *a.CommunityID != ""
}

// SubscriptionStatus is the local lifecycle state of a billing relationship.
type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionUnpaid    SubscriptionStatus = "unpaid"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// AllSubscriptionStatuses lists every status in display order.
var AllSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionInactive,
	SubscriptionActive,
	SubscriptionPastDue,
	SubscriptionUnpaid,
	SubscriptionCancelled,
	SubscriptionExpired,
}

// Subscription is one billing relationship. An account may own many rows over
// time; at most one of them is active.
type Subscription struct {
	ID                    int64              `json:"id"`
	AccountID             int64              `json:"account_id"`
	Status                SubscriptionStatus `json:"status"`
	BillingCustomerID     string             `json:"billing_customer_id"`
	BillingSubscriptionID string             `json:"billing_subscription_id"`
	NextPaymentAt         *time.Time         `json:"next_payment_at,omitempty"`
	CheckoutSessionID     *string            `json:"checkout_session_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// IsLapsed reports whether an active row has run past its paid period.
func (s *Subscription) IsLapsed(now time.Time) bool {
	return s != nil && s.Status == SubscriptionActive && s.NextPaymentAt != nil && s.NextPaymentAt.Before(now)
}
