// Package access reconciles billing state, local subscription records and
// premium role membership in the community guild.
//
// An account holds the premium role if and only if it has an active,
// non-lapsed subscription and a linked community account that is a member of
// the guild. Billing events, OAuth connects, disconnects and expiration checks
// all funnel through the transition table in transitions.go; role side
// effects are best-effort and never fail the billing-side write.
package access

import (
	"context"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

const (
	defaultAdapterTimeout = 10 * time.Second
	maxTransitionAttempts = 3
)

// Repository is the persistence surface the engine needs.
type Repository interface {
	GetAccount(ctx context.Context, id int64) (*registry.Account, error)
	GetAccountByCommunityID(ctx context.Context, communityID string) (*registry.Account, error)
	SetBillingCustomerID(ctx context.Context, id int64, customerID string) (bool, error)
	LinkCommunityAccount(ctx context.Context, id int64, communityID, username string) error
	UnlinkCommunityAccount(ctx context.Context, id int64) error

	InsertSubscription(ctx context.Context, s *registry.Subscription) (bool, error)
	GetSubscription(ctx context.Context, id int64) (*registry.Subscription, error)
	GetSubscriptionByBillingID(ctx context.Context, billingSubscriptionID string) (*registry.Subscription, error)
	GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*registry.Subscription, error)
	GetActiveSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error)
	GetLatestSubscription(ctx context.Context, accountID int64) (*registry.Subscription, error)
	TransitionSubscription(ctx context.Context, id int64, from, to registry.SubscriptionStatus, next *time.Time) (bool, error)
	ListActiveDueBefore(ctx context.Context, cutoff time.Time) ([]*registry.Subscription, error)
}

// Profile is the remote community identity returned after an OAuth exchange.
type Profile struct {
	ID            string
	Username      string
	Discriminator string
	GlobalName    string
	Avatar        string
}

// DisplayName renders the stored community display name. Accounts on the
// new username system have no discriminator (or "0").
func (p *Profile) DisplayName() string {
	if p.Discriminator == "" || p.Discriminator == "0" {
		return p.Username
	}
	return p.Username + "#" + p.Discriminator
}

// Member is the live guild view of a community account.
type Member struct {
	InGuild bool
	HasRole bool
}

// Community is the community platform adapter.
type Community interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
	// LookupMember reports a user outside the guild as Member{} with no error.
	LookupMember(ctx context.Context, userID string) (Member, error)
	// AddMemberWithRole joins the user to the guild with the premium role
	// attached. It reports false when the user was already a member, in which
	// case the role was not touched.
	AddMemberWithRole(ctx context.Context, userID, accessToken string) (bool, error)
	GrantRole(ctx context.Context, userID string) error
	// RevokeRole treats an already-absent member or role as success.
	RevokeRole(ctx context.Context, userID string) error
}

// BillingLookup resolves the paid-through time of a billing subscription, in
// seconds since the epoch. Zero means the processor did not report one.
type BillingLookup interface {
	SubscriptionPeriodEnd(ctx context.Context, billingSubscriptionID string) (int64, error)
}

// Service is the reconciliation engine.
type Service struct {
	repo      Repository
	community Community
	billing   BillingLookup
	now       func() time.Time
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests and one-shot tools.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAdapterTimeout bounds every community and billing adapter call.
func WithAdapterTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService wires the engine to its persistence and adapters.
func NewService(repo Repository, community Community, billing BillingLookup, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		community: community,
		billing:   billing,
		now:       func() time.Time { return time.Now().UTC() },
		timeout:   defaultAdapterTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// nextPaymentFrom converts a processor period end to a timestamp, falling
// back to one calendar month from now so an active row always expires.
func nextPaymentFrom(periodEnd int64, now time.Time) time.Time {
	if periodEnd <= 0 {
		return now.AddDate(0, 1, 0).UTC()
	}
	return time.Unix(periodEnd, 0).UTC()
}
