package access

import (
	"slices"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
)

// EventKind is a normalized billing-side event the engine reacts to.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPastDue          EventKind = "past_due"
	EventUnpaid           EventKind = "unpaid"
	EventDeleted          EventKind = "deleted"
	EventReactivated      EventKind = "reactivated"
	EventExpired          EventKind = "expired"
)

// Effect is the community-side consequence of a transition.
type Effect int

const (
	EffectNone Effect = iota
	// EffectEnsureGranted grants the premium role when the linked member is in
	// the guild and lacks it. Members outside the guild are deferred until
	// their next connect.
	EffectEnsureGranted
	// EffectEnsureRevoked removes the premium role when it is held.
	EffectEnsureRevoked
)

func (e Effect) String() string {
	switch e {
	case EffectEnsureGranted:
		return "ensure_granted"
	case EffectEnsureRevoked:
		return "ensure_revoked"
	default:
		return "none"
	}
}

type transitionKey struct {
	From  registry.SubscriptionStatus
	Event EventKind
}

// Transition is the outcome of an event applied to a status.
type Transition struct {
	To     registry.SubscriptionStatus
	Effect Effect
}

const (
	inactive  = registry.SubscriptionInactive
	active    = registry.SubscriptionActive
	cancelled = registry.SubscriptionCancelled
	pastDue   = registry.SubscriptionPastDue
	unpaid    = registry.SubscriptionUnpaid
	expired   = registry.SubscriptionExpired
)

// transitions is the complete status/effect table. Pairs that are absent are
// ignored (logged and acknowledged).
var transitions = map[transitionKey]Transition{
	// Renewals and recovered payments.
	{active, EventPaymentSucceeded}:   {active, EffectNone},
	{pastDue, EventPaymentSucceeded}:  {active, EffectEnsureGranted},
	{unpaid, EventPaymentSucceeded}:   {active, EffectEnsureGranted},
	{inactive, EventPaymentSucceeded}: {active, EffectEnsureGranted},
	{expired, EventPaymentSucceeded}:  {active, EffectEnsureGranted},

	// The processor retries failed payments; access stays as is.
	{active, EventPaymentFailed}:    {active, EffectNone},
	{pastDue, EventPaymentFailed}:   {pastDue, EffectNone},
	{unpaid, EventPaymentFailed}:    {unpaid, EffectNone},
	{inactive, EventPaymentFailed}:  {inactive, EffectNone},
	{expired, EventPaymentFailed}:   {expired, EffectNone},
	{cancelled, EventPaymentFailed}: {cancelled, EffectNone},

	{active, EventPastDue}:  {pastDue, EffectEnsureRevoked},
	{pastDue, EventPastDue}: {pastDue, EffectEnsureRevoked},
	{unpaid, EventPastDue}:  {pastDue, EffectEnsureRevoked},
	{expired, EventPastDue}: {pastDue, EffectEnsureRevoked},

	{active, EventUnpaid}:  {unpaid, EffectEnsureRevoked},
	{pastDue, EventUnpaid}: {unpaid, EffectEnsureRevoked},
	{unpaid, EventUnpaid}:  {unpaid, EffectEnsureRevoked},
	{expired, EventUnpaid}: {unpaid, EffectEnsureRevoked},

	{inactive, EventDeleted}:  {cancelled, EffectEnsureRevoked},
	{active, EventDeleted}:    {cancelled, EffectEnsureRevoked},
	{pastDue, EventDeleted}:   {cancelled, EffectEnsureRevoked},
	{unpaid, EventDeleted}:    {cancelled, EffectEnsureRevoked},
	{expired, EventDeleted}:   {cancelled, EffectEnsureRevoked},
	{cancelled, EventDeleted}: {cancelled, EffectEnsureRevoked},

	{active, EventReactivated}:   {active, EffectNone},
	{pastDue, EventReactivated}:  {active, EffectEnsureGranted},
	{unpaid, EventReactivated}:   {active, EffectEnsureGranted},
	{expired, EventReactivated}:  {active, EffectEnsureGranted},
	{inactive, EventReactivated}: {active, EffectEnsureGranted},

	{active, EventExpired}:  {expired, EffectEnsureRevoked},
	{pastDue, EventExpired}: {expired, EffectEnsureRevoked},
	{unpaid, EventExpired}:  {expired, EffectEnsureRevoked},
}

// Lookup returns the transition for an event applied to a status.
func Lookup(from registry.SubscriptionStatus, event EventKind) (Transition, bool) {
	t, ok := transitions[transitionKey{From: from, Event: event}]
	return t, ok
}

// EventsFrom returns the events that have a transition out of a status.
func EventsFrom(from registry.SubscriptionStatus) []EventKind {
	events := make([]EventKind, 0)
	for k := range transitions {
		if k.From == from {
			events = append(events, k.Event)
		}
	}
	slices.Sort(events)
	return events
}
