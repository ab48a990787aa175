package stripe

import (
	"strconv"
	"strings"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
)

const metadataAccountID = "account_id"

// Event types the service acts on.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionPastDue     = "customer.subscription.past_due"
	EventSubscriptionUnpaid      = "customer.subscription.unpaid"
)

// CheckoutSession is a minimal representation of a checkout.session object.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// AccountID returns the account the session was opened for, from metadata
// or the client reference id. Zero when neither parses.
func (s *CheckoutSession) AccountID() int64 {
	for _, raw := range []string{s.Metadata[metadataAccountID], s.ClientReferenceID} {
		if id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

// Invoice is a minimal representation of an invoice object. Newer API
// versions moved the subscription id under parent.subscription_details.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodEnd int64 `json:"period_end"`
	Lines     struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the billing subscription the invoice belongs to.
func (inv *Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(inv.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
}

// ServicePeriodEnd returns the end of the period the invoice pays for: the
// latest line item period end. The invoice's own period_end describes the
// previous billing cycle and is not used.
func (inv *Invoice) ServicePeriodEnd() int64 {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return end
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// PeriodEnd returns the paid-through time, preferring item-level periods.
func (s *Subscription) PeriodEnd() int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

// EventKindForStatus maps a subscription status from an updated event to
// the engine event it implies. ok is false for statuses that change nothing.
func EventKindForStatus(status string) (kind access.EventKind, ok bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return access.EventReactivated, true
	case "past_due":
		return access.EventPastDue, true
	case "unpaid":
		return access.EventUnpaid, true
	case "canceled":
		return access.EventDeleted, true
	case "incomplete_expired":
		return access.EventExpired, true
	default:
		return "", false
	}
}
