package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hugh/tenantgate/internal/apperr"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var stripeTypes = map[stripelib.EventType]EventType{
	"customer.subscription.created":        TypeSubscriptionCreated,
	"customer.subscription.updated":        TypeSubscriptionUpdated,
	"customer.subscription.deleted":        TypeSubscriptionDeleted,
	"customer.subscription.trial_will_end": TypeSubscriptionTrialWillEnd,
	"invoice.payment_succeeded":            TypeInvoicePaymentSucceeded,
	"invoice.payment_failed":               TypeInvoicePaymentFailed,
	"invoice.upcoming":                     TypeInvoiceUpcoming,
	"invoice.finalized":                    TypeInvoiceFinalized,
}

// VerifyStripe checks the Stripe-Signature header of a webhook body and
// returns the parsed event.
func VerifyStripe(payload []byte, sigHeader, secret string) (stripelib.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, fmt.Errorf("verifying webhook signature: %w", err)
	}
	return event, nil
}

// FromStripe normalizes a Stripe event. ok is false for event types the
// reconciler does not handle and for invoices that belong to no
// subscription. When err is set, ev still carries the envelope (id, type,
// timestamp, raw object) so the event can be held for replay.
func FromStripe(se stripelib.Event) (ev Event, ok bool, err error) {
	t, ok := stripeTypes[se.Type]
	if !ok {
		return Event{}, false, nil
	}

	ev = Event{
		ID:        se.ID,
		Type:      t,
		Timestamp: time.Unix(se.Created, 0).UTC(),
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return ev, true, apperr.Validation("data", "event carries no object")
	}
	ev.Payload = json.RawMessage(se.Data.Raw)

	if t.isSubscription() {
		var sub SubscriptionPayload
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, true, apperr.Validation("data", "undecodable subscription: "+err.Error())
		}
		ev.ObjectRef = strings.TrimSpace(sub.ID)
	} else {
		var inv InvoicePayload
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return ev, true, apperr.Validation("data", "undecodable invoice: "+err.Error())
		}
		ev.ObjectRef = inv.SubscriptionRef()
		if ev.ObjectRef == "" {
			// One-off invoices carry no entitlement.
			return Event{}, false, nil
		}
	}

	return ev, true, ev.Validate()
}
