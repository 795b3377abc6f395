// Package billing reconciles billing provider events into entitlement
// snapshots. Events arrive at least once and in any order; every event id is
// applied at most once and older events never overwrite newer state.
package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
)

type EventType string

const (
	TypeSubscriptionCreated      EventType = "subscription.created"
	TypeSubscriptionUpdated      EventType = "subscription.updated"
	TypeSubscriptionDeleted      EventType = "subscription.deleted"
	TypeSubscriptionTrialWillEnd EventType = "subscription.trial_will_end"
	TypeInvoicePaymentSucceeded  EventType = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed     EventType = "invoice.payment_failed"
	TypeInvoiceUpcoming          EventType = "invoice.upcoming"
	TypeInvoiceFinalized         EventType = "invoice.finalized"
)

// KnownTypes lists every event type the reconciler accepts.
var KnownTypes = []EventType{
	TypeSubscriptionCreated,
	TypeSubscriptionUpdated,
	TypeSubscriptionDeleted,
	TypeSubscriptionTrialWillEnd,
	TypeInvoicePaymentSucceeded,
	TypeInvoicePaymentFailed,
	TypeInvoiceUpcoming,
	TypeInvoiceFinalized,
}

func (t EventType) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// NotificationOnly reports whether the type never changes snapshot state.
func (t EventType) NotificationOnly() bool {
	switch t {
	case TypeSubscriptionTrialWillEnd, TypeInvoiceUpcoming, TypeInvoiceFinalized:
		return true
	}
	return false
}

func (t EventType) isSubscription() bool {
	return strings.HasPrefix(string(t), "subscription.")
}

func (t EventType) isPayment() bool {
	return t == TypeInvoicePaymentSucceeded || t == TypeInvoicePaymentFailed
}

// Event is a provider-neutral billing event. ObjectRef is the external
// subscription id every event type correlates on.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	ObjectRef string          `json:"object_ref"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the envelope. It does not look at the payload.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return apperr.Validation("id", "event id is required")
	case !e.Type.Known():
		return apperr.Validation("type", "unsupported event type "+string(e.Type))
	case strings.TrimSpace(e.ObjectRef) == "":
		return apperr.Validation("object_ref", "object reference is required")
	case e.Timestamp.IsZero():
		return apperr.Validation("timestamp", "event timestamp is required")
	case len(e.Payload) == 0:
		return apperr.Validation("payload", "payload is required")
	}
	return nil
}

// SubscriptionPayload is the subscription object carried by subscription.*
// events, in the provider's wire shape.
type SubscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// PriceRef returns the price of the first subscription item, or "".
func (p SubscriptionPayload) PriceRef() string {
	if len(p.Items.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(p.Items.Data[0].Price.ID)
}

// PlanRef prefers an explicit plan slug in the price or subscription
// metadata and falls back to the price id.
func (p SubscriptionPayload) PlanRef() string {
	if len(p.Items.Data) > 0 {
		if slug := strings.TrimSpace(p.Items.Data[0].Price.Metadata["plan_slug"]); slug != "" {
			return slug
		}
	}
	if slug := strings.TrimSpace(p.Metadata["plan_slug"]); slug != "" {
		return slug
	}
	return p.PriceRef()
}

// OwnerUserID reads the owner from subscription metadata.
func (p SubscriptionPayload) OwnerUserID() (uuid.UUID, error) {
	raw := strings.TrimSpace(p.Metadata["owner_user_id"])
	if raw == "" {
		return uuid.Nil, apperr.Validation("metadata.owner_user_id", "owner user id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("metadata.owner_user_id", "owner user id is not a uuid")
	}
	return id, nil
}

// OrganizationName reads the requested organization name from metadata.
func (p SubscriptionPayload) OrganizationName() string {
	if name := strings.TrimSpace(p.Metadata["organization_name"]); name != "" {
		return name
	}
	return "My Organization"
}

// Dates returns the billing period fields. Newer provider API versions moved
// the current period onto the subscription items; both shapes are read.
func (p SubscriptionPayload) Dates() entitlement.Dates {
	start, end := p.CurrentPeriodStart, p.CurrentPeriodEnd
	if start == 0 && end == 0 && len(p.Items.Data) > 0 {
		start, end = p.Items.Data[0].CurrentPeriodStart, p.Items.Data[0].CurrentPeriodEnd
	}
	return entitlement.Dates{
		PeriodStart:       unixTime(start),
		PeriodEnd:         unixTime(end),
		TrialStart:        unixTime(p.TrialStart),
		TrialEnd:          unixTime(p.TrialEnd),
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
	}
}

// InvoicePayload is the invoice object carried by invoice.* events.
type InvoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionRef returns the subscription the invoice belongs to, reading
// both the legacy top-level field and the newer parent block.
func (p InvoicePayload) SubscriptionRef() string {
	if ref := strings.TrimSpace(p.Subscription); ref != "" {
		return ref
	}
	return strings.TrimSpace(p.Parent.SubscriptionDetails.Subscription)
}

// decoded is an event with its payload parsed. Exactly one of sub or inv is
// set.
type decoded struct {
	Event
	sub *SubscriptionPayload
	inv *InvoicePayload
}

func decode(ev Event) (decoded, error) {
	d := decoded{Event: ev}
	if ev.Type.isSubscription() {
		var sub SubscriptionPayload
		if err := json.Unmarshal(ev.Payload, &sub); err != nil {
			return decoded{}, apperr.Validation("payload", "undecodable subscription: "+err.Error())
		}
		if sub.ID != "" && sub.ID != ev.ObjectRef {
			return decoded{}, apperr.Validation("payload.id", "subscription id does not match object reference")
		}
		if ev.Type == TypeSubscriptionCreated || ev.Type == TypeSubscriptionUpdated {
			if !models.SubscriptionStatus(sub.Status).Valid() {
				return decoded{}, apperr.Validation("payload.status", "unknown subscription status "+sub.Status)
			}
		}
		if ev.Type == TypeSubscriptionCreated {
			if _, err := sub.OwnerUserID(); err != nil {
				return decoded{}, err
			}
		}
		d.sub = &sub
		return d, nil
	}

	var inv InvoicePayload
	if err := json.Unmarshal(ev.Payload, &inv); err != nil {
		return decoded{}, apperr.Validation("payload", "undecodable invoice: "+err.Error())
	}
	if ref := inv.SubscriptionRef(); ref != "" && ref != ev.ObjectRef {
		return decoded{}, apperr.Validation("payload.subscription", "invoice subscription does not match object reference")
	}
	if ev.Type.isPayment() && strings.TrimSpace(inv.ID) == "" {
		return decoded{}, apperr.Validation("payload.id", "invoice id is required")
	}
	d.inv = &inv
	return d, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
