// Package types defines the domain model, error taxonomy, and context
// plumbing shared by every layer of the service. It has no dependencies on
// other internal packages.
package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubscriptionStatus is the local subscription lifecycle state. The set of
// values mirrors Stripe's subscription statuses exactly; mapping from the
// provider's strings happens in one place (billing.MapSubscriptionStatus)
// and fails loudly on anything outside this set.
type SubscriptionStatus string

const (
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// OrderStatus is the state of a one-time-payment order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// CheckoutMode selects between a recurring subscription and a one-time payment.
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// Valid reports whether the mode is one of the two supported checkout modes.
func (m CheckoutMode) Valid() bool {
	return m == ModeSubscription || m == ModePayment
}

// CustomerMapping binds an application user to a Stripe customer identity.
// At most one non-soft-deleted mapping exists per user; the Stripe customer
// id is globally unique among non-deleted mappings. Rows are never hard
// deleted -- removal is a DeletedAt timestamp.
type CustomerMapping struct {
	ID               string
	UserID           string
	StripeCustomerID string
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subscription is the local mirror of a Stripe subscription. One row per
// distinct subscription the customer has ever had, keyed by
// StripeSubscriptionID. Rows are never deleted; cancellation is a status
// transition.
type Subscription struct {
	ID                   string
	CustomerMappingID    string
	StripeSubscriptionID string
	Status               SubscriptionStatus
	PriceID              string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
	Metadata             Metadata
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Order records one completed one-time-payment checkout. Immutable after
// insert except for status corrections. CustomerMappingID is nullable so
// the row survives a later mapping removal.
type Order struct {
	ID                    string
	CustomerMappingID     *string
	StripeSessionID       string
	StripePaymentIntentID string
	Amount                int64 // minor currency units
	Currency              string
	Status                OrderStatus
	Metadata              Metadata
	PurchasedAt           time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Metadata is a free-form string map persisted as JSONB.
type Metadata map[string]string

// Compile-time interface assertions: catch signature drift at build time.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// Scan implements sql.Scanner for reading JSONB from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer for writing JSONB to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// CheckoutResult is what the checkout initiator hands back to the caller:
// enough to redirect the browser and correlate the eventual webhook.
type CheckoutResult struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	StripeCustomerID string `json:"customer_id"`
}
