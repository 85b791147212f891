package model

import (
	"errors"
	"time"
)

// Status is the locally authoritative subscription state. It is the only
// field access control reads.
type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusInactive  Status = "inactive"
)

// Paid reports whether the status grants paid access.
func (s Status) Paid() bool {
	return s == StatusActive || s == StatusCanceling
}

// SubscriptionRecord is the locally stored view of a user's billing state,
// one row per user. OrderingToken is the unix time of the provider
// observation that produced the current state; writes carrying an older
// token are rejected by the store.
type SubscriptionRecord struct {
	UserID               string     `json:"user_id"`
	StripeCustomerID     *string    `json:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id"`
	Status               Status     `json:"status"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	OrderingToken        int64      `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RecordState is a provider-derived target state for a single conditional
// write. All three writers (verifier, webhook processor, sweep) produce one
// of these and hand it to the store.
type RecordState struct {
	Status               Status
	StripeSubscriptionID *string
	CancelAtPeriodEnd    bool
	CurrentPeriodEnd     *time.Time
	Token                int64
}

var (
	ErrMissingSubscriptionID = errors.New("paid status requires a subscription id")
	ErrMissingPeriodEnd      = errors.New("canceling status requires a period end")
)

// Validate enforces the record invariants before a state reaches the store:
// a paid status must reference a concrete provider subscription, and a
// canceling status must know when its paid window ends.
func (st RecordState) Validate() error {
	if st.Status.Paid() && (st.StripeSubscriptionID == nil || *st.StripeSubscriptionID == "") {
		return ErrMissingSubscriptionID
	}
	if st.Status == StatusCanceling && st.CurrentPeriodEnd == nil {
		return ErrMissingPeriodEnd
	}
	return nil
}
