// Package provider wraps the external billing provider behind a small
// normalized interface so the reconciliation core never touches provider SDK
// types directly. The only implementation is Stripe; the interface exists so
// the verifier, webhook processor and promo validator can be tested against
// fakes.
package provider

import (
	"context"
	"time"
)

// Subscription is the provider's current view of one subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string // raw provider status: active, trialing, past_due, canceled, unpaid, ...
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time // zero when the provider reported none
}

// CheckoutSession is the provider's view of a hosted checkout flow.
type CheckoutSession struct {
	ID                string
	Mode              string // "subscription" or "payment"
	PaymentStatus     string // "paid", "unpaid", "no_payment_required"
	CustomerID        string
	ClientReferenceID string // our user id, set at session creation
	SubscriptionID    string
	Subscription      *Subscription // populated when the session was retrieved with expansion
}

// PromotionCode is a redeemable discount code with its coupon terms.
type PromotionCode struct {
	ID               string
	Code             string
	Active           bool
	ExpiresAt        time.Time // zero means no expiry
	MaxRedemptions   int64     // zero means unlimited
	TimesRedeemed    int64
	PercentOff       float64
	AmountOff        int64
	Currency         string
	Duration         string // once, repeating, forever
	DurationInMonths int64
}

// Event is a signature-verified, normalized webhook event. Exactly one of
// Session or Subscription is set depending on the event family; both are nil
// for event types the processor does not recognize.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Session      *CheckoutSession
	Subscription *Subscription
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	UserID          string
	CustomerID      string
	PriceID         string
	SuccessURL      string
	CancelURL       string
	PromotionCodeID string // optional pre-validated discount
}

// Client is the billing provider adapter. Calls fail either with a
// definitive error (ErrNotFound, ErrInvalid — retrying cannot change the
// answer) or a transient one the caller may retry.
type Client interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	LookupPromotionCode(ctx context.Context, code string) (*PromotionCode, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ParseWebhook(payload []byte, sigHeader string) (*Event, error)
}
