package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/promotioncode"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeClient implements Client against the Stripe API. Construct one per
// process and pass it to the components that need it.
type StripeClient struct {
	cfg StripeConfig
}

func NewStripeClient(cfg StripeConfig) *StripeClient {
	stripe.Key = cfg.SecretKey
	return &StripeClient{cfg: cfg}
}

// CreateCustomer creates a Stripe customer tagged with our user id. The
// idempotency key is derived from the user id so a retried create returns
// the same customer instead of minting a second one.
func (c *StripeClient) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("customer-create-" + userID)
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("user_id", userID)

	cust, err := customer.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return cust.ID, nil
}

func (c *StripeClient) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, classify("retrieve subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *StripeClient) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	sess, err := checkoutsession.Get(id, params)
	if err != nil {
		return nil, classify("retrieve checkout session", err)
	}
	return fromStripeCheckoutSession(sess), nil
}

// LookupPromotionCode finds the promotion code matching the literal code
// string. Inactive codes are returned too; the validator decides why a code
// is unusable.
func (c *StripeClient) LookupPromotionCode(ctx context.Context, code string) (*PromotionCode, error) {
	params := &stripe.PromotionCodeListParams{
		Code: stripe.String(code),
	}
	params.Context = ctx
	iter := promotioncode.List(params)
	for iter.Next() {
		return fromStripePromotionCode(iter.PromotionCode()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list promotion codes", err)
	}
	return nil, fmt.Errorf("promotion code %q: %w", code, ErrNotFound)
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(uuid.NewString())
	if p.PromotionCodeID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{PromotionCode: stripe.String(p.PromotionCodeID)},
		}
	} else {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", classify("create checkout session", err)
	}
	return sess.URL, nil
}

func (c *StripeClient) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := portalsession.New(params)
	if err != nil {
		return "", classify("create billing portal session", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the payload signature and normalizes the event.
// Event families the processor does not handle come back with neither
// Session nor Subscription set.
func (c *StripeClient) ParseWebhook(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	switch {
	case strings.HasPrefix(out.Type, "checkout.session."):
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session payload: %v", ErrInvalid, err)
		}
		out.Session = fromStripeCheckoutSession(&sess)
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription payload: %v", ErrInvalid, err)
		}
		out.Subscription = fromStripeSubscription(&sub)
	}
	return out, nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if end := subscriptionPeriodEnd(sub); end > 0 {
		out.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return out
}

// subscriptionPeriodEnd extracts the latest period end across subscription
// items, falling back to cancel_at for subscriptions canceled at a future
// date.
func subscriptionPeriodEnd(sub *stripe.Subscription) int64 {
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 && sub.CancelAt > 0 {
		end = sub.CancelAt
	}
	return end
}

func fromStripeCheckoutSession(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:                sess.ID,
		Mode:              string(sess.Mode),
		PaymentStatus:     string(sess.PaymentStatus),
		ClientReferenceID: sess.ClientReferenceID,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
		// Status is empty when the subscription was not expanded; webhook
		// payloads carry only the id.
		if sess.Subscription.Status != "" {
			sub := fromStripeSubscription(sess.Subscription)
			if sub.CustomerID == "" {
				sub.CustomerID = out.CustomerID
			}
			out.Subscription = sub
		}
	}
	return out
}

func fromStripePromotionCode(pc *stripe.PromotionCode) *PromotionCode {
	out := &PromotionCode{
		ID:             pc.ID,
		Code:           pc.Code,
		Active:         pc.Active,
		MaxRedemptions: pc.MaxRedemptions,
		TimesRedeemed:  pc.TimesRedeemed,
	}
	if pc.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(pc.ExpiresAt, 0).UTC()
	}
	if pc.Coupon != nil {
		out.PercentOff = pc.Coupon.PercentOff
		out.AmountOff = pc.Coupon.AmountOff
		out.Currency = string(pc.Coupon.Currency)
		out.Duration = string(pc.Coupon.Duration)
		out.DurationInMonths = pc.Coupon.DurationInMonths
	}
	return out
}

// classify maps Stripe SDK errors onto the adapter's taxonomy: missing or
// invalid references are definitive, everything else is transient.
func classify(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		if serr.Type == stripe.ErrorTypeInvalidRequest {
			return fmt.Errorf("%s: %w", op, ErrInvalid)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
