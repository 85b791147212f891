// Package webhook applies the provider's event stream to the subscription
// record store. Processing is idempotent (event ids are recorded, and every
// state write is conditional on the ordering token) and tolerates
// out-of-order delivery: stale events are discarded and logged, never
// applied and never errored.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/somniary/somniary/internal/billing/model"
	"github.com/somniary/somniary/internal/billing/provider"
)

type RecordStore interface {
	GetByCustomerID(customerID string) (*model.SubscriptionRecord, error)
	BindCustomer(userID, customerID string) (bool, error)
	Apply(userID string, st model.RecordState) (bool, error)
}

type EventStore interface {
	Seen(eventID string) (bool, error)
	MarkProcessed(eventID, eventType string) error
}

type Processor struct {
	provider provider.Client
	records  RecordStore
	events   EventStore
	log      *slog.Logger
	now      func() time.Time
}

func New(p provider.Client, records RecordStore, events EventStore, log *slog.Logger) *Processor {
	return &Processor{
		provider: p,
		records:  records,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// Process applies one verified webhook event. A returned error means the
// event was not fully applied and the provider should redeliver it; all
// definitive oddities (unknown customer, unrecognized status, stale event)
// are logged and acknowledged so the provider stops retrying.
func (p *Processor) Process(ctx context.Context, evt *provider.Event) error {
	seen, err := p.events.Seen(evt.ID)
	if err != nil {
		return fmt.Errorf("check event id: %w", err)
	}
	if seen {
		p.log.Debug("duplicate webhook delivery ignored", "event_id", evt.ID, "type", evt.Type)
		return nil
	}

	switch evt.Type {
	case "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, evt)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		err = p.handleSubscriptionChanged(evt)
	default:
		p.log.Debug("webhook ignored", "event_id", evt.ID, "type", evt.Type)
	}
	if err != nil {
		return err
	}

	// Marked only after success; a crash in between means redelivery, which
	// the conditional store write absorbs.
	if err := p.events.MarkProcessed(evt.ID, evt.Type); err != nil {
		return err
	}
	return nil
}

// handleCheckoutCompleted mirrors the synchronous verifier for defense in
// depth: the webhook may arrive before, after, or instead of the user's own
// confirmation call.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, evt *provider.Event) error {
	sess := evt.Session
	if sess == nil || sess.CustomerID == "" {
		p.log.Warn("checkout completed event without customer", "event_id", evt.ID)
		return nil
	}

	userID := sess.ClientReferenceID
	if userID == "" {
		rec, err := p.records.GetByCustomerID(sess.CustomerID)
		if err != nil {
			return err
		}
		if rec == nil {
			p.log.Warn("checkout completed for unknown customer",
				"event_id", evt.ID, "customer_id", sess.CustomerID)
			return nil
		}
		userID = rec.UserID
	}

	bound, err := p.records.BindCustomer(userID, sess.CustomerID)
	if err != nil {
		return err
	}
	if !bound {
		p.log.Warn("checkout completed customer mismatch",
			"event_id", evt.ID, "user_id", userID, "customer_id", sess.CustomerID)
		return nil
	}

	if sess.Mode != "subscription" || sess.PaymentStatus != "paid" || sess.SubscriptionID == "" {
		return nil
	}

	sub := sess.Subscription
	if sub == nil {
		// Webhook payloads carry the subscription as a bare id; fetch the
		// provider's current view of it.
		sub, err = p.provider.RetrieveSubscription(ctx, sess.SubscriptionID)
		if err != nil {
			if provider.IsDefinitive(err) {
				p.log.Warn("checkout subscription not retrievable",
					"event_id", evt.ID, "subscription_id", sess.SubscriptionID, "error", err)
				return nil
			}
			return err
		}
	}

	st, ok := p.mapState(sub, evt.Created.Unix())
	if !ok {
		p.log.Info("checkout subscription in unhandled status",
			"event_id", evt.ID, "subscription_id", sub.ID, "provider_status", sub.Status)
		return nil
	}
	return p.apply(evt, userID, st)
}

func (p *Processor) handleSubscriptionChanged(evt *provider.Event) error {
	sub := evt.Subscription
	if sub == nil || sub.ID == "" {
		p.log.Warn("subscription event without subscription", "event_id", evt.ID)
		return nil
	}
	if sub.CustomerID == "" {
		p.log.Warn("subscription event without customer", "event_id", evt.ID, "subscription_id", sub.ID)
		return nil
	}

	rec, err := p.records.GetByCustomerID(sub.CustomerID)
	if err != nil {
		return err
	}
	if rec == nil {
		p.log.Warn("subscription event for unknown customer",
			"event_id", evt.ID, "customer_id", sub.CustomerID)
		return nil
	}

	st, ok := p.mapState(sub, evt.Created.Unix())
	if !ok {
		p.log.Info("unhandled provider status",
			"event_id", evt.ID, "subscription_id", sub.ID, "provider_status", sub.Status)
		return nil
	}
	return p.apply(evt, rec.UserID, st)
}

func (p *Processor) apply(evt *provider.Event, userID string, st model.RecordState) error {
	applied, err := p.records.Apply(userID, st)
	if err != nil {
		return fmt.Errorf("apply event %s: %w", evt.ID, err)
	}
	if !applied {
		p.log.Debug("stale webhook discarded",
			"event_id", evt.ID, "user_id", userID, "token", st.Token)
	}
	return nil
}

// mapState maps a provider subscription status onto the local state machine.
// The second return is false for statuses the processor does not act on.
func (p *Processor) mapState(sub *provider.Subscription, token int64) (model.RecordState, bool) {
	id := sub.ID
	var periodEnd *time.Time
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		periodEnd = &end
	}

	switch sub.Status {
	case "active", "trialing":
		return model.RecordState{
			Status:               model.StatusActive,
			StripeSubscriptionID: &id,
			CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
			CurrentPeriodEnd:     periodEnd,
			Token:                token,
		}, true
	case "past_due":
		// Grace period: access is not revoked on a failed renewal.
		return model.RecordState{
			Status:               model.StatusActive,
			StripeSubscriptionID: &id,
			CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
			CurrentPeriodEnd:     periodEnd,
			Token:                token,
		}, true
	case "canceled":
		if periodEnd != nil && periodEnd.After(p.now()) {
			// Canceled but paid through the current period: keep access
			// until the sweep revokes it after the period end.
			return model.RecordState{
				Status:               model.StatusCanceling,
				StripeSubscriptionID: &id,
				CancelAtPeriodEnd:    true,
				CurrentPeriodEnd:     periodEnd,
				Token:                token,
			}, true
		}
		return model.RecordState{
			Status:           model.StatusCanceled,
			CurrentPeriodEnd: periodEnd,
			Token:            token,
		}, true
	case "unpaid", "incomplete_expired":
		return model.RecordState{
			Status: model.StatusInactive,
			Token:  token,
		}, true
	default:
		return model.RecordState{}, false
	}
}
