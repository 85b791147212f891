package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/somniary/somniary/internal/billing/model"
	"github.com/somniary/somniary/internal/billing/provider"
	"github.com/somniary/somniary/internal/billing/store"
	"github.com/somniary/somniary/internal/database"
)

type fakeProvider struct {
	subscriptions map[string]*provider.Subscription
	subCalls      int
}

func (f *fakeProvider) RetrieveSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	f.subCalls++
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %q: %w", id, provider.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) RetrieveCheckoutSession(ctx context.Context, id string) (*provider.CheckoutSession, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) LookupPromotionCode(ctx context.Context, code string) (*provider.PromotionCode, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params provider.CheckoutParams) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) ParseWebhook(payload []byte, sigHeader string) (*provider.Event, error) {
	return nil, errors.New("not implemented")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupProcessor(t *testing.T, fp *fakeProvider) (*Processor, *store.SubscriptionStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	records := store.NewSubscriptionStore(db)
	events := store.NewEventStore(db)
	return New(fp, records, events, discardLogger()), records
}

func subscriptionEvent(id string, created time.Time, sub *provider.Subscription) *provider.Event {
	return &provider.Event{
		ID:           id,
		Type:         "customer.subscription.updated",
		Created:      created,
		Subscription: sub,
	}
}

func TestProcessActiveSubscription(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	end := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()
	evt := subscriptionEvent("evt_1", time.Now(), &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "active",
		CurrentPeriodEnd: end,
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.StripeSubscriptionID == nil || *rec.StripeSubscriptionID != "sub_abc" {
		t.Errorf("subscription id = %v, want sub_abc", rec.StripeSubscriptionID)
	}
	if rec.CancelAtPeriodEnd {
		t.Error("cancel flag should be clear")
	}
}

func TestProcessDuplicateEventIsNoOp(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	end := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()
	evt := subscriptionEvent("evt_dup", time.Now(), &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "active",
		CurrentPeriodEnd: end,
	})

	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := records.Get("user-1")

	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second, _ := records.Get("user-1")

	if second.Status != first.Status ||
		second.OrderingToken != first.OrderingToken ||
		second.UpdatedAt != first.UpdatedAt {
		t.Errorf("redelivery changed the record: %+v vs %+v", first, second)
	}
}

func TestProcessCanceledInsideGracePeriod(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	end := time.Now().Add(10 * time.Minute).Truncate(time.Second).UTC()
	evt := subscriptionEvent("evt_cancel", time.Now(), &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "canceled",
		CurrentPeriodEnd: end,
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusCanceling {
		t.Errorf("status = %q, want canceling while paid through the period", rec.Status)
	}
	if !rec.CancelAtPeriodEnd {
		t.Error("cancel flag should be set")
	}
	if rec.StripeSubscriptionID == nil {
		t.Error("subscription id must be retained until fully canceled")
	}
	if rec.CurrentPeriodEnd == nil || !rec.CurrentPeriodEnd.Equal(end) {
		t.Errorf("period end = %v, want %v", rec.CurrentPeriodEnd, end)
	}
}

func TestProcessCanceledAfterPeriodEnd(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	end := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	evt := subscriptionEvent("evt_cancel", time.Now(), &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "canceled",
		CurrentPeriodEnd: end,
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", rec.Status)
	}
	if rec.StripeSubscriptionID != nil {
		t.Error("subscription id must be cleared on full cancellation")
	}
}

func TestProcessUnpaidClearsSubscription(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	evt := subscriptionEvent("evt_unpaid", time.Now(), &provider.Subscription{
		ID:         "sub_abc",
		CustomerID: "cus_abc",
		Status:     "unpaid",
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusInactive {
		t.Errorf("status = %q, want inactive", rec.Status)
	}
	if rec.StripeSubscriptionID != nil {
		t.Error("subscription id must be cleared for unpaid")
	}
}

func TestProcessPastDueKeepsAccess(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	end := time.Now().Add(5 * 24 * time.Hour).Truncate(time.Second).UTC()
	evt := subscriptionEvent("evt_pd", time.Now(), &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "past_due",
		CurrentPeriodEnd: end,
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusActive {
		t.Errorf("status = %q, past_due must not revoke access", rec.Status)
	}
}

func TestProcessStaleEventDiscarded(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_abc")

	now := time.Now().Truncate(time.Second).UTC()
	end := now.Add(30 * 24 * time.Hour)

	newer := subscriptionEvent("evt_new", now, &provider.Subscription{
		ID:               "sub_abc",
		CustomerID:       "cus_abc",
		Status:           "active",
		CurrentPeriodEnd: end,
	})
	stale := subscriptionEvent("evt_old", now.Add(-time.Hour), &provider.Subscription{
		ID:         "sub_abc",
		CustomerID: "cus_abc",
		Status:     "unpaid",
	})

	if err := p.Process(context.Background(), newer); err != nil {
		t.Fatalf("process newer: %v", err)
	}
	if err := p.Process(context.Background(), stale); err != nil {
		t.Fatalf("stale event must be discarded, not errored: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec.Status != model.StatusActive {
		t.Errorf("status = %q, stale unpaid event must not win", rec.Status)
	}
}

func TestProcessUnknownCustomerIgnored(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})

	evt := subscriptionEvent("evt_x", time.Now(), &provider.Subscription{
		ID:         "sub_abc",
		CustomerID: "cus_stranger",
		Status:     "active",
	})
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("unknown customer must be acknowledged: %v", err)
	}

	rec, _ := records.Get("user-1")
	if rec != nil {
		t.Error("no record should be created for an unknown customer")
	}
}

func TestProcessCheckoutCompletedAdoptsSession(t *testing.T) {
	end := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()
	fp := &fakeProvider{
		subscriptions: map[string]*provider.Subscription{
			"sub_abc": {ID: "sub_abc", CustomerID: "cus_abc", Status: "active", CurrentPeriodEnd: end},
		},
	}
	p, records := setupProcessor(t, fp)

	evt := &provider.Event{
		ID:      "evt_checkout",
		Type:    "checkout.session.completed",
		Created: time.Now(),
		Session: &provider.CheckoutSession{
			ID:                "cs_123",
			Mode:              "subscription",
			PaymentStatus:     "paid",
			CustomerID:        "cus_abc",
			ClientReferenceID: "user-1",
			SubscriptionID:    "sub_abc",
			// webhook payloads never carry the expanded subscription
		},
	}
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fp.subCalls != 1 {
		t.Errorf("subscription retrievals = %d, want 1", fp.subCalls)
	}

	rec, _ := records.Get("user-1")
	if rec == nil {
		t.Fatal("record should exist after adoption")
	}
	if rec.Status != model.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.StripeCustomerID == nil || *rec.StripeCustomerID != "cus_abc" {
		t.Errorf("customer id = %v, want cus_abc", rec.StripeCustomerID)
	}
}

func TestProcessCheckoutCompletedForeignCustomer(t *testing.T) {
	p, records := setupProcessor(t, &fakeProvider{})
	records.BindCustomer("user-1", "cus_mine")

	evt := &provider.Event{
		ID:      "evt_checkout",
		Type:    "checkout.session.completed",
		Created: time.Now(),
		Session: &provider.CheckoutSession{
			ID:                "cs_123",
			Mode:              "subscription",
			PaymentStatus:     "paid",
			CustomerID:        "cus_theirs",
			ClientReferenceID: "user-1",
			SubscriptionID:    "sub_abc",
		},
	}
	if err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec, _ := records.Get("user-1")
	if *rec.StripeCustomerID != "cus_mine" {
		t.Errorf("customer id = %q, binding must stay sticky", *rec.StripeCustomerID)
	}
	if rec.Status.Paid() {
		t.Errorf("status = %q, mismatched session must not grant access", rec.Status)
	}
}

// TestProcessRandomSequencesKeepInvariant hammers the state machine with
// random event sequences and checks after every delivery that a paid status
// always carries a subscription id.
func TestProcessRandomSequencesKeepInvariant(t *testing.T) {
	statuses := []string{
		"active", "trialing", "past_due", "canceled",
		"unpaid", "incomplete_expired", "incomplete", "paused", "bogus",
	}
	rng := rand.New(rand.NewSource(1))

	for seq := 0; seq < 20; seq++ {
		p, records := setupProcessor(t, &fakeProvider{})
		records.BindCustomer("user-1", "cus_abc")
		base := time.Now().Truncate(time.Second).UTC()

		for i := 0; i < 50; i++ {
			sub := &provider.Subscription{
				ID:         "sub_abc",
				CustomerID: "cus_abc",
				Status:     statuses[rng.Intn(len(statuses))],
			}
			// Random out-of-order timestamps and an occasional missing or
			// past period end.
			created := base.Add(time.Duration(rng.Intn(7200)-3600) * time.Second)
			switch rng.Intn(3) {
			case 0:
				sub.CurrentPeriodEnd = base.Add(time.Duration(rng.Intn(60*24)) * time.Minute)
			case 1:
				sub.CurrentPeriodEnd = base.Add(-time.Duration(rng.Intn(60*24)) * time.Minute)
			}

			evt := subscriptionEvent(fmt.Sprintf("evt_%d_%d", seq, i), created, sub)
			if err := p.Process(context.Background(), evt); err != nil {
				t.Fatalf("seq %d event %d: %v", seq, i, err)
			}

			rec, err := records.Get("user-1")
			if err != nil {
				t.Fatalf("seq %d event %d: get: %v", seq, i, err)
			}
			if rec.Status.Paid() && rec.StripeSubscriptionID == nil {
				t.Fatalf("seq %d event %d: paid status %q without subscription id", seq, i, rec.Status)
			}
			if rec.Status == model.StatusCanceling && rec.CurrentPeriodEnd == nil {
				t.Fatalf("seq %d event %d: canceling without period end", seq, i)
			}
		}
	}
}
