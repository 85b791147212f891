// Package verify implements the synchronous post-checkout confirmation path.
// The user is waiting on the checkout-complete page, so the whole operation
// runs under a deadline: at most two provider round-trips, one retry on
// transient failure, one conditional store write.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/somniary/somniary/internal/billing/model"
	"github.com/somniary/somniary/internal/billing/provider"
)

// RecordStore is the slice of the subscription store the verifier needs.
type RecordStore interface {
	Get(userID string) (*model.SubscriptionRecord, error)
	BindCustomer(userID, customerID string) (bool, error)
	Apply(userID string, st model.RecordState) (bool, error)
}

type Verifier struct {
	provider provider.Client
	records  RecordStore
	log      *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func New(p provider.Client, records RecordStore, log *slog.Logger, timeout time.Duration) *Verifier {
	return &Verifier{
		provider: p,
		records:  records,
		log:      log,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Result is returned to the checkout-complete endpoint. Verified is the only
// field the UI may treat as proof of payment.
type Result struct {
	Verified       bool
	Paid           bool
	SubscriptionID string
	Status         model.Status
	PaymentStatus  string
	CustomerID     string
}

// VerifyCheckout confirms that the checkout session produced an active paid
// subscription for this user and, if so, upserts the record. Definitive
// provider negatives (unknown session, foreign customer) return
// Verified=false with a nil error; only transient failures return an error,
// and those are safe for the caller to retry.
func (v *Verifier) VerifyCheckout(ctx context.Context, userID, sessionID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var sess *provider.CheckoutSession
	err := v.withRetry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = v.provider.RetrieveCheckoutSession(ctx, sessionID)
		return err
	})
	if err != nil {
		if provider.IsDefinitive(err) {
			v.log.Warn("checkout session not retrievable", "user_id", userID, "session_id", sessionID, "error", err)
			return v.withStatus(Result{}, userID), nil
		}
		return Result{}, fmt.Errorf("retrieve checkout session: %w", err)
	}

	res := Result{
		Paid:          sess.PaymentStatus == "paid",
		PaymentStatus: sess.PaymentStatus,
		CustomerID:    sess.CustomerID,
	}

	// Ownership cross-check: a stored customer id that differs from the
	// session's customer means this session belongs to someone else, no
	// matter what the payment status says.
	rec, err := v.records.Get(userID)
	if err != nil {
		return Result{}, err
	}
	if rec != nil && rec.StripeCustomerID != nil && sess.CustomerID != "" && *rec.StripeCustomerID != sess.CustomerID {
		v.log.Warn("checkout session customer mismatch",
			"user_id", userID, "session_id", sessionID,
			"stored_customer", *rec.StripeCustomerID, "session_customer", sess.CustomerID)
		return v.withStatus(res, userID), nil
	}
	if sess.CustomerID != "" {
		bound, err := v.records.BindCustomer(userID, sess.CustomerID)
		if err != nil {
			return Result{}, err
		}
		if !bound {
			v.log.Warn("customer binding refused", "user_id", userID, "session_id", sessionID)
			return v.withStatus(res, userID), nil
		}
	}

	switch sess.Mode {
	case "payment":
		// One-time payment session: no subscription object expected.
		res.Verified = res.Paid
		return v.withStatus(res, userID), nil
	case "subscription":
		// continue below
	default:
		v.log.Warn("checkout session has unexpected mode", "session_id", sessionID, "mode", sess.Mode)
		return v.withStatus(res, userID), nil
	}

	if sess.SubscriptionID == "" {
		return v.withStatus(res, userID), nil
	}
	res.SubscriptionID = sess.SubscriptionID

	sub := sess.Subscription
	if sub == nil {
		err := v.withRetry(ctx, func(ctx context.Context) error {
			var err error
			sub, err = v.provider.RetrieveSubscription(ctx, sess.SubscriptionID)
			return err
		})
		if err != nil {
			if provider.IsDefinitive(err) {
				v.log.Warn("checkout subscription not retrievable",
					"user_id", userID, "subscription_id", sess.SubscriptionID, "error", err)
				return v.withStatus(res, userID), nil
			}
			return Result{}, fmt.Errorf("retrieve subscription: %w", err)
		}
	}

	res.Verified = res.Paid && (sub.Status == "active" || sub.Status == "trialing")
	if !res.Verified {
		return v.withStatus(res, userID), nil
	}

	st := model.RecordState{
		Status:               model.StatusActive,
		StripeSubscriptionID: &sub.ID,
		CancelAtPeriodEnd:    false,
		Token:                v.now().Unix(),
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		st.CurrentPeriodEnd = &end
	}
	applied, err := v.records.Apply(userID, st)
	if err != nil {
		return Result{}, fmt.Errorf("apply verified state: %w", err)
	}
	if !applied {
		// A webhook got here first with a newer observation; the record
		// already reflects at least this state.
		v.log.Debug("verification write superseded", "user_id", userID, "session_id", sessionID)
	}
	return v.withStatus(res, userID), nil
}

// withRetry runs fn with a single retry on transient provider failure.
func (v *Verifier) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !provider.IsDefinitive(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// withStatus fills in the record's current local status for the response.
func (v *Verifier) withStatus(res Result, userID string) Result {
	rec, err := v.records.Get(userID)
	if err != nil {
		v.log.Warn("read record after verification", "user_id", userID, "error", err)
		return res
	}
	if rec != nil {
		res.Status = rec.Status
	} else {
		res.Status = model.StatusNone
	}
	return res
}
