package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/somniary/somniary/internal/billing/model"
)

// SubscriptionStore persists one SubscriptionRecord per user. All state
// writes go through conditional updates keyed on the ordering token, so
// concurrent writers (verifier, webhook processor, sweep) compose without
// locks: a write that would regress the record is discarded, not applied.
type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanRecord(scanner interface{ Scan(...any) error }) (*model.SubscriptionRecord, error) {
	var rec model.SubscriptionRecord
	var customerID, subscriptionID sql.NullString
	var periodEnd sql.NullInt64
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&rec.UserID, &customerID, &subscriptionID, &rec.Status,
		&cancelAtPeriodEnd, &periodEnd, &rec.OrderingToken,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		rec.StripeCustomerID = &customerID.String
	}
	if subscriptionID.Valid {
		rec.StripeSubscriptionID = &subscriptionID.String
	}
	if periodEnd.Valid {
		t := time.Unix(periodEnd.Int64, 0).UTC()
		rec.CurrentPeriodEnd = &t
	}
	rec.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &rec, nil
}

const recordCols = `user_id, stripe_customer_id, stripe_subscription_id, status, cancel_at_period_end, current_period_end, ordering_token, created_at, updated_at`

// Ensure creates the record with status "none" if it does not exist yet and
// returns the current row.
func (s *SubscriptionStore) Ensure(userID string) (*model.SubscriptionRecord, error) {
	_, err := s.db.Exec(
		`INSERT INTO subscription_records (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure subscription record: %w", err)
	}
	return s.Get(userID)
}

func (s *SubscriptionStore) Get(userID string) (*model.SubscriptionRecord, error) {
	row := s.db.QueryRow(`SELECT `+recordCols+` FROM subscription_records WHERE user_id = ?`, userID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription record: %w", err)
	}
	return rec, nil
}

func (s *SubscriptionStore) GetByCustomerID(customerID string) (*model.SubscriptionRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+recordCols+` FROM subscription_records WHERE stripe_customer_id = ?`,
		customerID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription record by customer: %w", err)
	}
	return rec, nil
}

// BindCustomer assigns the Stripe customer id to the user's record, creating
// the record if needed. The binding is set-once: a record that already holds
// the same id reports true, a record holding a different id is left untouched
// and reports false.
func (s *SubscriptionStore) BindCustomer(userID, customerID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO subscription_records (user_id, stripe_customer_id) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   stripe_customer_id = excluded.stripe_customer_id,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE subscription_records.stripe_customer_id IS NULL`,
		userID, customerID,
	)
	if err != nil {
		return false, fmt.Errorf("bind customer: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bind customer rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	rec, err := s.Get(userID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.StripeCustomerID != nil && *rec.StripeCustomerID == customerID, nil
}

// Apply performs the conditional state write. The new state lands only when
// its ordering token is not older than what is stored; re-applying the same
// token writes the identical state again, which keeps retries and webhook
// redelivery side-effect free. Returns false when a newer write already
// superseded this one.
func (s *SubscriptionStore) Apply(userID string, st model.RecordState) (bool, error) {
	if err := st.Validate(); err != nil {
		return false, fmt.Errorf("apply state for %s: %w", userID, err)
	}

	var subscriptionID sql.NullString
	if st.StripeSubscriptionID != nil {
		subscriptionID = sql.NullString{String: *st.StripeSubscriptionID, Valid: true}
	}
	var periodEnd sql.NullInt64
	if st.CurrentPeriodEnd != nil {
		periodEnd = sql.NullInt64{Int64: st.CurrentPeriodEnd.Unix(), Valid: true}
	}
	cancel := 0
	if st.CancelAtPeriodEnd {
		cancel = 1
	}

	result, err := s.db.Exec(
		`INSERT INTO subscription_records
		   (user_id, stripe_subscription_id, status, cancel_at_period_end, current_period_end, ordering_token)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   stripe_subscription_id = excluded.stripe_subscription_id,
		   status = excluded.status,
		   cancel_at_period_end = excluded.cancel_at_period_end,
		   current_period_end = excluded.current_period_end,
		   ordering_token = excluded.ordering_token,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE excluded.ordering_token >= subscription_records.ordering_token`,
		userID, subscriptionID, st.Status, cancel, periodEnd, st.Token,
	)
	if err != nil {
		return false, fmt.Errorf("apply subscription state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply state rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpiredGraceCandidates returns records whose grace period has ended:
// canceling, or active with a pending cancellation, with a period end before
// now. The sweep converts these to canceled.
func (s *SubscriptionStore) ExpiredGraceCandidates(now time.Time, limit int) ([]*model.SubscriptionRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+recordCols+` FROM subscription_records
		 WHERE (status = ? OR (status = ? AND cancel_at_period_end = 1))
		   AND current_period_end IS NOT NULL
		   AND current_period_end < ?
		 ORDER BY current_period_end
		 LIMIT ?`,
		model.StatusCanceling, model.StatusActive, now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired grace candidates: %w", err)
	}
	defer rows.Close()

	var recs []*model.SubscriptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired grace candidate: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired grace candidates: %w", err)
	}
	return recs, nil
}

// MarkCanceled revokes access for a record whose grace period has expired.
// The status and period-end guards double as the compare-and-swap: if a
// concurrent renewal already moved the record forward, no row matches and
// the revocation is skipped.
func (s *SubscriptionStore) MarkCanceled(userID string, periodEnd, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE subscription_records SET
		   status = ?,
		   stripe_subscription_id = NULL,
		   cancel_at_period_end = 0,
		   ordering_token = MAX(ordering_token, ?),
		   updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?
		   AND (status = ? OR (status = ? AND cancel_at_period_end = 1))
		   AND current_period_end IS NOT NULL
		   AND current_period_end < ?`,
		model.StatusCanceled, periodEnd.Unix(), userID,
		model.StatusCanceling, model.StatusActive, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("mark canceled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark canceled rows affected: %w", err)
	}
	return n > 0, nil
}
