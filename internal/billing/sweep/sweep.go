// Package sweep runs the periodic drift repair: it is the sole mechanism
// that converts an expired grace period into actual revocation. It needs no
// external trigger and assumes nothing about whether the verifier or the
// webhook processor ran.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/somniary/somniary/internal/billing/model"
)

// RecordStore is the slice of the subscription store the sweep needs.
type RecordStore interface {
	ExpiredGraceCandidates(now time.Time, limit int) ([]*model.SubscriptionRecord, error)
	MarkCanceled(userID string, periodEnd, now time.Time) (bool, error)
}

// batchSize bounds one pass; anything left over is picked up next tick.
const batchSize = 500

type Sweeper struct {
	records  RecordStore
	log      *slog.Logger
	interval time.Duration
}

func New(records RecordStore, log *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{records: records, log: log, interval: interval}
}

// Report summarizes one sweep pass.
type Report struct {
	Examined     int
	Transitioned int
	Skipped      int // superseded by a concurrent write before revocation
	Failed       int
}

// Run executes the sweep on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("reconciliation sweep started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation sweep stopped")
			return
		case <-ticker.C:
			rep := s.RunOnce(time.Now())
			if rep.Examined > 0 || rep.Failed > 0 {
				s.log.Info("reconciliation sweep finished",
					"examined", rep.Examined,
					"transitioned", rep.Transitioned,
					"skipped", rep.Skipped,
					"failed", rep.Failed)
			}
		}
	}
}

// RunOnce performs a single pass as of now. Per-record failures are logged
// with the record id and counted; they never abort the rest of the batch.
func (s *Sweeper) RunOnce(now time.Time) Report {
	var rep Report

	recs, err := s.records.ExpiredGraceCandidates(now, batchSize)
	if err != nil {
		s.log.Error("list expired grace candidates", "error", err)
		rep.Failed++
		return rep
	}

	for _, rec := range recs {
		rep.Examined++
		if rec.CurrentPeriodEnd == nil {
			// Should be unreachable given the candidate query; skip rather
			// than guess a revocation instant.
			s.log.Error("grace candidate without period end", "user_id", rec.UserID)
			rep.Failed++
			continue
		}
		ok, err := s.records.MarkCanceled(rec.UserID, *rec.CurrentPeriodEnd, now)
		if err != nil {
			s.log.Error("revoke expired subscription", "user_id", rec.UserID, "error", err)
			rep.Failed++
			continue
		}
		if !ok {
			// A renewal or newer webhook moved the record forward between
			// the select and the update.
			s.log.Debug("revocation superseded", "user_id", rec.UserID)
			rep.Skipped++
			continue
		}
		s.log.Info("subscription expired and revoked",
			"user_id", rec.UserID, "period_end", rec.CurrentPeriodEnd)
		rep.Transitioned++
	}
	return rep
}
