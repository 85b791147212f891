// Package promo validates discount codes ahead of checkout. The validator is
// read-only with respect to subscription records; a valid result only
// informs what discount the subsequent checkout session should attach.
package promo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/somniary/somniary/internal/billing/provider"
)

type Validator struct {
	provider provider.Client
	log      *slog.Logger
	now      func() time.Time
}

func New(p provider.Client, log *slog.Logger) *Validator {
	return &Validator{provider: p, log: log, now: time.Now}
}

// Discount describes the coupon terms of a valid promotion code. Exactly one
// of PercentOff or AmountOff+Currency is set.
type Discount struct {
	PromotionCodeID  string  `json:"-"`
	PercentOff       float64 `json:"percent_off,omitempty"`
	AmountOff        int64   `json:"amount_off,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	Duration         string  `json:"duration"`
	DurationInMonths int64   `json:"duration_in_months,omitempty"`
}

type Result struct {
	Valid    bool
	Reason   string // set when invalid
	Discount *Discount
}

// Validate checks the code against the provider. An unusable code is a
// definitive negative with a reason, never an error; errors are reserved for
// transient provider failures.
func (v *Validator) Validate(ctx context.Context, code string) (Result, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Result{Reason: "empty code"}, nil
	}

	pc, err := v.provider.LookupPromotionCode(ctx, code)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrInvalid) {
			return Result{Reason: "code not found"}, nil
		}
		return Result{}, fmt.Errorf("look up promotion code: %w", err)
	}

	switch {
	case !pc.Active:
		return Result{Reason: "code is no longer active"}, nil
	case !pc.ExpiresAt.IsZero() && pc.ExpiresAt.Before(v.now()):
		return Result{Reason: "code has expired"}, nil
	case pc.MaxRedemptions > 0 && pc.TimesRedeemed >= pc.MaxRedemptions:
		return Result{Reason: "code redemption limit reached"}, nil
	}

	return Result{
		Valid: true,
		Discount: &Discount{
			PromotionCodeID:  pc.ID,
			PercentOff:       pc.PercentOff,
			AmountOff:        pc.AmountOff,
			Currency:         pc.Currency,
			Duration:         pc.Duration,
			DurationInMonths: pc.DurationInMonths,
		},
	}, nil
}
