// Package config loads service configuration from the environment. A .env
// file in the working directory is honored for local development; real
// deployments set the variables directly.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string `env:"BILLING_PORT" envDefault:"8090"`
	BaseURL  string `env:"BILLING_BASE_URL"`
	DBPath   string `env:"BILLING_DB_PATH" envDefault:"billing.db"`
	LogLevel string `env:"BILLING_LOG_LEVEL" envDefault:"info"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`

	// Operator-configured plan table; planId values in checkout requests
	// resolve against these, never against user-supplied pricing.
	PremiumMonthlyPriceID string `env:"STRIPE_PREMIUM_MONTHLY_PRICE_ID"`
	PremiumAnnualPriceID  string `env:"STRIPE_PREMIUM_ANNUAL_PRICE_ID"`

	SweepInterval  time.Duration `env:"BILLING_SWEEP_INTERVAL" envDefault:"15m"`
	VerifyTimeout  time.Duration `env:"BILLING_VERIFY_TIMEOUT" envDefault:"10s"`
	EventRetention time.Duration `env:"BILLING_EVENT_RETENTION" envDefault:"720h"`
}

// Plans maps plan ids to Stripe price ids, omitting unconfigured plans.
func (c Config) Plans() map[string]string {
	plans := make(map[string]string, 2)
	if c.PremiumMonthlyPriceID != "" {
		plans["premium_monthly"] = c.PremiumMonthlyPriceID
	}
	if c.PremiumAnnualPriceID != "" {
		plans["premium_annual"] = c.PremiumAnnualPriceID
	}
	return plans
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	return cfg, nil
}
