package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/somniary/somniary/internal/billing/handler"
	"github.com/somniary/somniary/internal/billing/promo"
	"github.com/somniary/somniary/internal/billing/provider"
	"github.com/somniary/somniary/internal/billing/store"
	"github.com/somniary/somniary/internal/billing/sweep"
	"github.com/somniary/somniary/internal/billing/verify"
	"github.com/somniary/somniary/internal/billing/webhook"
	"github.com/somniary/somniary/internal/middleware"
)

type Config struct {
	Stripe        provider.StripeConfig
	Plans         map[string]string
	BaseURL       string
	VerifyTimeout time.Duration
	SweepInterval time.Duration
}

type Server struct {
	db          *sql.DB
	records     *store.SubscriptionStore
	events      *store.EventStore
	sweeper     *sweep.Sweeper
	webhookH    *handler.WebhookHandler
	checkoutH   *handler.CheckoutHandler
	verifyH     *handler.VerifyHandler
	promoH      *handler.PromoHandler
	subH        *handler.SubscriptionHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	records := store.NewSubscriptionStore(db)
	events := store.NewEventStore(db)
	client := provider.NewStripeClient(cfg.Stripe)

	verifier := verify.New(client, records, logger.With("component", "verifier"), cfg.VerifyTimeout)
	processor := webhook.New(client, records, events, logger.With("component", "webhook"))
	validator := promo.New(client, logger.With("component", "promo"))
	sweeper := sweep.New(records, logger.With("component", "sweep"), cfg.SweepInterval)

	return &Server{
		db:          db,
		records:     records,
		events:      events,
		sweeper:     sweeper,
		webhookH:    handler.NewWebhookHandler(client, processor, logger.With("component", "webhook")),
		checkoutH:   handler.NewCheckoutHandler(client, records, validator, cfg.Plans, cfg.BaseURL, logger.With("component", "checkout")),
		verifyH:     handler.NewVerifyHandler(verifier, logger.With("component", "verify")),
		promoH:      handler.NewPromoHandler(validator, logger.With("component", "promo")),
		subH:        handler.NewSubscriptionHandler(records, logger.With("component", "subscription")),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Sweeper returns the reconciliation sweeper for the background loop.
func (s *Server) Sweeper() *sweep.Sweeper {
	return s.sweeper
}

// EventStore returns the processed-event store for retention pruning.
func (s *Server) EventStore() *store.EventStore {
	return s.events
}

// RateLimiter returns the limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook (no auth; the signature is the credential)
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	// Front-end facing API
	mux.HandleFunc("POST /api/checkout", s.checkoutH.CreateCheckoutSession)
	mux.HandleFunc("POST /api/checkout/verify", s.verifyH.VerifyCheckout)
	mux.HandleFunc("POST /api/billing-portal", s.checkoutH.BillingPortal)
	mux.HandleFunc("GET /api/subscription", s.subH.Get)
	mux.Handle("POST /api/promo/validate", s.rateLimited(http.HandlerFunc(s.promoH.Validate)))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP, 10, time.Minute)(h)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
