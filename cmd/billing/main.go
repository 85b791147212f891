package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/somniary/somniary/internal/billing/provider"
	"github.com/somniary/somniary/internal/billing/server"
	"github.com/somniary/somniary/internal/config"
	"github.com/somniary/somniary/internal/database"
	"github.com/somniary/somniary/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(db, server.Config{
		Stripe: provider.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		},
		Plans:         cfg.Plans(),
		BaseURL:       cfg.BaseURL,
		VerifyTimeout: cfg.VerifyTimeout,
		SweepInterval: cfg.SweepInterval,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Reconciliation sweep: the only path that turns an expired grace
	// period into revocation.
	go srv.Sweeper().Run(bgCtx)

	// Housekeeping: prune processed webhook event ids past retention and
	// drop expired rate-limit buckets.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.EventRetention)
				if n, err := srv.EventStore().PruneBefore(cutoff); err != nil {
					slog.Error("prune webhook events", "error", err)
				} else if n > 0 {
					slog.Info("pruned processed webhook events", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("billing service starting", "addr", ":"+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
