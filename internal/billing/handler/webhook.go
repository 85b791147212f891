package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/somniary/somniary/internal/billing/provider"
	"github.com/somniary/somniary/internal/billing/webhook"
)

const maxWebhookBody = 65536

type WebhookHandler struct {
	provider  provider.Client
	processor *webhook.Processor
	log       *slog.Logger
}

func NewWebhookHandler(p provider.Client, processor *webhook.Processor, log *slog.Logger) *WebhookHandler {
	return &WebhookHandler{provider: p, processor: processor, log: log}
}

// HandleStripeWebhook verifies the payload signature before anything else;
// an unverifiable payload is rejected without touching any state. A
// processing failure returns 5xx so Stripe redelivers with backoff.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	evt, err := h.provider.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, provider.ErrSignature) {
			h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		} else {
			h.log.Warn("webhook payload rejected", "error", err)
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.processor.Process(r.Context(), evt); err != nil {
		h.log.Error("webhook processing failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
