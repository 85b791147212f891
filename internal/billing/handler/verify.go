package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/somniary/somniary/internal/billing/verify"
)

type VerifyHandler struct {
	verifier *verify.Verifier
	log      *slog.Logger
}

func NewVerifyHandler(v *verify.Verifier, log *slog.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, log: log}
}

// VerifyCheckout is called by the front end when the user returns from the
// hosted checkout page. A transient failure returns 503 so the UI shows its
// neutral "confirming your payment" state instead of a false negative.
func (h *VerifyHandler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		http.Error(w, "userId and sessionId are required", http.StatusBadRequest)
		return
	}

	res, err := h.verifier.VerifyCheckout(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		h.log.Warn("checkout verification pending", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"verified": false,
			"pending":  true,
		})
		return
	}

	var subscriptionID *string
	if res.SubscriptionID != "" {
		subscriptionID = &res.SubscriptionID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified":       res.Verified,
		"paid":           res.Paid,
		"subscriptionId": subscriptionID,
		"status":         res.Status,
		"payment_status": res.PaymentStatus,
		"customer":       res.CustomerID,
	})
}
