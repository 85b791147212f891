package handler

import (
	"log/slog"
	"net/http"

	"github.com/somniary/somniary/internal/billing/store"
)

type SubscriptionHandler struct {
	records *store.SubscriptionStore
	log     *slog.Logger
}

func NewSubscriptionHandler(records *store.SubscriptionStore, log *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{records: records, log: log}
}

// Get returns the local subscription record for the account page, creating
// the empty record on first read.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Ensure(userID)
	if err != nil {
		h.log.Error("ensure subscription record", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}
