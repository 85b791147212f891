package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/somniary/somniary/internal/billing/promo"
)

type PromoHandler struct {
	validator *promo.Validator
	log       *slog.Logger
}

func NewPromoHandler(v *promo.Validator, log *slog.Logger) *PromoHandler {
	return &PromoHandler{validator: v, log: log}
}

// Validate checks a discount code. An unusable code is a 200 with
// valid=false and a reason; only provider outages produce a 5xx.
func (h *PromoHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	res, err := h.validator.Validate(r.Context(), req.Code)
	if err != nil {
		h.log.Error("promo validation failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"valid": false,
			"error": "validation temporarily unavailable",
		})
		return
	}
	if !res.Valid {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": res.Reason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":         true,
		"discount_info": res.Discount,
	})
}
