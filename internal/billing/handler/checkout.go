package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/somniary/somniary/internal/billing/promo"
	"github.com/somniary/somniary/internal/billing/provider"
	"github.com/somniary/somniary/internal/billing/store"
)

type CheckoutHandler struct {
	provider provider.Client
	records  *store.SubscriptionStore
	promo    *promo.Validator
	plans    map[string]string
	baseURL  string
	log      *slog.Logger
}

func NewCheckoutHandler(
	p provider.Client,
	records *store.SubscriptionStore,
	validator *promo.Validator,
	plans map[string]string,
	baseURL string,
	log *slog.Logger,
) *CheckoutHandler {
	return &CheckoutHandler{
		provider: p,
		records:  records,
		promo:    validator,
		plans:    plans,
		baseURL:  baseURL,
		log:      log,
	}
}

// CreateCheckoutSession creates a hosted checkout session and returns its
// URL. The Stripe customer is created lazily, exactly once per user: the
// store is the authority on whether one already exists.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		PlanID    string `json:"planId"`
		ReturnURL string `json:"returnUrl"`
		PromoCode string `json:"promoCode"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	priceID, ok := h.plans[req.PlanID]
	if !ok {
		http.Error(w, "unknown plan", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Ensure(req.UserID)
	if err != nil {
		h.log.Error("ensure subscription record", "user_id", req.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	customerID := ""
	if rec.StripeCustomerID != nil {
		customerID = *rec.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = h.provider.CreateCustomer(r.Context(), req.UserID, req.Email)
		if err != nil {
			h.log.Error("create customer", "user_id", req.UserID, "error", err)
			http.Error(w, "failed to create customer", http.StatusBadGateway)
			return
		}
		bound, err := h.records.BindCustomer(req.UserID, customerID)
		if err != nil {
			h.log.Error("bind customer", "user_id", req.UserID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !bound {
			// Lost a race against another writer; the stored id wins.
			rec, err = h.records.Get(req.UserID)
			if err != nil || rec == nil || rec.StripeCustomerID == nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			customerID = *rec.StripeCustomerID
		}
	}

	promotionCodeID := ""
	if req.PromoCode != "" {
		res, err := h.promo.Validate(r.Context(), req.PromoCode)
		if err != nil {
			h.log.Error("validate promo code", "error", err)
			http.Error(w, "promo validation unavailable", http.StatusServiceUnavailable)
			return
		}
		if !res.Valid {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": res.Reason})
			return
		}
		promotionCodeID = res.Discount.PromotionCodeID
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.baseURL + "/account"
	}
	url, err := h.provider.CreateCheckoutSession(r.Context(), provider.CheckoutParams{
		UserID:          req.UserID,
		CustomerID:      customerID,
		PriceID:         priceID,
		SuccessURL:      returnURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:       returnURL,
		PromotionCodeID: promotionCodeID,
	})
	if err != nil {
		h.log.Error("create checkout session", "user_id", req.UserID, "error", err)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// BillingPortal creates a billing portal session and returns its URL. A user
// who never started a checkout has no customer record and gets a definitive
// negative.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Get(req.UserID)
	if err != nil {
		h.log.Error("get subscription record", "user_id", req.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil || rec.StripeCustomerID == nil {
		http.Error(w, "no billing account", http.StatusConflict)
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.baseURL + "/account"
	}
	url, err := h.provider.CreateBillingPortalSession(r.Context(), *rec.StripeCustomerID, returnURL)
	if err != nil {
		h.log.Error("create billing portal session", "user_id", req.UserID, "error", err)
		http.Error(w, "failed to create portal session", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
