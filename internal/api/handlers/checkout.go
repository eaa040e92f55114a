// Package handlers contains the HTTP handler implementations for the
// billing API: checkout initiation, the webhook receiver, and health.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// checkoutCreator is the slice of the checkout service this handler needs.
// Defined locally and injected via the constructor to enable test mocking.
type checkoutCreator interface {
	CreateSession(ctx context.Context, token string, req billing.CheckoutRequest) (*types.CheckoutResult, error)
}

// createCheckoutRequest is the request body for
// POST /v1/billing/checkout-session.
type createCheckoutRequest struct {
	PriceID    string `json:"price_id" validate:"required"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
	Mode       string `json:"mode" validate:"required,oneof=subscription payment"`
}

// CheckoutHandler serves checkout session creation.
type CheckoutHandler struct {
	service   checkoutCreator
	validator *core.Validator
	logger    *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(service checkoutCreator, validator *core.Validator, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service:   service,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the checkout routes on the authenticated /v1 group.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout-session", h.CreateCheckoutSession)
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req createCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.CreateSession(r.Context(), token, billing.CheckoutRequest{
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Mode:       types.CheckoutMode(req.Mode),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, result)
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Authorization header",
			nil,
		)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return "", types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"Authorization header must be a bearer token",
			nil,
		)
	}
	return strings.TrimPrefix(header, prefix), nil
}
