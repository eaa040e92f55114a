package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// maxWebhookBody caps the webhook payload size. Stripe events are a few KB;
// 64KB leaves generous headroom.
const maxWebhookBody = 64 * 1024

// payloadVerifier authenticates a raw webhook payload against its
// signature header.
type payloadVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// eventSink accepts a parsed event for asynchronous processing.
type eventSink interface {
	Submit(event *billing.Event)
}

// WebhookHandler receives Stripe webhook deliveries. Authentication is the
// payload signature, not a bearer token, so the route is public.
type WebhookHandler struct {
	verifier payloadVerifier
	sink     eventSink
	secret   types.SecretString
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(verifier payloadVerifier, sink eventSink, secret types.SecretString, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		sink:     sink,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook receiver at the root router. Chi's
// method routing answers non-POST requests with 405.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Receive)
}

// Receive handles POST /webhooks/stripe. The response contract is strict:
// the 200 ack means "signature verified and event accepted", nothing more.
// Reconciliation happens after the ack; its failures are logged and left to
// the provider's retry schedule.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secret.IsZero() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConfigMissing,
			"STRIPE_WEBHOOK_SECRET is not configured",
			nil,
		))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"failed to read webhook payload",
			err,
		))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := h.verifier.Verify(payload, signature, h.secret.Unmask()); err != nil {
		h.logger.Warn("rejected webhook with invalid signature",
			"request_id", types.GetRequestID(r.Context()),
			"error", err)
		core.Error(w, r, err)
		return
	}

	// Past this point the delivery is authentic. The ack is unconditional:
	// a malformed-but-signed payload will not get better on redelivery.
	event, err := billing.ParseEvent(payload)
	if err != nil {
		h.logger.Error("discarding unparseable webhook payload",
			"request_id", types.GetRequestID(r.Context()),
			"error", err)
		core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
		return
	}

	h.sink.Submit(event)
	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}
