package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kyc-service/internal/service"
	"kyc-service/internal/util"
)

// maxWebhookBytes caps provider callback bodies.
const maxWebhookBytes = 1 << 20

// WebhookHandler terminates provider callbacks. The signature is computed
// over the exact raw body, so the body is read before any decoding.
type WebhookHandler struct {
	webhookService *service.WebhookService
	logger         *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhookService *service.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		logger:         logger,
	}
}

// RegisterRoutes registers the webhook endpoint. Only POST is served; chi's
// MethodNotAllowed handler answers everything else with 405.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/webhooks/provider", h.HandleProviderWebhook)
}

// HandleProviderWebhook processes one signed provider delivery.
// 400: missing signature header or malformed payload.
// 401: signature mismatch, never retried by the provider.
// 500: processing failure, provider redelivers.
func (h *WebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.respond(w, http.StatusBadRequest, `{"error":"unreadable body"}`)
		return
	}

	signature := r.Header.Get(h.webhookService.SignatureHeader())

	result, err := h.webhookService.HandleDelivery(ctx, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingSignature):
			h.respond(w, http.StatusBadRequest, `{"error":"missing signature header"}`)
		case errors.Is(err, service.ErrBadSignature):
			h.respond(w, http.StatusUnauthorized, `{"error":"invalid signature"}`)
		case errors.Is(err, service.ErrInvalidInput):
			h.respond(w, http.StatusBadRequest, `{"error":"malformed payload"}`)
		default:
			util.Error("Webhook processing failed", zap.Error(err))
			h.respond(w, http.StatusInternalServerError, `{"error":"processing failed"}`)
		}
		return
	}

	util.Info("Webhook delivery handled",
		zap.Bool("reconciled", result.Reconciled),
		zap.String("status", string(result.Status)))

	h.respond(w, http.StatusOK, `{"ok":true}`)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(body)); err != nil {
		h.logger.Error("Failed to write webhook response", util.ErrorField(err))
	}
}
