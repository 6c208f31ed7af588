package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
	"github.com/Dhoini/premium-gate/pkg/res"
)

// MaxWebhookBodySize предел тела вебхука
const MaxWebhookBodySize = 64 << 10

// StripeSignatureHeader заголовок подписи Stripe
const StripeSignatureHeader = "Stripe-Signature"

// WebhookHandler обработчик для вебхуков
type WebhookHandler struct {
	ingress service.Ingress
	log     *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(ingress service.Ingress, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingress: ingress,
		log:     log,
	}
}

// HandleStripeWebhook обрабатывает вебхуки от Stripe.
// 200 значит, что событие принято (в том числе дубликат или неизвестный тип);
// 5xx заставляет Stripe повторить доставку.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warnw("Webhook body too large", "limit", MaxWebhookBodySize)
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Payload too large"}, http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Warnw("Failed to read webhook body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to read webhook body"}, http.StatusBadRequest)
		return
	}

	result, err := h.ingress.Receive(c.Request.Context(), body, c.GetHeader(StripeSignatureHeader))
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Invalid signature"}, http.StatusBadRequest)
		return
	case errors.Is(err, domain.ErrMalformedEvent):
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Malformed event"}, http.StatusBadRequest)
		return
	case err != nil:
		_ = c.Error(err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to process event"}, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": result.Accepted,
		"event_id": result.EventID,
		"outcome":  result.Outcome,
	})
}
