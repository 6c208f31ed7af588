package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/internal/quota"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
	"github.com/Dhoini/premium-gate/pkg/req"
	"github.com/Dhoini/premium-gate/pkg/res"
)

// MaxPromptLength предел длины запроса к AI в символах
const MaxPromptLength = 4000

// AskRequest тело POST /users/:id/ask
type AskRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
}

// AskResponse ответ на разрешенный запрос
type AskResponse struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
	Premium    bool   `json:"premium"`
}

// UserHandler HTTP-доступ к шлюзу и покупке премиума
type UserHandler struct {
	gate     service.Gate
	checkout service.CheckoutService
	log      *logger.Logger
}

// NewUserHandler создает обработчик пользовательских операций
func NewUserHandler(gate service.Gate, checkout service.CheckoutService, log *logger.Logger) *UserHandler {
	return &UserHandler{
		gate:     gate,
		checkout: checkout,
		log:      log,
	}
}

// Start регистрирует пользователя и возвращает его состояние
func (h *UserHandler) Start(c *gin.Context) {
	id, ok := parseUserID(c)
	if !ok {
		return
	}

	user, err := h.gate.Start(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Ask выполняет запрос к AI, если квота позволяет
func (h *UserHandler) Ask(c *gin.Context) {
	id, ok := parseUserID(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[AskRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}

	result, err := h.gate.Ask(c.Request.Context(), id, body.Prompt)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	if !result.Decision.Allowed() {
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{
			Error:  denialMessage(result.Decision),
			Reason: result.Decision.String(),
		}, http.StatusTooManyRequests, h.log)
		return
	}

	c.JSON(http.StatusOK, AskResponse{
		Text:       result.Text,
		TokensUsed: result.TokensUsed,
		Premium:    result.Premium,
	})
}

// Buy создает ссылку на оплату премиума
func (h *UserHandler) Buy(c *gin.Context) {
	id, ok := parseUserID(c)
	if !ok {
		return
	}

	result, err := h.checkout.Buy(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, result)
}

func denialMessage(d quota.Decision) string {
	switch d {
	case quota.DenyFreeExhausted:
		return "Daily free requests are used up. Buy premium with /buy or come back tomorrow."
	case quota.DenyTokenCeiling:
		return "Monthly token limit reached. It resets at the start of the next billing window."
	default:
		return "Request denied"
	}
}
