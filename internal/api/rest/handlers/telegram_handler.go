package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
	"github.com/Dhoini/premium-gate/pkg/req"
)

const (
	welcomeText       = "Hi! You get a few free questions every day. Send /buy to get premium."
	welcomePremium    = "Welcome back! Your premium is active."
	alreadyPremium    = "You already have premium."
	buyText           = "Pay here to get premium: "
	retryLaterText    = "The service is busy right now, please try again later."
	checkoutBusyText  = "Your payment link is being prepared, please wait a moment."
	emptyPromptText   = "Send me a question as plain text."
	promptTooLongText = "Your question is too long, please shorten it."
)

// TelegramSecretHeader заголовок с секретом, заданным при регистрации вебхука бота
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// MessageSender отправляет ответ пользователю в мессенджер
type MessageSender interface {
	SendMessage(ctx context.Context, chatID domain.UserID, text string) error
}

// TelegramHandler принимает обновления бота и отвечает через Bot API
type TelegramHandler struct {
	gate        service.Gate
	checkout    service.CheckoutService
	sender      MessageSender
	secretToken string
	log         *logger.Logger
}

// NewTelegramHandler создает обработчик обновлений бота.
// Обновления без секрета secretToken в заголовке отклоняются; пустой секрет отклоняет все.
func NewTelegramHandler(gate service.Gate, checkout service.CheckoutService, sender MessageSender, secretToken string, log *logger.Logger) *TelegramHandler {
	return &TelegramHandler{
		gate:        gate,
		checkout:    checkout,
		sender:      sender,
		secretToken: secretToken,
		log:         log,
	}
}

// HandleUpdate всегда отвечает 200 на разобранное обновление, чтобы Telegram не повторял его
func (h *TelegramHandler) HandleUpdate(c *gin.Context) {
	got := c.GetHeader(TelegramSecretHeader)
	if h.secretToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secretToken)) != 1 {
		h.log.Warnw("Rejected telegram update with invalid secret token", "remote", c.ClientIP())
		c.Status(http.StatusUnauthorized)
		return
	}

	update, err := req.Decode[tgbotapi.Update](c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to decode telegram update", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.ID <= 0 || msg.Chat == nil {
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	userID := domain.UserID(msg.From.ID)
	reply := h.route(ctx, userID, command(msg), strings.TrimSpace(msg.Text))

	if err := h.sender.SendMessage(ctx, domain.UserID(msg.Chat.ID), reply); err != nil {
		h.log.Warnw("Failed to send telegram reply", "userID", userID, "updateID", update.UpdateID, "error", err)
	}
	c.Status(http.StatusOK)
}

func (h *TelegramHandler) route(ctx context.Context, id domain.UserID, cmd, text string) string {
	switch cmd {
	case "start":
		user, err := h.gate.Start(ctx, id)
		if err != nil {
			return h.failure(id, err)
		}
		if user.IsPremium {
			return welcomePremium
		}
		return welcomeText

	case "buy":
		result, err := h.checkout.Buy(ctx, id)
		if err != nil {
			return h.failure(id, err)
		}
		if result.AlreadyPremium {
			return alreadyPremium
		}
		return buyText + result.URL
	}

	if text == "" {
		return emptyPromptText
	}
	if len([]rune(text)) > MaxPromptLength {
		return promptTooLongText
	}

	result, err := h.gate.Ask(ctx, id, text)
	if err != nil {
		return h.failure(id, err)
	}
	if !result.Decision.Allowed() {
		return denialMessage(result.Decision)
	}
	return result.Text
}

func (h *TelegramHandler) failure(id domain.UserID, err error) string {
	if errors.Is(err, domain.ErrCheckoutInProgress) {
		return checkoutBusyText
	}
	if !errors.Is(err, domain.ErrExternalProvider) {
		h.log.Errorw("Telegram command failed", "userID", id, "error", err)
	}
	return retryLaterText
}

// command имя команды бота без косой черты и суффикса @botname; пусто для обычного текста
func command(msg *tgbotapi.Message) string {
	if !msg.IsCommand() {
		return ""
	}
	return strings.ToLower(msg.Command())
}
