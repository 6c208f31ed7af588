package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

const defaultAPIURL = "https://api.telegram.org"

// Тексты уведомлений о смене доступа
const (
	PremiumActivatedText = "Payment received. Premium is active: ask as much as you like."
	PremiumEndedText     = "Your premium subscription has ended. You are back on the free plan."
)

// Client отправляет сообщения через Telegram Bot API
type Client struct {
	bot  *tgbotapi.BotAPI
	http *http.Client
	log  *logger.Logger
}

// NewClient создает клиент бота без сетевых вызовов; apiURL нужен для локального Bot API сервера
func NewClient(token, apiURL string, log *logger.Logger) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	// NewBotAPI вызывает getMe при создании, поэтому бот собирается вручную
	bot := &tgbotapi.BotAPI{Token: token, Client: httpClient, Buffer: 100}
	bot.SetAPIEndpoint(strings.TrimRight(apiURL, "/") + "/bot%s/%s")

	return &Client{bot: bot, http: httpClient, log: log}
}

// contextClient привязывает запросы Bot API к ctx вызова
type contextClient struct {
	ctx  context.Context
	base *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

// withContext копия бота, запросы которой отменяются вместе с ctx
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *c.bot
	bot.Client = contextClient{ctx: ctx, base: c.http}
	return &bot
}

// SendMessage отправляет текст в личный чат пользователя
func (c *Client) SendMessage(ctx context.Context, chatID domain.UserID, text string) error {
	if _, err := c.withContext(ctx).Send(tgbotapi.NewMessage(int64(chatID), text)); err != nil {
		return wrapError("sendMessage", err)
	}
	c.log.Debugw("Telegram message sent", "chatID", chatID)
	return nil
}

// RegisterWebhook направляет обновления бота на url.
// Telegram будет присылать secretToken в заголовке X-Telegram-Bot-Api-Secret-Token.
func (c *Client) RegisterWebhook(ctx context.Context, url, secretToken string) error {
	params := tgbotapi.Params{"url": url}
	if secretToken != "" {
		params["secret_token"] = secretToken
	}
	if _, err := c.withContext(ctx).MakeRequest("setWebhook", params); err != nil {
		return wrapError("setWebhook", err)
	}
	c.log.Infow("Telegram webhook registered", "url", url)
	return nil
}

// NotifyEntitlement сообщает пользователю о смене доступа; реализует service.Notifier
func (c *Client) NotifyEntitlement(ctx context.Context, change service.EntitlementChange) error {
	text := PremiumEndedText
	if change.Premium {
		text = PremiumActivatedText
	}
	return c.SendMessage(ctx, change.UserID, text)
}

func wrapError(method string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return domain.NewExternalServiceError("telegram", strconv.Itoa(apiErr.Code), apiErr.Message, 0, nil)
	}
	// ошибка транспорта содержит URL с токеном, поэтому ее текст не сохраняется
	return domain.NewExternalServiceError("telegram", "request_failed", method+" request failed", 0, nil)
}
