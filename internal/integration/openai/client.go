package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

const defaultModel = "gpt-4o-mini"

// Config параметры AI-провайдера
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	MaxTokens    int
	SystemPrompt string
}

// chatAPI часть клиента go-openai, которую использует сервис
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Client клиент OpenAI-совместимого API chat completions; реализует service.Completer.
// Таймаут задает вызывающий через ctx.
type Client struct {
	api chatAPI
	cfg Config
	log *logger.Logger
}

// NewClient создает клиент; пустой BaseURL означает api.openai.com
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}

	return &Client{
		api: goopenai.NewClientWithConfig(apiCfg),
		cfg: cfg,
		log: log,
	}
}

// Complete отправляет запрос и возвращает текст и общее число токенов
func (c *Client) Complete(ctx context.Context, prompt string) (service.Completion, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return service.Completion{}, c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return service.Completion{}, domain.NewExternalServiceError("openai", "empty_response", "no choices in response", 0, nil)
	}

	tokens := int64(resp.Usage.TotalTokens)
	if tokens == 0 {
		tokens = int64(resp.Usage.PromptTokens + resp.Usage.CompletionTokens)
	}

	c.log.Debugw("AI completion received", "id", resp.ID, "tokens", tokens)
	return service.Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: tokens,
	}, nil
}

func (c *Client) wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		c.log.Warnw("AI provider returned an error", "status", apiErr.HTTPStatusCode, "type", apiErr.Type, "message", apiErr.Message)
		code := apiErr.Type
		if code == "" {
			code = "api_error"
		}
		return domain.NewExternalServiceError("openai", code, apiErr.Message, apiErr.HTTPStatusCode, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return domain.NewExternalServiceError("openai", "bad_response", "unexpected response", reqErr.HTTPStatusCode, err)
	}
	return domain.NewExternalServiceError("openai", "request_failed", "request failed", 0, err)
}
