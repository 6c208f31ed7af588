package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// botServer запоминает последний запрос к Bot API
type botServer struct {
	mu     sync.Mutex
	path   string
	form   url.Values
	answer string
}

func (s *botServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.path = r.URL.Path
	s.form = r.PostForm
	answer := s.answer
	s.mu.Unlock()
	_, _ = w.Write([]byte(answer))
}

func (s *botServer) last() (string, url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.form
}

func TestClient_NotifyEntitlement(t *testing.T) {
	bot := &botServer{answer: `{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`}
	server := httptest.NewServer(bot)
	defer server.Close()

	c := NewClient("TOKEN", server.URL, logger.NewNop())
	require.NoError(t, c.NotifyEntitlement(context.Background(), service.EntitlementChange{UserID: 42, Premium: true}))

	path, form := bot.last()
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, PremiumActivatedText, form.Get("text"))

	require.NoError(t, c.NotifyEntitlement(context.Background(), service.EntitlementChange{UserID: 42, Premium: false}))
	_, form = bot.last()
	assert.Equal(t, PremiumEndedText, form.Get("text"))
}

func TestClient_SendMessageAPIError(t *testing.T) {
	bot := &botServer{answer: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`}
	server := httptest.NewServer(bot)
	defer server.Close()

	c := NewClient("TOKEN", server.URL, logger.NewNop())
	err := c.SendMessage(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalProvider)
	assert.Contains(t, err.Error(), "blocked")

	var extErr *domain.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "403", extErr.Code)
}

func TestClient_SendMessageHidesToken(t *testing.T) {
	c := NewClient("SECRET_TOKEN", "http://127.0.0.1:1", logger.NewNop())
	err := c.SendMessage(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET_TOKEN")
}

func TestClient_SendMessageRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient("TOKEN", server.URL, logger.NewNop())
	start := time.Now()
	err := c.SendMessage(ctx, 1, "hi")
	assert.ErrorIs(t, err, domain.ErrExternalProvider)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_RegisterWebhook(t *testing.T) {
	bot := &botServer{answer: `{"ok":true,"result":true}`}
	server := httptest.NewServer(bot)
	defer server.Close()

	c := NewClient("TOKEN", server.URL, logger.NewNop())
	require.NoError(t, c.RegisterWebhook(context.Background(), "https://gate.example.com/telegram", "s3cret"))

	path, form := bot.last()
	assert.Equal(t, "/botTOKEN/setWebhook", path)
	assert.Equal(t, "https://gate.example.com/telegram", form.Get("url"))
	assert.Equal(t, "s3cret", form.Get("secret_token"))
}
