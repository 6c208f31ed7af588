package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/premium-gate/internal/api/rest/handlers"
	"github.com/Dhoini/premium-gate/internal/api/rest/middleware"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// Handlers набор обработчиков; nil-обработчик означает, что его маршруты не подключаются.
// Пользовательский и административный API без Auth не подключаются.
type Handlers struct {
	User      *handlers.UserHandler
	Webhook   *handlers.WebhookHandler
	Telegram  *handlers.TelegramHandler
	Admin     *handlers.AdminHandler
	Readiness *handlers.ReadinessHandler
	Auth      *middleware.JWTMiddleware
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(log *logger.Logger, registry *prometheus.Registry, h Handlers) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	r.GET("/health", handlers.HealthCheck)
	if h.Readiness != nil {
		r.GET("/ready", h.Readiness.Ready)
	}

	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	if h.User != nil && h.Auth != nil {
		users := v1.Group("/users/:id", h.Auth.RequireAuth(middleware.ScopeUser, middleware.ScopeAdmin), h.Auth.RequireSubject("id"))
		{
			users.POST("/start", h.User.Start)
			users.POST("/ask", h.User.Ask)
			users.POST("/buy", h.User.Buy)
		}
	}

	if h.Admin != nil && h.Auth != nil {
		admin := v1.Group("/admin", h.Auth.RequireAuth(middleware.ScopeAdmin))
		{
			admin.GET("/users/:id", h.Admin.GetUser)
			admin.GET("/users/:id/usage", h.Admin.ListUsageEvents)
			admin.GET("/payment-events", h.Admin.ListPaymentEvents)
		}
	}

	// Вебхуки на корневом уровне роутера
	if h.Webhook != nil {
		r.POST("/webhooks/stripe", h.Webhook.HandleStripeWebhook)
	}
	if h.Telegram != nil {
		r.POST("/telegram", h.Telegram.HandleUpdate)
	}
	return r
}
