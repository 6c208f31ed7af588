// Package app собирает зависимости сервиса из конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dhoini/premium-gate/internal/api/rest"
	"github.com/Dhoini/premium-gate/internal/api/rest/handlers"
	"github.com/Dhoini/premium-gate/internal/api/rest/middleware"
	"github.com/Dhoini/premium-gate/internal/config"
	"github.com/Dhoini/premium-gate/internal/db"
	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/integration/openai"
	"github.com/Dhoini/premium-gate/internal/integration/stripe"
	"github.com/Dhoini/premium-gate/internal/integration/telegram"
	"github.com/Dhoini/premium-gate/internal/kafka"
	"github.com/Dhoini/premium-gate/internal/kafka/producer"
	"github.com/Dhoini/premium-gate/internal/metrics"
	"github.com/Dhoini/premium-gate/internal/quota"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/internal/repository/postgres"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Router   *gin.Engine

	Ledger     repository.Ledger
	Gate       service.Gate
	Reconciler service.Reconciler
	Ingress    service.Ingress
	Checkout   service.CheckoutService

	log     *logger.Logger
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New создает и инициализирует новый экземпляр приложения.
// Postgres обязателен, если задан database.dsn; Redis, Kafka и Telegram необязательны:
// при ошибке подключения сервис работает без них.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		log:      log,
	}

	gateMetrics := metrics.NewGateMetrics(a.Registry, log)
	webhookMetrics := metrics.NewWebhookMetrics(a.Registry, log)

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	calendar := domain.NewCalendar(loc, cfg.Quota.MonthlyWindow)
	engine := quota.NewEngine(quota.Limits{
		DailyFreeLimit:      cfg.Quota.DailyFreeLimit,
		MonthlyTokenCeiling: cfg.Quota.MonthlyTokenCeiling,
	}, calendar)

	checks := map[string]handlers.Checker{}

	// Реестр
	var audit handlers.AuditReader
	var samplers []metrics.Sampler
	if cfg.Database.DSN != "" {
		pool, err := postgres.NewConnection(ctx, cfg.Database.DSN, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })

		if err := postgres.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		a.Ledger = postgres.NewLedger(pool, calendar, time.Now, log)
		checks["postgres"] = pool.Ping
		samplers = append(samplers,
			metrics.Sampler{
				Name: "postgres_pool_acquired_conns",
				Help: "Connections currently acquired from the pgx pool",
				Read: func() float64 { return float64(pool.Stat().AcquiredConns()) },
			},
			metrics.Sampler{
				Name: "postgres_pool_total_conns",
				Help: "Connections currently held by the pgx pool",
				Read: func() float64 { return float64(pool.Stat().TotalConns()) },
			},
		)

		auditDB, err := db.NewDBClient(cfg.Database.DSN, log.Zap())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.onClose("audit db", auditDB.Close)
		audit = auditDB
	} else {
		log.Warn("database.dsn is empty, using in-memory ledger: state is lost on restart")
		mem := repository.NewInMemoryLedger(calendar, time.Now, log)
		a.Ledger = mem
		audit = mem
	}

	systemMetrics := metrics.NewSystemMetrics(a.Registry, log, samplers...)
	systemMetrics.StartRecording(15 * time.Second)
	a.onClose("system metrics", func() error { systemMetrics.Stop(); return nil })

	// Блокировка покупки
	var lock service.CheckoutLock
	if cfg.Redis.Addr != "" {
		redisLock, err := repository.NewRedisCheckoutLock(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Checkout.LockTTL, log)
		if err != nil {
			log.Warnw("Redis unavailable, checkout lock disabled", "error", err)
		} else {
			lock = redisLock
			checks["redis"] = redisLock.Ping
			a.onClose("redis", redisLock.Close)
		}
	}

	// Kafka
	var usage service.UsagePublisher
	var channels []service.NamedNotifier
	if len(cfg.Kafka.Brokers) > 0 {
		topics := kafka.RequiredTopics(cfg.Kafka.EntitlementTopic, cfg.Kafka.UsageTopic)
		if err := kafka.EnsureKafkaTopics(ctx, cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}

		entitlements, err := kafka.NewEntitlementPublisher(cfg.Kafka.Brokers, cfg.Kafka.EntitlementTopic, log)
		if err != nil {
			log.Warnw("Entitlement publisher disabled", "error", err)
		} else {
			channels = append(channels, service.NamedNotifier{Name: "kafka", Notifier: entitlements})
			a.onClose("kafka entitlement writer", entitlements.Close)
		}

		sp, err := kafka.NewSyncProducer(kafka.NewConfig(cfg.Kafka.Brokers), log)
		if err != nil {
			log.Warnw("Usage publisher disabled", "error", err)
		} else {
			usageProducer := producer.NewUsageProducer(sp, cfg.Kafka.UsageTopic, log)
			usage = usageProducer
			a.onClose("kafka usage producer", usageProducer.Close)
		}
	}

	// Telegram
	var tg *telegram.Client
	if cfg.Telegram.BotToken != "" {
		tg = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIURL, log)
		channels = append(channels, service.NamedNotifier{Name: "telegram", Notifier: tg})
		if cfg.Telegram.WebhookURL != "" {
			if err := tg.RegisterWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
				log.Warnw("Failed to register Telegram webhook", "error", err)
			}
		}
	} else {
		log.Warn("telegram.botToken is empty, bot updates and direct notifications are disabled")
	}

	var notifier service.Notifier
	if len(channels) > 0 {
		notifier = service.NewMultiNotifier(webhookMetrics, log, channels...)
	}

	// Внешние провайдеры
	stripeClient := stripe.NewClient(stripe.Config{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		PriceID:       cfg.Stripe.PriceID,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
	}, log)
	verifier := stripe.NewWebhookVerifier(cfg.Stripe.WebhookSecret, log)
	completer := openai.NewClient(openai.Config{
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.OpenAI.Model,
		BaseURL:      cfg.OpenAI.BaseURL,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
	}, log)

	// Сервисы
	a.Gate = service.NewGate(a.Ledger, engine, completer, usage, service.GateConfig{AITimeout: cfg.Quota.AITimeout}, time.Now, gateMetrics, log)
	a.Reconciler = service.NewReconciler(a.Ledger, notifier, webhookMetrics, log)
	a.onClose("entitlement notifications", func() error { a.Reconciler.Wait(); return nil })
	a.Ingress = service.NewIngress(verifier, verifier, a.Reconciler, webhookMetrics, log)
	a.Checkout = service.NewCheckoutService(a.Ledger, stripeClient, lock, log)

	h := rest.Handlers{
		User:      handlers.NewUserHandler(a.Gate, a.Checkout, log),
		Webhook:   handlers.NewWebhookHandler(a.Ingress, log),
		Admin:     handlers.NewAdminHandler(a.Ledger, audit, log),
		Readiness: handlers.NewReadinessHandler(checks),
	}
	if tg != nil {
		h.Telegram = handlers.NewTelegramHandler(a.Gate, a.Checkout, tg, cfg.Telegram.WebhookSecret, log)
	}
	if cfg.Auth.JWTSecret != "" {
		h.Auth = middleware.NewJWTMiddleware(log, &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)})
	} else {
		log.Warn("auth.jwtSecret is empty, user and admin API are disabled")
	}

	a.Router = rest.SetupRouter(log, a.Registry, h)
	return a, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close освобождает ресурсы в обратном порядке создания
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Errorw("Failed to close resource", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
