package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/premium-gate/pkg/logger"
)

// GateMetrics метрики шлюза запросов к AI
type GateMetrics interface {
	IncDecision(decision string)
	IncAIFailure()
	ObserveAICall(d time.Duration)
	AddTokens(premium bool, n int64)
}

// WebhookMetrics метрики приема платежных событий
type WebhookMetrics interface {
	IncWebhook(result string)
	IncReconcile(eventType, outcome string)
	IncNotifyFailure(channel string)
}

type gateMetrics struct {
	log        *logger.Logger
	decisions  *prometheus.CounterVec
	aiFailures prometheus.Counter
	aiLatency  prometheus.Histogram
	tokens     *prometheus.CounterVec
}

// NewGateMetrics регистрирует метрики шлюза в registry
func NewGateMetrics(registry *prometheus.Registry, log *logger.Logger) GateMetrics {
	decisions := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "The total number of quota decisions by result",
		},
		[]string{"decision"},
	)

	aiFailures := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "gate_ai_failures_total",
			Help: "The total number of failed or timed out AI provider calls",
		},
	)

	aiLatency := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_ai_call_duration_seconds",
			Help:    "AI provider call latency",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. 32s
		},
	)

	tokens := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_tokens_consumed_total",
			Help: "The total number of AI provider tokens accounted to users",
		},
		[]string{"plan"},
	)

	return &gateMetrics{
		log:        log,
		decisions:  decisions,
		aiFailures: aiFailures,
		aiLatency:  aiLatency,
		tokens:     tokens,
	}
}

// IncDecision увеличивает счетчик решений квоты
func (m *gateMetrics) IncDecision(decision string) {
	m.decisions.WithLabelValues(decision).Inc()
}

// IncAIFailure увеличивает счетчик неудачных вызовов AI
func (m *gateMetrics) IncAIFailure() {
	m.aiFailures.Inc()
}

// ObserveAICall записывает длительность вызова AI
func (m *gateMetrics) ObserveAICall(d time.Duration) {
	m.aiLatency.Observe(d.Seconds())
}

// AddTokens добавляет учтенные токены
func (m *gateMetrics) AddTokens(premium bool, n int64) {
	plan := "free"
	if premium {
		plan = "premium"
	}
	m.tokens.WithLabelValues(plan).Add(float64(n))
}

type webhookMetrics struct {
	log            *logger.Logger
	webhooks       *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
}

// NewWebhookMetrics регистрирует метрики вебхуков в registry
func NewWebhookMetrics(registry *prometheus.Registry, log *logger.Logger) WebhookMetrics {
	webhooks := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "The total number of payment webhook deliveries by result",
		},
		[]string{"result"},
	)

	reconciles := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_reconcile_total",
			Help: "The total number of reconciled payment events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	notifyFailures := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_notify_failures_total",
			Help: "The total number of failed entitlement notifications",
		},
		[]string{"channel"},
	)

	return &webhookMetrics{
		log:            log,
		webhooks:       webhooks,
		reconciles:     reconciles,
		notifyFailures: notifyFailures,
	}
}

// IncWebhook увеличивает счетчик доставок вебхуков
func (m *webhookMetrics) IncWebhook(result string) {
	m.webhooks.WithLabelValues(result).Inc()
}

// IncReconcile увеличивает счетчик сверок
func (m *webhookMetrics) IncReconcile(eventType, outcome string) {
	m.reconciles.WithLabelValues(eventType, outcome).Inc()
}

// IncNotifyFailure увеличивает счетчик неудачных уведомлений
func (m *webhookMetrics) IncNotifyFailure(channel string) {
	m.notifyFailures.WithLabelValues(channel).Inc()
}

// Nop метрики, которые ничего не записывают
type Nop struct{}

func (Nop) IncDecision(string) {}
func (Nop) IncAIFailure() {}
func (Nop) ObserveAICall(time.Duration) {}
func (Nop) AddTokens(bool, int64) {}
func (Nop) IncWebhook(string) {}
func (Nop) IncReconcile(string, string) {}
func (Nop) IncNotifyFailure(string) {}
