package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/metrics"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// EntitlementChange сообщение о смене премиум-статуса пользователя
type EntitlementChange struct {
	UserID          domain.UserID           `json:"user_id"`
	Premium         bool                    `json:"premium"`
	EventID         string                  `json:"event_id"`
	EventType       domain.PaymentEventType `json:"event_type"`
	SubscriptionRef string                  `json:"subscription_ref,omitempty"`
	OccurredAt      time.Time               `json:"occurred_at"`
}

// Notifier доставляет уведомление о смене доступа во внешний канал
type Notifier interface {
	NotifyEntitlement(ctx context.Context, change EntitlementChange) error
}

// NamedNotifier канал уведомлений с именем для логов и метрик
type NamedNotifier struct {
	Name     string
	Notifier Notifier
}

// MultiNotifier рассылает уведомление во все каналы.
// Ошибка одного канала не мешает остальным.
type MultiNotifier struct {
	channels []NamedNotifier
	metrics  metrics.WebhookMetrics
	log      *logger.Logger
}

// NewMultiNotifier создает рассылку по каналам
func NewMultiNotifier(m metrics.WebhookMetrics, log *logger.Logger, channels ...NamedNotifier) *MultiNotifier {
	if m == nil {
		m = metrics.Nop{}
	}
	return &MultiNotifier{channels: channels, metrics: m, log: log}
}

// NotifyEntitlement отправляет change во все каналы и возвращает объединенную ошибку
func (n *MultiNotifier) NotifyEntitlement(ctx context.Context, change EntitlementChange) error {
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Notifier.NotifyEntitlement(ctx, change); err != nil {
			n.log.Warnw("Failed to deliver entitlement notification",
				"channel", ch.Name, "userID", change.UserID, "eventID", change.EventID, "error", err)
			n.metrics.IncNotifyFailure(ch.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
