package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// UsageMessage событие расхода для Kafka; текст запроса не передается
type UsageMessage struct {
	ID                string    `json:"id"`
	UserID            int64     `json:"user_id"`
	TokensUsed        int64     `json:"tokens_used"`
	PromptFingerprint string    `json:"prompt_fingerprint"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// UsageProducer публикует записанные события расхода; реализует service.UsagePublisher
type UsageProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewUsageProducer создает продюсер событий расхода
func NewUsageProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *UsageProducer {
	return &UsageProducer{
		producer: producer,
		topic:    topic,
		log:      log,
	}
}

// PublishUsage отправляет событие расхода
func (p *UsageProducer) PublishUsage(ctx context.Context, ev domain.UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messageValue, err := json.Marshal(UsageMessage{
		ID:                ev.ID.String(),
		UserID:            int64(ev.UserID),
		TokensUsed:        ev.TokensUsed,
		PromptFingerprint: ev.PromptFingerprint,
		OccurredAt:        ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(int64(ev.UserID), 10)),
		Value: sarama.ByteEncoder(messageValue),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte("usage_recorded"),
			},
		},
		Timestamp: ev.OccurredAt,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish usage event: %w", err)
	}

	p.log.Debugw("Published usage event", "topic", p.topic, "partition", partition, "offset", offset, "userID", ev.UserID)
	return nil
}

// Close закрывает продюсер
func (p *UsageProducer) Close() error {
	return p.producer.Close()
}
