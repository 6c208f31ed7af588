package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// DefaultEntitlementTopic топик смен доступа, если другой не задан
const DefaultEntitlementTopic = "premium.entitlement_changed"

// messageWriter часть kafka.Writer, которую использует продюсер
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EntitlementMessage тело сообщения о смене доступа
type EntitlementMessage struct {
	MessageID string `json:"message_id"`
	service.EntitlementChange
}

// EntitlementPublisher публикует смены доступа в Kafka; реализует service.Notifier
type EntitlementPublisher struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

// NewEntitlementPublisher создает и настраивает продюсер на segmentio/kafka-go
func NewEntitlementPublisher(brokers []string, topic string, log *logger.Logger) (*EntitlementPublisher, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}
	if topic == "" {
		topic = DefaultEntitlementTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // один пользователь в одну партицию
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka entitlement producer initialized", "brokers", brokers, "topic", topic)
	return newEntitlementPublisher(writer, topic, log), nil
}

func newEntitlementPublisher(w messageWriter, topic string, log *logger.Logger) *EntitlementPublisher {
	return &EntitlementPublisher{writer: w, topic: topic, log: log}
}

// NotifyEntitlement публикует смену доступа; ключ сообщения: ID пользователя
func (p *EntitlementPublisher) NotifyEntitlement(ctx context.Context, change service.EntitlementChange) error {
	key := []byte(strconv.FormatInt(int64(change.UserID), 10))

	value, err := json.Marshal(EntitlementMessage{
		MessageID:         uuid.NewString(),
		EntitlementChange: change,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(change.EventType)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", p.topic, "userID", change.UserID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		p.log.Errorw("Failed to write message to Kafka", "error", err, "topic", p.topic, "userID", change.UserID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	p.log.Infow("Published entitlement change", "topic", p.topic, "userID", change.UserID, "premium", change.Premium)
	return nil
}

// Close закрывает writer; вызывается при остановке сервиса
func (p *EntitlementPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	p.log.Infow("Kafka producer writer closed successfully")
	return nil
}
