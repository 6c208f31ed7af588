package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/service"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestEntitlementPublisher_NotifyEntitlement(t *testing.T) {
	w := &fakeWriter{}
	p := newEntitlementPublisher(w, DefaultEntitlementTopic, logger.NewNop())

	change := service.EntitlementChange{
		UserID:          42,
		Premium:         true,
		EventID:         "evt_1",
		EventType:       domain.PaymentEventInvoicePaid,
		SubscriptionRef: "sub_1",
		OccurredAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.NotifyEntitlement(context.Background(), change))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "42", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "invoice_paid", string(msg.Headers[0].Value))

	var body EntitlementMessage
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.NotEmpty(t, body.MessageID)
	assert.Equal(t, domain.UserID(42), body.UserID)
	assert.True(t, body.Premium)
	assert.Equal(t, "sub_1", body.SubscriptionRef)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestEntitlementPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newEntitlementPublisher(w, DefaultEntitlementTopic, logger.NewNop())

	err := p.NotifyEntitlement(context.Background(), service.EntitlementChange{UserID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestNewEntitlementPublisher_NoBrokers(t *testing.T) {
	_, err := NewEntitlementPublisher(nil, "", logger.NewNop())
	assert.Error(t, err)
}

func TestMissingTopics(t *testing.T) {
	topics := RequiredTopics("a", "b")
	missing := missingTopics(topics, map[string]bool{"a": true})
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].Topic)
	assert.Equal(t, []string{"a", "b"}, topicNames(topics))
}

func TestValidateBroker(t *testing.T) {
	assert.NoError(t, validateBroker("localhost:9092"))
	assert.Error(t, validateBroker("localhost"))
	assert.Error(t, validateBroker("localhost:port"))
}
