package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestWebhookVerifier_Verify(t *testing.T) {
	v := NewWebhookVerifier(testSecret, logger.NewNop())
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, v.Verify(payload, sign(t, payload, testSecret)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := v.Verify(payload, sign(t, payload, "whsec_other"))
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		header := sign(t, payload, testSecret)
		err := v.Verify([]byte(`{"id":"evt_1","type":"invoice.paid","x":1}`), header)
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify(payload, ""), domain.ErrInvalidSignature)
	})

	t.Run("empty endpoint secret", func(t *testing.T) {
		unconfigured := NewWebhookVerifier("", logger.NewNop())
		err := unconfigured.Verify(payload, sign(t, payload, ""))
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})
}

func TestWebhookVerifier_Parse(t *testing.T) {
	v := NewWebhookVerifier(testSecret, logger.NewNop())

	tests := []struct {
		name         string
		payload      string
		wantType     domain.PaymentEventType
		wantSubject  string
		wantCustomer string
		wantSub      string
		wantClaimed  *domain.UserID
	}{
		{
			name: "checkout session completed",
			payload: `{"id":"evt_cs","object":"event","type":"checkout.session.completed","created":1710000000,
				"data":{"object":{"id":"cs_123","object":"checkout.session","customer":"cus_1","subscription":"sub_1",
				"client_reference_id":"42","metadata":{"telegram_user_id":"42"}}}}`,
			wantType:     domain.PaymentEventInvoicePaid,
			wantSubject:  "cs_123",
			wantCustomer: "cus_1",
			wantSub:      "sub_1",
			wantClaimed:  userRef(42),
		},
		{
			name: "invoice paid",
			payload: `{"id":"evt_inv","object":"event","type":"invoice.paid",
				"data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1"}}}`,
			wantType:     domain.PaymentEventInvoicePaid,
			wantSubject:  "in_1",
			wantCustomer: "cus_1",
			wantSub:      "sub_1",
		},
		{
			name: "invoice payment failed is keyed by subscription",
			payload: `{"id":"evt_fail","object":"event","type":"invoice.payment_failed",
				"data":{"object":{"id":"in_2","object":"invoice","customer":"cus_1","subscription":"sub_1"}}}`,
			wantType:     domain.PaymentEventPaymentFailed,
			wantSubject:  "sub_1",
			wantCustomer: "cus_1",
			wantSub:      "sub_1",
		},
		{
			name: "subscription deleted",
			payload: `{"id":"evt_del","object":"event","type":"customer.subscription.deleted",
				"data":{"object":{"id":"sub_9","object":"subscription","customer":"cus_2",
				"metadata":{"telegram_user_id":"not-a-number"}}}}`,
			wantType:     domain.PaymentEventSubscriptionCancelled,
			wantSubject:  "sub_9",
			wantCustomer: "cus_2",
			wantSub:      "sub_9",
		},
		{
			name: "unknown type",
			payload: `{"id":"evt_other","object":"event","type":"customer.created",
				"data":{"object":{"id":"cus_3","object":"customer"}}}`,
			wantType: domain.PaymentEventUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := v.Parse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantSubject, ev.SubjectRef)
			assert.Equal(t, tt.wantCustomer, ev.CustomerRef)
			assert.Equal(t, tt.wantSub, ev.SubscriptionRef)
			assert.Equal(t, tt.wantClaimed, ev.ClaimedUserID)
			assert.NotEmpty(t, ev.EventID)
			assert.NotEmpty(t, ev.RawPayload)
		})
	}
}

func TestWebhookVerifier_ParseMalformed(t *testing.T) {
	v := NewWebhookVerifier(testSecret, logger.NewNop())

	for name, payload := range map[string]string{
		"not json":        `{"id":`,
		"missing id":      `{"type":"invoice.paid","data":{"object":{}}}`,
		"handled no data": `{"id":"evt_1","type":"invoice.paid"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse([]byte(payload))
			assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		})
	}
}

func userRef(id domain.UserID) *domain.UserID {
	return &id
}
