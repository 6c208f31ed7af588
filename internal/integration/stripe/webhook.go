package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// Типы событий Stripe, которые влияют на доступ
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
)

// WebhookVerifier проверяет подпись Stripe-Signature и разбирает события
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	log       *logger.Logger
}

// NewWebhookVerifier создает проверку вебхуков с секретом эндпоинта
func NewWebhookVerifier(secret string, log *logger.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		log:       log,
	}
}

// Verify проверяет подпись и метку времени; тело не разбирается.
// Без секрета эндпоинта любая доставка отклоняется.
func (v *WebhookVerifier) Verify(payload []byte, signature string) error {
	if v.secret == "" {
		return fmt.Errorf("%w: webhook secret is not configured", domain.ErrInvalidSignature)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", domain.ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

// Parse переводит событие Stripe в платежное событие домена.
// Неизвестные типы возвращаются как PaymentEventUnknown, а не как ошибка.
func (v *WebhookVerifier) Parse(payload []byte) (domain.PaymentEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if event.ID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event id is empty", domain.ErrMalformedEvent)
	}

	ev := domain.PaymentEvent{
		EventID:      event.ID,
		Type:         domain.PaymentEventUnknown,
		ProviderType: string(event.Type),
		RawPayload:   payload,
	}
	if event.Created > 0 {
		ev.ReceivedAt = time.Unix(event.Created, 0).UTC()
	}

	if event.Data == nil {
		if isHandled(string(event.Type)) {
			return domain.PaymentEvent{}, fmt.Errorf("%w: event %s has no data", domain.ErrMalformedEvent, event.ID)
		}
		return ev, nil
	}

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: checkout session: %v", domain.ErrMalformedEvent, err)
		}
		ev.Type = domain.PaymentEventInvoicePaid
		ev.SubjectRef = sess.ID
		ev.ClaimedUserID = claimedUser(sess.Metadata[MetadataUserKey], sess.ClientReferenceID)
		if sess.Customer != nil {
			ev.CustomerRef = sess.Customer.ID
		}
		if sess.Subscription != nil {
			ev.SubscriptionRef = sess.Subscription.ID
		}

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: invoice: %v", domain.ErrMalformedEvent, err)
		}
		if inv.Customer != nil {
			ev.CustomerRef = inv.Customer.ID
		}
		if inv.Subscription != nil {
			ev.SubscriptionRef = inv.Subscription.ID
		}
		if inv.SubscriptionDetails != nil {
			ev.ClaimedUserID = claimedUser(inv.SubscriptionDetails.Metadata[MetadataUserKey])
		}
		if string(event.Type) == EventInvoicePaid {
			ev.Type = domain.PaymentEventInvoicePaid
			ev.SubjectRef = inv.ID
		} else {
			ev.Type = domain.PaymentEventPaymentFailed
			ev.SubjectRef = ev.SubscriptionRef
		}

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: subscription: %v", domain.ErrMalformedEvent, err)
		}
		ev.Type = domain.PaymentEventSubscriptionCancelled
		ev.SubjectRef = sub.ID
		ev.SubscriptionRef = sub.ID
		ev.ClaimedUserID = claimedUser(sub.Metadata[MetadataUserKey])
		if sub.Customer != nil {
			ev.CustomerRef = sub.Customer.ID
		}

	default:
		v.log.Debugw("Unhandled Stripe event type", "eventID", event.ID, "type", event.Type)
	}

	return ev, nil
}

func isHandled(eventType string) bool {
	switch eventType {
	case EventCheckoutCompleted, EventInvoicePaid, EventInvoicePaymentFailed, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}

// claimedUser берет первый корректный ID пользователя из метаданных
func claimedUser(values ...string) *domain.UserID {
	for _, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n > 0 {
			id := domain.UserID(n)
			return &id
		}
	}
	return nil
}
