package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType тип события платежной системы после классификации
type PaymentEventType string

const (
	PaymentEventInvoicePaid           PaymentEventType = "invoice_paid"
	PaymentEventPaymentFailed         PaymentEventType = "payment_failed"
	PaymentEventSubscriptionCancelled PaymentEventType = "subscription_cancelled"
	// PaymentEventUnknown событие, которое сервис не обрабатывает; фиксируется и отбрасывается
	PaymentEventUnknown PaymentEventType = "unknown"
)

// PaymentEvent неизменяемая запись одной доставки вебхука
type PaymentEvent struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	EventID      string           `json:"event_id" db:"event_id"` // ID события в платежной системе
	Type         PaymentEventType `json:"event_type" db:"event_type"`
	ProviderType string           `json:"provider_type" db:"provider_type"` // исходный тип, например invoice.paid
	SubjectRef   string           `json:"subject_ref" db:"subject_ref"`
	// CustomerRef и SubscriptionRef приходят вместе с оплатой и записываются в реестр
	CustomerRef     string    `json:"customer_ref,omitempty" db:"customer_ref"`
	SubscriptionRef string    `json:"subscription_ref,omitempty" db:"subscription_ref"`
	RawPayload      []byte    `json:"-" db:"raw_payload"`
	Outcome         string    `json:"outcome" db:"outcome"`
	UserID          *UserID   `json:"user_id,omitempty" db:"user_id"`
	// ClaimedUserID пользователь из метаданных платежа; только для аудита, сопоставление идет по ссылкам
	ClaimedUserID *UserID   `json:"claimed_user_id,omitempty" db:"claimed_user_id"`
	ReceivedAt    time.Time `json:"received_at" db:"received_at"`
}

// UsageEvent неизменяемая запись одного обращения к AI-провайдеру
type UsageEvent struct {
	ID                uuid.UUID `json:"id" db:"id"`
	UserID            UserID    `json:"user_id" db:"user_id"`
	TokensUsed        int64     `json:"tokens_used" db:"tokens_used"`
	PromptFingerprint string    `json:"prompt_fingerprint" db:"prompt_fingerprint"`
	OccurredAt        time.Time `json:"occurred_at" db:"occurred_at"`
}
