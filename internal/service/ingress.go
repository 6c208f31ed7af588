package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/metrics"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// SignatureVerifier проверяет подпись тела вебхука
type SignatureVerifier interface {
	// Verify возвращает domain.ErrInvalidSignature, если подпись не сходится
	Verify(payload []byte, signature string) error
}

// EventParser разбирает проверенное тело вебхука в платежное событие
type EventParser interface {
	// Parse возвращает domain.ErrMalformedEvent для тела, которое нельзя разобрать
	Parse(payload []byte) (domain.PaymentEvent, error)
}

// IngressResult ответ приема вебхука
type IngressResult struct {
	Accepted bool
	EventID  string
	Outcome  Outcome
}

// Ingress принимает доставки вебхуков платежной системы
type Ingress interface {
	// Receive проверяет подпись до разбора тела и передает событие на сверку.
	// Ошибка без domain.ErrInvalidSignature или domain.ErrMalformedEvent означает сбой
	// хранилища; провайдер должен повторить доставку.
	Receive(ctx context.Context, payload []byte, signature string) (IngressResult, error)
}

type ingress struct {
	verifier   SignatureVerifier
	parser     EventParser
	reconciler Reconciler
	now        func() time.Time
	metrics    metrics.WebhookMetrics
	log        *logger.Logger
}

// NewIngress создает прием вебхуков
func NewIngress(verifier SignatureVerifier, parser EventParser, reconciler Reconciler, m metrics.WebhookMetrics, log *logger.Logger) Ingress {
	if m == nil {
		m = metrics.Nop{}
	}
	return &ingress{
		verifier:   verifier,
		parser:     parser,
		reconciler: reconciler,
		now:        time.Now,
		metrics:    m,
		log:        log,
	}
}

func (i *ingress) Receive(ctx context.Context, payload []byte, signature string) (IngressResult, error) {
	if err := i.verifier.Verify(payload, signature); err != nil {
		i.log.Warnw("Rejected webhook with invalid signature", "error", err, "size", len(payload))
		i.metrics.IncWebhook("invalid_signature")
		if !errors.Is(err, domain.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		return IngressResult{}, err
	}

	ev, err := i.parser.Parse(payload)
	if err != nil {
		i.log.Warnw("Rejected malformed webhook payload", "error", err)
		i.metrics.IncWebhook("malformed")
		if !errors.Is(err, domain.ErrMalformedEvent) {
			err = fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
		return IngressResult{}, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = i.now()
	}
	if ev.RawPayload == nil {
		ev.RawPayload = payload
	}

	outcome, err := i.reconciler.Apply(ctx, ev)
	if err != nil {
		i.metrics.IncWebhook("error")
		return IngressResult{EventID: ev.EventID}, fmt.Errorf("failed to reconcile event %s: %w", ev.EventID, err)
	}

	i.metrics.IncWebhook("accepted")
	return IngressResult{Accepted: true, EventID: ev.EventID, Outcome: outcome}, nil
}
