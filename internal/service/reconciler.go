package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/metrics"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// Outcome результат применения платежного события
type Outcome string

const (
	// OutcomeApplied переход записан в реестр
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate событие уже обработано, ничего не изменилось
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnresolvable субъект события не сопоставлен ни одному пользователю
	OutcomeUnresolvable Outcome = "unresolvable"
	// OutcomeStale событие относится к подписке, которая уже не текущая
	OutcomeStale Outcome = "stale"
	// OutcomeUnknownType тип события не обрабатывается
	OutcomeUnknownType Outcome = "unknown_event_type"
)

// DefaultNotifyTimeout ограничение на доставку одного уведомления о смене доступа
const DefaultNotifyTimeout = 10 * time.Second

// Reconciler применяет платежные события к реестру ровно один раз на event_id
type Reconciler interface {
	Apply(ctx context.Context, ev domain.PaymentEvent) (Outcome, error)

	// Wait ждет уведомлений, отправленных после уже примененных событий
	Wait()
}

type reconciler struct {
	ledger        repository.Ledger
	notifier      Notifier
	notifyTimeout time.Duration
	notifying     sync.WaitGroup
	metrics       metrics.WebhookMetrics
	log           *logger.Logger
}

// NewReconciler создает сервис сверки; notifier может быть nil
func NewReconciler(ledger repository.Ledger, notifier Notifier, m metrics.WebhookMetrics, log *logger.Logger) Reconciler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &reconciler{
		ledger:        ledger,
		notifier:      notifier,
		notifyTimeout: DefaultNotifyTimeout,
		metrics:       m,
		log:           log,
	}
}

// Apply дедуплицирует событие и применяет переход.
// Запись события и изменение доступа выполняются в одной транзакции: запись события
// идет последней, и конфликт по event_id откатывает изменение.
func (r *reconciler) Apply(ctx context.Context, ev domain.PaymentEvent) (Outcome, error) {
	log := r.log.With("eventID", ev.EventID, "type", ev.Type)

	processed, err := r.ledger.PaymentEventProcessed(ctx, ev.EventID)
	if err != nil {
		return "", fmt.Errorf("failed to check payment event: %w", err)
	}
	if processed {
		log.Debug("Duplicate payment event skipped")
		r.metrics.IncReconcile(string(ev.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	var (
		outcome Outcome
		userID  *domain.UserID
		change  *EntitlementChange
	)

	err = r.ledger.InTx(ctx, func(ctx context.Context, tx repository.LedgerOps) error {
		var err error
		outcome, userID, change, err = r.transition(ctx, tx, ev)
		if err != nil {
			return err
		}

		record := ev
		record.Outcome = string(outcome)
		record.UserID = userID
		return tx.RecordPaymentEvent(ctx, record)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// параллельная доставка того же события успела раньше
		log.Debug("Duplicate payment event lost the race")
		r.metrics.IncReconcile(string(ev.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}
	if err != nil {
		log.Errorw("Failed to reconcile payment event", "error", err)
		return "", err
	}

	r.metrics.IncReconcile(string(ev.Type), string(outcome))

	if ev.ClaimedUserID != nil && userID != nil && *ev.ClaimedUserID != *userID {
		log.Warnw("Payment metadata names another user than the ledger match",
			"claimedUserID", *ev.ClaimedUserID, "userID", *userID)
	}

	switch outcome {
	case OutcomeUnresolvable:
		log.Infow("Payment event subject not matched to any user, discarded",
			"subject", ev.SubjectRef, "customer", ev.CustomerRef, "claimedUserID", derefUserID(ev.ClaimedUserID))
	case OutcomeStale:
		log.Infow("Payment event refers to a superseded subscription, discarded",
			"subject", ev.SubjectRef, "subscription", ev.SubscriptionRef)
	case OutcomeUnknownType:
		log.Infow("Unhandled payment event type, discarded", "providerType", ev.ProviderType)
	case OutcomeApplied:
		log.Infow("Payment event applied", "userID", *userID)
	}

	if change != nil && r.notifier != nil {
		r.notify(ctx, *change)
	}

	return outcome, nil
}

func (r *reconciler) Wait() {
	r.notifying.Wait()
}

// notify доставляет уведомление в фоне, уже после коммита.
// Ошибка или обрыв запроса провайдера не откатывают доступ.
func (r *reconciler) notify(ctx context.Context, change EntitlementChange) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
	r.notifying.Add(1)
	go func() {
		defer r.notifying.Done()
		defer cancel()
		if err := r.notifier.NotifyEntitlement(ctx, change); err != nil {
			r.log.Warnw("Entitlement notification failed", "userID", change.UserID, "eventID", change.EventID, "error", err)
		}
	}()
}

// transition вычисляет и записывает переход для события внутри транзакции
func (r *reconciler) transition(ctx context.Context, tx repository.LedgerOps, ev domain.PaymentEvent) (Outcome, *domain.UserID, *EntitlementChange, error) {
	switch ev.Type {
	case domain.PaymentEventInvoicePaid:
		id, byCustomer, err := r.resolveInvoice(ctx, tx, ev)
		if errors.Is(err, repository.ErrNotFound) {
			return OutcomeUnresolvable, nil, nil, nil
		}
		if err != nil {
			return "", nil, nil, err
		}
		if byCustomer {
			// по клиенту приходят продления; оплата чужой подписки не заменяет текущую
			user, err := tx.Read(ctx, id)
			if err != nil {
				return "", nil, nil, err
			}
			current := domain.Deref(user.PaymentSubscriptionRef)
			if current != "" && ev.SubscriptionRef != current {
				return OutcomeStale, &id, nil, nil
			}
		}
		change, err := r.setPremium(ctx, tx, id, ev, domain.Entitlement{
			Premium:         true,
			CustomerRef:     domain.StringRef(ev.CustomerRef),
			SubscriptionRef: domain.StringRef(ev.SubscriptionRef),
		})
		if err != nil {
			return "", nil, nil, err
		}
		return OutcomeApplied, &id, change, nil

	case domain.PaymentEventPaymentFailed, domain.PaymentEventSubscriptionCancelled:
		id, err := tx.FindBySubscriptionRef(ctx, ev.SubjectRef)
		if errors.Is(err, repository.ErrNotFound) {
			// клиент известен, но его текущая подписка другая
			if owner, ferr := tx.FindByCustomerRef(ctx, ev.CustomerRef); ferr == nil {
				return OutcomeStale, &owner, nil, nil
			} else if !errors.Is(ferr, repository.ErrNotFound) {
				return "", nil, nil, ferr
			}
			return OutcomeUnresolvable, nil, nil, nil
		}
		if err != nil {
			return "", nil, nil, err
		}
		// ссылки сохраняются для аудита
		change, err := r.setPremium(ctx, tx, id, ev, domain.Entitlement{Premium: false})
		if err != nil {
			return "", nil, nil, err
		}
		return OutcomeApplied, &id, change, nil

	default:
		return OutcomeUnknownType, nil, nil, nil
	}
}

// resolveInvoice ищет пользователя по последнему счету, затем по клиенту.
// byCustomer сообщает, что счет не совпал и сработал поиск по клиенту.
func (r *reconciler) resolveInvoice(ctx context.Context, tx repository.LedgerOps, ev domain.PaymentEvent) (id domain.UserID, byCustomer bool, err error) {
	id, err = tx.FindByPendingInvoice(ctx, ev.SubjectRef)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return id, false, err
	}
	id, err = tx.FindByCustomerRef(ctx, ev.CustomerRef)
	return id, true, err
}

func derefUserID(id *domain.UserID) any {
	if id == nil {
		return nil
	}
	return *id
}

// setPremium записывает целевой уровень доступа; уведомление нужно только при смене уровня
func (r *reconciler) setPremium(ctx context.Context, tx repository.LedgerOps, id domain.UserID, ev domain.PaymentEvent, ent domain.Entitlement) (*EntitlementChange, error) {
	before, err := tx.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.SetEntitlement(ctx, id, ent); err != nil {
		return nil, err
	}
	if before.IsPremium == ent.Premium {
		return nil, nil
	}

	subRef := ev.SubscriptionRef
	if subRef == "" {
		subRef = domain.Deref(before.PaymentSubscriptionRef)
	}
	return &EntitlementChange{
		UserID:          id,
		Premium:         ent.Premium,
		EventID:         ev.EventID,
		EventType:       ev.Type,
		SubscriptionRef: subRef,
		OccurredAt:      ev.ReceivedAt,
	}, nil
}
