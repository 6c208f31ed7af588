package repository

import (
	"context"

	"github.com/Dhoini/premium-gate/internal/domain"
)

// LedgerOps атомарные операции над реестром пользователей.
// Каждая операция, кроме Ensure, возвращает domain.ErrUserNotFound для неизвестного id.
type LedgerOps interface {
	// Ensure создает пользователя с состоянием по умолчанию, если его нет
	Ensure(ctx context.Context, id domain.UserID) error

	// Read возвращает состояние, записывая ленивые сбросы дня и месяца в той же операции
	Read(ctx context.Context, id domain.UserID) (domain.User, error)

	// IncrementFreeRequest атомарно увеличивает счетчик бесплатных запросов за сегодня
	IncrementFreeRequest(ctx context.Context, id domain.UserID) error

	// IncrementTokens атомарно добавляет n токенов к месячному расходу
	IncrementTokens(ctx context.Context, id domain.UserID, n int64) error

	// SetEntitlement записывает премиум-статус и платежные ссылки
	SetEntitlement(ctx context.Context, id domain.UserID, ent domain.Entitlement) error

	// SetPendingInvoice перезаписывает ссылку на неоплаченный счет
	SetPendingInvoice(ctx context.Context, id domain.UserID, invoiceRef string) error

	// FindBySubscriptionRef ищет пользователя с текущей подпиской ref
	FindBySubscriptionRef(ctx context.Context, ref string) (domain.UserID, error)

	// FindByPendingInvoice ищет пользователя, чей последний счет равен ref
	FindByPendingInvoice(ctx context.Context, ref string) (domain.UserID, error)

	// FindByCustomerRef ищет пользователя по ID клиента в платежной системе
	FindByCustomerRef(ctx context.Context, ref string) (domain.UserID, error)

	// PaymentEventProcessed проверяет, было ли событие уже записано
	PaymentEventProcessed(ctx context.Context, eventID string) (bool, error)

	// RecordPaymentEvent записывает событие; ErrDuplicate, если event_id уже есть
	RecordPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error

	// AppendUsageEvent добавляет запись в журнал расхода
	AppendUsageEvent(ctx context.Context, ev domain.UsageEvent) error
}

// Ledger реестр пользователей: единственный источник истины о доступе и расходе
type Ledger interface {
	LedgerOps

	// InTx выполняет fn в одной транзакции; ошибка fn откатывает все изменения
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerOps) error) error
}
