package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// querier общая часть *pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB пул, поверх которого работает реестр; *pgxpool.Pool подходит
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger реализация реестра пользователей через PostgreSQL.
// Сбросы и инкременты выполняются одним UPDATE, поэтому конкурентные
// запросы одного пользователя сериализуются блокировкой строки.
type Ledger struct {
	pool     DB
	calendar domain.Calendar
	now      repository.Clock
	log      *logger.Logger
}

// NewLedger создает реестр поверх пула соединений
func NewLedger(pool DB, calendar domain.Calendar, now repository.Clock, log *logger.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{pool: pool, calendar: calendar, now: now, log: log}
}

func (l *Ledger) ops(q querier) *ledgerOps {
	return &ledgerOps{q: q, calendar: l.calendar, now: l.now}
}

// InTx выполняет fn в транзакции; коммит только если fn вернула nil
func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerOps) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, l.ops(tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			l.log.Warnw("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (l *Ledger) Ensure(ctx context.Context, id domain.UserID) error {
	return l.ops(l.pool).Ensure(ctx, id)
}

func (l *Ledger) Read(ctx context.Context, id domain.UserID) (domain.User, error) {
	return l.ops(l.pool).Read(ctx, id)
}

func (l *Ledger) IncrementFreeRequest(ctx context.Context, id domain.UserID) error {
	return l.ops(l.pool).IncrementFreeRequest(ctx, id)
}

func (l *Ledger) IncrementTokens(ctx context.Context, id domain.UserID, n int64) error {
	return l.ops(l.pool).IncrementTokens(ctx, id, n)
}

func (l *Ledger) SetEntitlement(ctx context.Context, id domain.UserID, ent domain.Entitlement) error {
	return l.ops(l.pool).SetEntitlement(ctx, id, ent)
}

func (l *Ledger) SetPendingInvoice(ctx context.Context, id domain.UserID, invoiceRef string) error {
	return l.ops(l.pool).SetPendingInvoice(ctx, id, invoiceRef)
}

func (l *Ledger) FindBySubscriptionRef(ctx context.Context, ref string) (domain.UserID, error) {
	return l.ops(l.pool).FindBySubscriptionRef(ctx, ref)
}

func (l *Ledger) FindByPendingInvoice(ctx context.Context, ref string) (domain.UserID, error) {
	return l.ops(l.pool).FindByPendingInvoice(ctx, ref)
}

func (l *Ledger) FindByCustomerRef(ctx context.Context, ref string) (domain.UserID, error) {
	return l.ops(l.pool).FindByCustomerRef(ctx, ref)
}

func (l *Ledger) PaymentEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return l.ops(l.pool).PaymentEventProcessed(ctx, eventID)
}

func (l *Ledger) RecordPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	return l.ops(l.pool).RecordPaymentEvent(ctx, ev)
}

func (l *Ledger) AppendUsageEvent(ctx context.Context, ev domain.UsageEvent) error {
	return l.ops(l.pool).AppendUsageEvent(ctx, ev)
}

type ledgerOps struct {
	q        querier
	calendar domain.Calendar
	now      repository.Clock
}

const userColumns = `id, is_premium, free_requests_today, last_request_date, monthly_tokens_used,
	monthly_reset_at, payment_customer_ref, payment_subscription_ref, pending_invoice_ref,
	created_at, updated_at`

// windowSeconds длина месячного окна для make_interval
func (o *ledgerOps) windowSeconds() float64 {
	return o.calendar.MonthlyWindow.Seconds()
}

func (o *ledgerOps) scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	var id int64
	err := row.Scan(
		&id,
		&u.IsPremium,
		&u.FreeRequestsToday,
		&u.LastRequestDate,
		&u.MonthlyTokensUsed,
		&u.MonthlyResetAt,
		&u.PaymentCustomerRef,
		&u.PaymentSubscriptionRef,
		&u.PendingInvoiceRef,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	u.ID = domain.UserID(id)
	// DATE приходит как полночь UTC; переводим в полночь того же дня в поясе учета
	d := u.LastRequestDate
	u.LastRequestDate = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, o.calendar.Location)
	return u, nil
}

func (o *ledgerOps) Ensure(ctx context.Context, id domain.UserID) error {
	now := o.now()
	query := `
		INSERT INTO users (id, last_request_date, monthly_reset_at)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := o.q.Exec(ctx, query, int64(id), o.calendar.Day(now), now); err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

func (o *ledgerOps) Read(ctx context.Context, id domain.UserID) (domain.User, error) {
	now := o.now()
	// Все выражения SET видят старые значения строки, поэтому сброс и чтение атомарны
	query := `
		UPDATE users SET
			free_requests_today = CASE WHEN last_request_date IS DISTINCT FROM $2::date
				THEN 0 ELSE free_requests_today END,
			last_request_date = $2::date,
			monthly_tokens_used = CASE WHEN $3 >= monthly_reset_at + make_interval(secs => $4)
				THEN 0 ELSE monthly_tokens_used END,
			monthly_reset_at = CASE WHEN $3 >= monthly_reset_at + make_interval(secs => $4)
				THEN $3 ELSE monthly_reset_at END
		WHERE id = $1
		RETURNING ` + userColumns

	u, err := o.scanUser(o.q.QueryRow(ctx, query, int64(id), o.calendar.Day(now), now, o.windowSeconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.NewUserNotFoundError(id)
		}
		return domain.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	return u, nil
}

func (o *ledgerOps) IncrementFreeRequest(ctx context.Context, id domain.UserID) error {
	query := `
		UPDATE users SET
			free_requests_today = CASE WHEN last_request_date IS DISTINCT FROM $2::date
				THEN 1 ELSE free_requests_today + 1 END,
			last_request_date = $2::date,
			updated_at = now()
		WHERE id = $1
	`
	tag, err := o.q.Exec(ctx, query, int64(id), o.calendar.Day(o.now()))
	if err != nil {
		return fmt.Errorf("failed to increment free requests: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewUserNotFoundError(id)
	}
	return nil
}

func (o *ledgerOps) IncrementTokens(ctx context.Context, id domain.UserID, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative token count %d", domain.ErrInvalidInput, n)
	}
	query := `
		UPDATE users SET
			monthly_tokens_used = CASE WHEN $3 >= monthly_reset_at + make_interval(secs => $4)
				THEN $2 ELSE monthly_tokens_used + $2 END,
			monthly_reset_at = CASE WHEN $3 >= monthly_reset_at + make_interval(secs => $4)
				THEN $3 ELSE monthly_reset_at END,
			updated_at = now()
		WHERE id = $1
	`
	tag, err := o.q.Exec(ctx, query, int64(id), n, o.now(), o.windowSeconds())
	if err != nil {
		return fmt.Errorf("failed to increment tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewUserNotFoundError(id)
	}
	return nil
}

func (o *ledgerOps) SetEntitlement(ctx context.Context, id domain.UserID, ent domain.Entitlement) error {
	query := `
		UPDATE users SET
			is_premium = $2,
			payment_customer_ref = COALESCE($3, payment_customer_ref),
			payment_subscription_ref = COALESCE($4, payment_subscription_ref),
			pending_invoice_ref = CASE WHEN $2 THEN NULL ELSE pending_invoice_ref END,
			updated_at = now()
		WHERE id = $1
	`
	tag, err := o.q.Exec(ctx, query, int64(id), ent.Premium, ent.CustomerRef, ent.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewUserNotFoundError(id)
	}
	return nil
}

func (o *ledgerOps) SetPendingInvoice(ctx context.Context, id domain.UserID, invoiceRef string) error {
	query := `UPDATE users SET pending_invoice_ref = $2, updated_at = now() WHERE id = $1`
	tag, err := o.q.Exec(ctx, query, int64(id), domain.StringRef(invoiceRef))
	if err != nil {
		return fmt.Errorf("failed to set pending invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewUserNotFoundError(id)
	}
	return nil
}

func (o *ledgerOps) findBy(ctx context.Context, column, ref string) (domain.UserID, error) {
	if ref == "" {
		return 0, repository.ErrNotFound
	}
	var id int64
	// column берется только из констант этого файла
	query := `SELECT id FROM users WHERE ` + column + ` = $1 ORDER BY updated_at DESC LIMIT 1`
	if err := o.q.QueryRow(ctx, query, ref).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to find user by %s: %w", column, err)
	}
	return domain.UserID(id), nil
}

func (o *ledgerOps) FindBySubscriptionRef(ctx context.Context, ref string) (domain.UserID, error) {
	return o.findBy(ctx, "payment_subscription_ref", ref)
}

func (o *ledgerOps) FindByPendingInvoice(ctx context.Context, ref string) (domain.UserID, error) {
	return o.findBy(ctx, "pending_invoice_ref", ref)
}

func (o *ledgerOps) FindByCustomerRef(ctx context.Context, ref string) (domain.UserID, error) {
	return o.findBy(ctx, "payment_customer_ref", ref)
}

func (o *ledgerOps) PaymentEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payment_events WHERE event_id = $1)`
	if err := o.q.QueryRow(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payment event: %w", err)
	}
	return exists, nil
}

func (o *ledgerOps) RecordPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = o.now()
	}
	query := `
		INSERT INTO payment_events (id, event_id, event_type, provider_type, subject_ref,
			customer_ref, subscription_ref, raw_payload, outcome, user_id, claimed_user_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := o.q.Exec(ctx, query,
		ev.ID, ev.EventID, string(ev.Type), ev.ProviderType, ev.SubjectRef,
		ev.CustomerRef, ev.SubscriptionRef, ev.RawPayload, ev.Outcome,
		int64Ref(ev.UserID), int64Ref(ev.ClaimedUserID), ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

func (o *ledgerOps) AppendUsageEvent(ctx context.Context, ev domain.UsageEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}
	query := `
		INSERT INTO usage_events (id, user_id, tokens_used, prompt_fingerprint, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := o.q.Exec(ctx, query, ev.ID, int64(ev.UserID), ev.TokensUsed, ev.PromptFingerprint, ev.OccurredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503: нарушение внешнего ключа, пользователя нет
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.NewUserNotFoundError(ev.UserID)
		}
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

func int64Ref(id *domain.UserID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
