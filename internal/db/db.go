// Package db содержит запросы только для чтения журналов реестра (админ-API).
// Изменения состояния идут через repository.Ledger.
package db

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Dhoini/premium-gate/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// DBClient представляет клиент для чтения журналов из базы данных.
type DBClient struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewDBClient создает новый экземпляр DBClient.
func NewDBClient(dsn string, log *zap.Logger) (*DBClient, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(5)

	return &DBClient{db: db, log: log}, nil
}

// NewWithDB оборачивает готовое соединение
func NewWithDB(db *sqlx.DB, log *zap.Logger) *DBClient {
	return &DBClient{db: db, log: log}
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	if err := dc.db.Close(); err != nil {
		dc.log.Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Page нормализует limit и offset
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListPaymentEvents возвращает журнал платежных событий, новые первыми.
func (dc *DBClient) ListPaymentEvents(ctx context.Context, limit, offset int) ([]domain.PaymentEvent, error) {
	limit, offset = Page(limit, offset)
	query := `
        SELECT id, event_id, event_type, provider_type, subject_ref, customer_ref,
               subscription_ref, outcome, user_id, claimed_user_id, received_at
        FROM payment_events
        ORDER BY received_at DESC
        LIMIT $1 OFFSET $2
    `
	events := []domain.PaymentEvent{}
	if err := dc.db.SelectContext(ctx, &events, query, limit, offset); err != nil {
		dc.log.Error("Failed to list payment events", zap.Error(err))
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	dc.log.Debug("Payment events listed", zap.Int("count", len(events)))
	return events, nil
}

// ListUsageEvents возвращает журнал расхода пользователя, новые первыми.
func (dc *DBClient) ListUsageEvents(ctx context.Context, userID domain.UserID, limit, offset int) ([]domain.UsageEvent, error) {
	limit, offset = Page(limit, offset)
	query := `
        SELECT id, user_id, tokens_used, prompt_fingerprint, occurred_at
        FROM usage_events
        WHERE user_id = $1
        ORDER BY occurred_at DESC
        LIMIT $2 OFFSET $3
    `
	events := []domain.UsageEvent{}
	if err := dc.db.SelectContext(ctx, &events, query, int64(userID), limit, offset); err != nil {
		dc.log.Error("Failed to list usage events", zap.Int64("user_id", int64(userID)), zap.Error(err))
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	dc.log.Debug("Usage events listed", zap.Int64("user_id", int64(userID)), zap.Int("count", len(events)))
	return events, nil
}
