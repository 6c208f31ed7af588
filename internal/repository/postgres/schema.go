package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                       BIGINT PRIMARY KEY,
    is_premium               BOOLEAN     NOT NULL DEFAULT FALSE,
    free_requests_today      INTEGER     NOT NULL DEFAULT 0 CHECK (free_requests_today >= 0),
    last_request_date        DATE        NOT NULL DEFAULT CURRENT_DATE,
    monthly_tokens_used      BIGINT      NOT NULL DEFAULT 0 CHECK (monthly_tokens_used >= 0),
    monthly_reset_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    payment_customer_ref     TEXT,
    payment_subscription_ref TEXT,
    pending_invoice_ref      TEXT,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS users_subscription_ref_idx ON users (payment_subscription_ref);
CREATE INDEX IF NOT EXISTS users_customer_ref_idx ON users (payment_customer_ref);
CREATE INDEX IF NOT EXISTS users_pending_invoice_ref_idx ON users (pending_invoice_ref);

CREATE TABLE IF NOT EXISTS payment_events (
    id               UUID PRIMARY KEY,
    event_id         TEXT        NOT NULL UNIQUE,
    event_type       TEXT        NOT NULL,
    provider_type    TEXT        NOT NULL DEFAULT '',
    subject_ref      TEXT        NOT NULL DEFAULT '',
    customer_ref     TEXT        NOT NULL DEFAULT '',
    subscription_ref TEXT        NOT NULL DEFAULT '',
    raw_payload      BYTEA,
    outcome          TEXT        NOT NULL,
    user_id          BIGINT,
    claimed_user_id  BIGINT,
    received_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE payment_events ADD COLUMN IF NOT EXISTS claimed_user_id BIGINT;

CREATE TABLE IF NOT EXISTS usage_events (
    id                 UUID PRIMARY KEY,
    user_id            BIGINT      NOT NULL REFERENCES users (id),
    tokens_used        BIGINT      NOT NULL CHECK (tokens_used >= 0),
    prompt_fingerprint TEXT        NOT NULL,
    occurred_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS usage_events_user_idx ON usage_events (user_id, occurred_at DESC);
`

// Migrate создает таблицы реестра, если их еще нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
