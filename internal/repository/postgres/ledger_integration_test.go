package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// testClock часы, которые тест двигает вручную
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// startLedger поднимает PostgreSQL в контейнере и возвращает реестр поверх чистой схемы
func startLedger(t *testing.T, clock *testClock, window time.Duration) *Ledger {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("premium_gate"),
		tcpostgres.WithUsername("gate"),
		tcpostgres.WithPassword("gate"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	log := logger.NewNop()
	pool, err := NewConnection(ctx, dsn, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// повторная миграция ничего не ломает
	require.NoError(t, Migrate(ctx, pool))

	return NewLedger(pool, domain.NewCalendar(time.UTC, window), clock.Now, log)
}

func TestLedgerPostgres(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := startLedger(t, clock, 720*time.Hour)
	ctx := context.Background()

	t.Run("concurrent free requests are all counted", func(t *testing.T) {
		const id, workers = domain.UserID(1), 40
		require.NoError(t, l.Ensure(ctx, id))

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- l.IncrementFreeRequest(ctx, id)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		u, err := l.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workers, u.FreeRequestsToday)
	})

	t.Run("day rollover resets free requests", func(t *testing.T) {
		const id = domain.UserID(2)
		require.NoError(t, l.Ensure(ctx, id))
		require.NoError(t, l.IncrementFreeRequest(ctx, id))
		require.NoError(t, l.IncrementFreeRequest(ctx, id))

		clock.Advance(24 * time.Hour)
		u, err := l.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, u.FreeRequestsToday)
		assert.True(t, domain.NewCalendar(time.UTC, time.Hour).SameDay(clock.Now(), u.LastRequestDate))

		require.NoError(t, l.IncrementFreeRequest(ctx, id))
		u, err = l.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, u.FreeRequestsToday)
	})

	t.Run("month rollover restarts the token window", func(t *testing.T) {
		const id = domain.UserID(3)
		require.NoError(t, l.Ensure(ctx, id))
		require.NoError(t, l.IncrementTokens(ctx, id, 1_000))

		clock.Advance(720*time.Hour + time.Second)
		require.NoError(t, l.IncrementTokens(ctx, id, 5))

		u, err := l.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), u.MonthlyTokensUsed)
		assert.WithinDuration(t, clock.Now(), u.MonthlyResetAt, time.Millisecond)
	})

	t.Run("duplicate payment event is rejected", func(t *testing.T) {
		const id = domain.UserID(4)
		require.NoError(t, l.Ensure(ctx, id))
		user := id
		ev := domain.PaymentEvent{
			EventID:      "evt_dup",
			Type:         domain.PaymentEventInvoicePaid,
			ProviderType: "invoice.paid",
			Outcome:      "applied",
			UserID:       &user,
		}

		require.NoError(t, l.RecordPaymentEvent(ctx, ev))
		assert.ErrorIs(t, l.RecordPaymentEvent(ctx, ev), repository.ErrDuplicate)

		processed, err := l.PaymentEventProcessed(ctx, "evt_dup")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		const id = domain.UserID(5)
		require.NoError(t, l.Ensure(ctx, id))

		errStop := errors.New("stop")
		err := l.InTx(ctx, func(ctx context.Context, tx repository.LedgerOps) error {
			require.NoError(t, tx.IncrementFreeRequest(ctx, id))
			require.NoError(t, tx.SetEntitlement(ctx, id, domain.Entitlement{Premium: true, SubscriptionRef: domain.StringRef("sub_5")}))
			return errStop
		})
		require.ErrorIs(t, err, errStop)

		u, err := l.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, u.FreeRequestsToday)
		assert.False(t, u.IsPremium)

		_, err = l.FindBySubscriptionRef(ctx, "sub_5")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("usage event for unknown user", func(t *testing.T) {
		err := l.AppendUsageEvent(ctx, domain.UsageEvent{UserID: 404, TokensUsed: 1, PromptFingerprint: "fp"})
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}
