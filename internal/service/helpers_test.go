package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/quota"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *fakeClock
	calendar domain.Calendar
	ledger   *repository.InMemoryLedger
	engine   *quota.Engine
	log      *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	cal := domain.NewCalendar(time.UTC, domain.DefaultMonthlyWindow)
	log := logger.NewNop()
	return &fixture{
		clock:    clock,
		calendar: cal,
		ledger:   repository.NewInMemoryLedger(cal, clock.Now, log),
		engine:   quota.NewEngine(quota.DefaultLimits(), cal),
		log:      log,
	}
}

// recordingNotifier запоминает все уведомления
type recordingNotifier struct {
	mu      sync.Mutex
	changes []EntitlementChange
	err     error
}

func (n *recordingNotifier) NotifyEntitlement(_ context.Context, change EntitlementChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return n.err
}

func (n *recordingNotifier) Changes() []EntitlementChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]EntitlementChange(nil), n.changes...)
}

// completerFunc адаптер функции к Completer
type completerFunc func(ctx context.Context, prompt string) (Completion, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (Completion, error) {
	return f(ctx, prompt)
}

func fixedCompleter(tokens int64) completerFunc {
	return func(_ context.Context, prompt string) (Completion, error) {
		return Completion{Text: "answer: " + prompt, TokensUsed: tokens}, nil
	}
}

// failingLedger реестр, у которого отказывает хранилище
type failingLedger struct {
	*repository.InMemoryLedger
	err error
}

func (l *failingLedger) PaymentEventProcessed(context.Context, string) (bool, error) {
	return false, l.err
}

func (l *failingLedger) InTx(context.Context, func(ctx context.Context, tx repository.LedgerOps) error) error {
	return l.err
}

var errStorage = errors.New("connection refused")
