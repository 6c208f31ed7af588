package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/quota"
	"github.com/Dhoini/premium-gate/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (p *recordingPublisher) PublishUsage(_ context.Context, ev domain.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newTestGate(f *fixture, c Completer, usage UsagePublisher, timeout time.Duration) Gate {
	return NewGate(f.ledger, f.engine, c, usage, GateConfig{AITimeout: timeout}, f.clock.Now, nil, f.log)
}

func TestGate_UserJourney(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := newTestGate(f, fixedCompleter(100), nil, time.Second)
	r := NewReconciler(f.ledger, nil, nil, f.log)

	u, err := g.Start(ctx, 42)
	require.NoError(t, err)
	assert.False(t, u.IsPremium)
	assert.Equal(t, 0, u.FreeRequestsToday)

	for i := 0; i < 3; i++ {
		res, err := g.Ask(ctx, 42, "question")
		require.NoError(t, err)
		assert.Equal(t, quota.Allow, res.Decision)
		assert.Equal(t, "answer: question", res.Text)
	}

	u, err = f.ledger.Read(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, u.FreeRequestsToday)

	res, err := g.Ask(ctx, 42, "fourth")
	require.NoError(t, err)
	assert.Equal(t, quota.DenyFreeExhausted, res.Decision)
	assert.Empty(t, res.Text)

	require.NoError(t, f.ledger.SetPendingInvoice(ctx, 42, "cs_42"))
	outcome, err := r.Apply(ctx, invoicePaid("evt_42", "cs_42"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	res, err = g.Ask(ctx, 42, "fifth")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)
	assert.True(t, res.Premium)

	u, err = f.ledger.Read(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, u.FreeRequestsToday, "premium requests do not touch the free counter")
	assert.Equal(t, int64(400), u.MonthlyTokensUsed)
}

func TestGate_DayRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := newTestGate(f, fixedCompleter(10), nil, time.Second)

	for i := 0; i < 3; i++ {
		_, err := g.Ask(ctx, 1, "q")
		require.NoError(t, err)
	}
	res, err := g.Ask(ctx, 1, "q")
	require.NoError(t, err)
	require.Equal(t, quota.DenyFreeExhausted, res.Decision)

	f.clock.Advance(24 * time.Hour)

	res, err = g.Ask(ctx, 1, "q")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)

	u, err := f.ledger.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, u.FreeRequestsToday)
}

func TestGate_MonthRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := newTestGate(f, fixedCompleter(50), nil, time.Second)

	require.NoError(t, f.ledger.Ensure(ctx, 1))
	require.NoError(t, f.ledger.SetEntitlement(ctx, 1, domain.Entitlement{Premium: true}))
	require.NoError(t, f.ledger.IncrementTokens(ctx, 1, quota.DefaultMonthlyTokenCeiling))

	res, err := g.Ask(ctx, 1, "q")
	require.NoError(t, err)
	require.Equal(t, quota.DenyTokenCeiling, res.Decision)

	f.clock.Advance(31 * 24 * time.Hour)

	res, err = g.Ask(ctx, 1, "q")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)

	u, err := f.ledger.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.MonthlyTokensUsed)
}

func TestGate_AIFailureMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	failing := completerFunc(func(context.Context, string) (Completion, error) {
		return Completion{}, errors.New("upstream 503")
	})
	g := newTestGate(f, failing, nil, time.Second)

	_, err := g.Ask(ctx, 1, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalProvider)

	u, err := f.ledger.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, u.FreeRequestsToday)
	assert.Equal(t, int64(0), u.MonthlyTokensUsed)
	assert.Empty(t, f.ledger.UsageEvents(1))

	// слот освобожден, следующий запрос проходит
	g2 := newTestGate(f, fixedCompleter(1), nil, time.Second)
	res, err := g2.Ask(ctx, 1, "q")
	require.NoError(t, err)
	assert.Equal(t, quota.Allow, res.Decision)
}

func TestGate_AITimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	slow := completerFunc(func(ctx context.Context, _ string) (Completion, error) {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	})
	g := newTestGate(f, slow, nil, 20*time.Millisecond)

	_, err := g.Ask(ctx, 1, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	u, err := f.ledger.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, u.FreeRequestsToday)
}

func TestGate_ConcurrentRequestsRespectLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var calls atomic.Int32
	slowish := completerFunc(func(context.Context, string) (Completion, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return Completion{Text: "ok", TokensUsed: 7}, nil
	})
	g := newTestGate(f, slowish, nil, time.Second)
	require.NoError(t, f.ledger.Ensure(ctx, 9))

	const n = 25
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Ask(ctx, 9, "q")
			assert.NoError(t, err)
			if res.Decision.Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(quota.DefaultDailyFreeLimit), allowed.Load())
	assert.Equal(t, int32(quota.DefaultDailyFreeLimit), calls.Load())

	u, err := f.ledger.Read(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultDailyFreeLimit, u.FreeRequestsToday)
	assert.Equal(t, int64(7*quota.DefaultDailyFreeLimit), u.MonthlyTokensUsed)
}

func TestGate_UsageEventRecordedAndPublished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &recordingPublisher{}
	g := newTestGate(f, fixedCompleter(33), pub, time.Second)

	_, err := g.Ask(ctx, 3, "what is a monad?")
	require.NoError(t, err)

	events := f.ledger.UsageEvents(3)
	require.Len(t, events, 1)
	assert.Equal(t, int64(33), events[0].TokensUsed)
	assert.Equal(t, Fingerprint("what is a monad?"), events[0].PromptFingerprint)
	assert.NotContains(t, events[0].PromptFingerprint, "monad")

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.UserID(3), pub.events[0].UserID)
}

func TestInflightTracker_GenerationChangeForcesReread(t *testing.T) {
	tr := newInflightTracker()
	allow := func(int) quota.Decision { return quota.Allow }

	gen := tr.generation(1)
	_, _, ok := tr.reserve(1, gen, allow)
	require.True(t, ok)

	stale := tr.generation(1)
	tr.release(1)

	_, wait, ok := tr.reserve(1, stale, allow)
	assert.False(t, ok, "a release between read and reserve must force a re-read")
	assert.Nil(t, wait)

	_, _, ok = tr.reserve(1, tr.generation(1), allow)
	assert.True(t, ok)
}

func TestInflightTracker_PendingCounts(t *testing.T) {
	tr := newInflightTracker()
	var seen []int
	decide := func(pending int) quota.Decision {
		seen = append(seen, pending)
		return quota.Allow
	}

	for i := 0; i < 3; i++ {
		_, _, ok := tr.reserve(5, tr.generation(5), decide)
		require.True(t, ok)
	}
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestInflightTracker_DenialByPendingWaitsForRelease(t *testing.T) {
	tr := newInflightTracker()
	// лимит 1: второй запрос упирается только в незавершенный первый
	limitOne := func(pending int) quota.Decision {
		if pending >= 1 {
			return quota.DenyFreeExhausted
		}
		return quota.Allow
	}

	_, _, ok := tr.reserve(2, tr.generation(2), limitOne)
	require.True(t, ok)

	decision, wait, ok := tr.reserve(2, tr.generation(2), limitOne)
	assert.False(t, ok)
	assert.Equal(t, quota.DenyFreeExhausted, decision)
	require.NotNil(t, wait)

	select {
	case <-wait:
		t.Fatal("wait channel closed before release")
	default:
	}

	tr.release(2)
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed by release")
	}

	deny := func(int) quota.Decision { return quota.DenyFreeExhausted }
	decision, wait, ok = tr.reserve(2, tr.generation(2), deny)
	assert.True(t, ok, "a denial that does not depend on pending requests is final")
	assert.Nil(t, wait)
	assert.Equal(t, quota.DenyFreeExhausted, decision)
}

// pausingLedger останавливает n-ю транзакцию после коммита, до возврата в шлюз
type pausingLedger struct {
	*repository.InMemoryLedger
	pauseOn   int32
	calls     atomic.Int32
	committed chan struct{}
	resume    chan struct{}
}

func (l *pausingLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerOps) error) error {
	err := l.InMemoryLedger.InTx(ctx, fn)
	if l.calls.Add(1) == l.pauseOn {
		close(l.committed)
		<-l.resume
	}
	return err
}

func TestGate_CommittedRequestIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ledger := &pausingLedger{
		InMemoryLedger: f.ledger,
		pauseOn:        2,
		committed:      make(chan struct{}),
		resume:         make(chan struct{}),
	}
	g := NewGate(ledger, f.engine, fixedCompleter(5), nil, GateConfig{AITimeout: time.Second}, f.clock.Now, nil, f.log)

	res, err := g.Ask(ctx, 7, "first")
	require.NoError(t, err)
	require.Equal(t, quota.Allow, res.Decision)

	second := make(chan AskResult, 1)
	go func() {
		res, err := g.Ask(ctx, 7, "second")
		assert.NoError(t, err)
		second <- res
	}()
	<-ledger.committed

	u, err := f.ledger.Read(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, u.FreeRequestsToday)

	third := make(chan AskResult, 1)
	go func() {
		res, err := g.Ask(ctx, 7, "third")
		assert.NoError(t, err)
		third <- res
	}()

	select {
	case res := <-third:
		t.Fatalf("third request decided while the second was still finishing: %s", res.Decision)
	case <-time.After(20 * time.Millisecond):
	}
	close(ledger.resume)

	assert.Equal(t, quota.Allow, (<-second).Decision)
	assert.Equal(t, quota.Allow, (<-third).Decision)

	res, err = g.Ask(ctx, 7, "fourth")
	require.NoError(t, err)
	assert.Equal(t, quota.DenyFreeExhausted, res.Decision)

	u, err = f.ledger.Read(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultDailyFreeLimit, u.FreeRequestsToday)
}
