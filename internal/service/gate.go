package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/metrics"
	"github.com/Dhoini/premium-gate/internal/quota"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// DefaultAITimeout ограничение на один вызов AI-провайдера
const DefaultAITimeout = 30 * time.Second

// Completion ответ AI-провайдера
type Completion struct {
	Text       string
	TokensUsed int64
}

// Completer внешний AI-провайдер
type Completer interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// UsagePublisher публикует записанные события расхода во внешний поток
type UsagePublisher interface {
	PublishUsage(ctx context.Context, ev domain.UsageEvent) error
}

// AskResult результат обращения пользователя.
// Если Decision не Allow, Text пуст и вызов AI не выполнялся.
type AskResult struct {
	Decision   quota.Decision
	Text       string
	TokensUsed int64
	Premium    bool
}

// Gate единственная точка входа для запросов, требующих AI
type Gate interface {
	// Start регистрирует пользователя
	Start(ctx context.Context, id domain.UserID) (domain.User, error)

	// Ask проверяет квоту, вызывает AI и учитывает расход
	Ask(ctx context.Context, id domain.UserID, prompt string) (AskResult, error)
}

// GateConfig параметры шлюза
type GateConfig struct {
	AITimeout time.Duration
}

type gate struct {
	ledger    repository.Ledger
	engine    *quota.Engine
	completer Completer
	usage     UsagePublisher
	inflight  *inflightTracker
	cfg       GateConfig
	now       repository.Clock
	metrics   metrics.GateMetrics
	log       *logger.Logger
}

// NewGate создает шлюз; usage может быть nil
func NewGate(
	ledger repository.Ledger,
	engine *quota.Engine,
	completer Completer,
	usage UsagePublisher,
	cfg GateConfig,
	now repository.Clock,
	m metrics.GateMetrics,
	log *logger.Logger,
) Gate {
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = DefaultAITimeout
	}
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &gate{
		ledger:    ledger,
		engine:    engine,
		completer: completer,
		usage:     usage,
		inflight:  newInflightTracker(),
		cfg:       cfg,
		now:       now,
		metrics:   m,
		log:       log,
	}
}

func (g *gate) Start(ctx context.Context, id domain.UserID) (domain.User, error) {
	if err := g.ledger.Ensure(ctx, id); err != nil {
		return domain.User{}, err
	}
	u, err := g.ledger.Read(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	g.log.Infow("User registered", "userID", id, "premium", u.IsPremium)
	return u, nil
}

func (g *gate) Ask(ctx context.Context, id domain.UserID, prompt string) (AskResult, error) {
	if err := g.ledger.Ensure(ctx, id); err != nil {
		return AskResult{}, err
	}

	user, decision, err := g.admit(ctx, id)
	if err != nil {
		return AskResult{}, err
	}
	g.metrics.IncDecision(decision.String())
	if !decision.Allowed() {
		g.log.Debugw("Request denied by quota", "userID", id, "decision", decision)
		return AskResult{Decision: decision, Premium: user.IsPremium}, nil
	}

	// слот освобождается после записи расхода, чтобы следующий запрос увидел счетчик
	released := false
	release := func() {
		if !released {
			released = true
			g.inflight.release(id)
		}
	}
	defer release()

	completion, err := g.complete(ctx, prompt)
	if err != nil {
		g.metrics.IncAIFailure()
		g.log.Errorw("AI provider call failed, nothing accounted", "userID", id, "error", err)
		return AskResult{}, err
	}

	ev := domain.UsageEvent{
		ID:                uuid.New(),
		UserID:            id,
		TokensUsed:        completion.TokensUsed,
		PromptFingerprint: Fingerprint(prompt),
		OccurredAt:        g.now(),
	}
	err = g.ledger.InTx(ctx, func(ctx context.Context, tx repository.LedgerOps) error {
		if err := tx.IncrementTokens(ctx, id, completion.TokensUsed); err != nil {
			return err
		}
		if !user.IsPremium {
			if err := tx.IncrementFreeRequest(ctx, id); err != nil {
				return err
			}
		}
		return tx.AppendUsageEvent(ctx, ev)
	})
	if err != nil {
		g.log.Errorw("Failed to account usage", "userID", id, "tokens", completion.TokensUsed, "error", err)
		return AskResult{}, fmt.Errorf("failed to account usage: %w", err)
	}
	release()

	g.metrics.AddTokens(user.IsPremium, completion.TokensUsed)
	if g.usage != nil {
		if err := g.usage.PublishUsage(ctx, ev); err != nil {
			g.log.Warnw("Failed to publish usage event", "userID", id, "error", err)
		}
	}

	return AskResult{
		Decision:   quota.Allow,
		Text:       completion.Text,
		TokensUsed: completion.TokensUsed,
		Premium:    user.IsPremium,
	}, nil
}

// admit читает реестр и резервирует слот для разрешенного запроса.
// Чтение повторяется, если за время чтения завершился другой запрос пользователя:
// иначе его инкремент мог не попасть в прочитанное состояние.
// Отказ, вызванный только незавершенными запросами, не окончательный: запрос
// ждет их завершения и решает заново по записанному состоянию.
func (g *gate) admit(ctx context.Context, id domain.UserID) (domain.User, quota.Decision, error) {
	for {
		gen := g.inflight.generation(id)

		user, err := g.ledger.Read(ctx, id)
		if err != nil {
			return domain.User{}, 0, err
		}

		now := g.now()
		decision, wait, ok := g.inflight.reserve(id, gen, func(pending int) quota.Decision {
			return g.engine.DecideWithPending(now, user, pending)
		})
		if ok {
			return user, decision, nil
		}
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return domain.User{}, 0, ctx.Err()
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.User{}, 0, err
		}
	}
}

func (g *gate) complete(ctx context.Context, prompt string) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AITimeout)
	defer cancel()

	start := time.Now()
	completion, err := g.completer.Complete(ctx, prompt)
	g.metrics.ObserveAICall(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, domain.NewExternalServiceError("ai", "timeout", "AI provider did not answer in time", 0, err)
		}
		return Completion{}, domain.NewExternalServiceError("ai", "call_failed", "AI provider call failed", 0, err)
	}
	if completion.TokensUsed < 0 {
		return Completion{}, domain.NewExternalServiceError("ai", "bad_usage", "AI provider reported negative usage", 0, nil)
	}
	return completion, nil
}

// Fingerprint необратимый отпечаток текста запроса для журнала расхода
func Fingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// inflightTracker учитывает разрешенные, но еще не записанные запросы в этом процессе.
// Мьютекс держится только на время обращения к карте, не во время ввода-вывода.
// Все поколения берутся из одного счетчика seq, поэтому значения не повторяются.
type inflightTracker struct {
	mu    sync.Mutex
	seq   uint64
	epoch uint64 // поколение для пользователей без записи; меняется при очистке
	users map[domain.UserID]*inflightState
}

type inflightState struct {
	pending  int
	gen      uint64
	released chan struct{} // закрывается при ближайшем release; nil, пока никто не ждет
}

// maxIdleInflight после стольких записей простаивающие пользователи удаляются
const maxIdleInflight = 10000

func newInflightTracker() *inflightTracker {
	return &inflightTracker{users: make(map[domain.UserID]*inflightState)}
}

func (t *inflightTracker) generation(id domain.UserID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.users[id]; ok {
		return s.gen
	}
	return t.epoch
}

// reserve вызывает decide с числом незавершенных запросов и занимает слот при Allow.
// ok=false означает, что состояние нужно перечитать: либо сменилось поколение, либо
// отказ дали только незавершенные запросы, и тогда wait закроется при ближайшем release.
func (t *inflightTracker) reserve(id domain.UserID, gen uint64, decide func(pending int) quota.Decision) (quota.Decision, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[id]
	current := t.epoch
	pending := 0
	if ok {
		current = s.gen
		pending = s.pending
	}
	if current != gen {
		return 0, nil, false
	}

	decision := decide(pending)
	if !decision.Allowed() {
		// уже записанный запрос может еще числиться незавершенным
		if pending > 0 && decide(0).Allowed() {
			if s.released == nil {
				s.released = make(chan struct{})
			}
			return decision, s.released, false
		}
		return decision, nil, true
	}

	if !ok {
		t.prune()
		t.seq++
		s = &inflightState{gen: t.seq}
		t.users[id] = s
	}
	s.pending++
	return decision, nil, true
}

func (t *inflightTracker) release(id domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[id]
	if !ok {
		return
	}
	t.seq++
	s.gen = t.seq
	if s.pending > 0 {
		s.pending--
	}
	if s.released != nil {
		close(s.released)
		s.released = nil
	}
}

// prune удаляет пользователей без незавершенных запросов, когда их накопилось много.
// Вызывается под мьютексом.
func (t *inflightTracker) prune() {
	if len(t.users) < maxIdleInflight {
		return
	}
	for id, s := range t.users {
		if s.pending == 0 {
			delete(t.users, id)
		}
	}
	t.seq++
	t.epoch = t.seq
}
