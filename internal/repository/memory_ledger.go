package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// Clock источник текущего времени
type Clock func() time.Time

// InMemoryLedger реализация реестра в памяти: для разработки и тестов.
// Все операции выполняются под одним мьютексом, InTx откатывает изменения при ошибке.
type InMemoryLedger struct {
	mutex    sync.Mutex
	state    *memoryState
	calendar domain.Calendar
	now      Clock
	log      *logger.Logger
}

type memoryState struct {
	users         map[domain.UserID]domain.User
	paymentEvents map[string]domain.PaymentEvent
	usageEvents   []domain.UsageEvent
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		users:         make(map[domain.UserID]domain.User, len(s.users)),
		paymentEvents: make(map[string]domain.PaymentEvent, len(s.paymentEvents)),
		usageEvents:   make([]domain.UsageEvent, len(s.usageEvents)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.paymentEvents {
		c.paymentEvents[k] = v
	}
	copy(c.usageEvents, s.usageEvents)
	return c
}

// NewInMemoryLedger создает новый реестр в памяти
func NewInMemoryLedger(calendar domain.Calendar, now Clock, log *logger.Logger) *InMemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &InMemoryLedger{
		state: &memoryState{
			users:         make(map[domain.UserID]domain.User),
			paymentEvents: make(map[string]domain.PaymentEvent),
		},
		calendar: calendar,
		now:      now,
		log:      log,
	}
}

// memoryOps выполняет операции над состоянием; вызывающий держит мьютекс
type memoryOps struct {
	l *InMemoryLedger
}

func (l *InMemoryLedger) locked(fn func(ops memoryOps) error) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return fn(memoryOps{l: l})
}

// InTx выполняет fn под мьютексом реестра; при ошибке состояние восстанавливается
func (l *InMemoryLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerOps) error) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	snapshot := l.state.clone()
	if err := fn(ctx, memoryOps{l: l}); err != nil {
		l.state = snapshot
		return err
	}
	return nil
}

func (l *InMemoryLedger) Ensure(ctx context.Context, id domain.UserID) error {
	return l.locked(func(ops memoryOps) error { return ops.Ensure(ctx, id) })
}

func (l *InMemoryLedger) Read(ctx context.Context, id domain.UserID) (domain.User, error) {
	var u domain.User
	err := l.locked(func(ops memoryOps) error {
		var err error
		u, err = ops.Read(ctx, id)
		return err
	})
	return u, err
}

func (l *InMemoryLedger) IncrementFreeRequest(ctx context.Context, id domain.UserID) error {
	return l.locked(func(ops memoryOps) error { return ops.IncrementFreeRequest(ctx, id) })
}

func (l *InMemoryLedger) IncrementTokens(ctx context.Context, id domain.UserID, n int64) error {
	return l.locked(func(ops memoryOps) error { return ops.IncrementTokens(ctx, id, n) })
}

func (l *InMemoryLedger) SetEntitlement(ctx context.Context, id domain.UserID, ent domain.Entitlement) error {
	return l.locked(func(ops memoryOps) error { return ops.SetEntitlement(ctx, id, ent) })
}

func (l *InMemoryLedger) SetPendingInvoice(ctx context.Context, id domain.UserID, invoiceRef string) error {
	return l.locked(func(ops memoryOps) error { return ops.SetPendingInvoice(ctx, id, invoiceRef) })
}

func (l *InMemoryLedger) FindBySubscriptionRef(ctx context.Context, ref string) (domain.UserID, error) {
	var id domain.UserID
	err := l.locked(func(ops memoryOps) error {
		var err error
		id, err = ops.FindBySubscriptionRef(ctx, ref)
		return err
	})
	return id, err
}

func (l *InMemoryLedger) FindByPendingInvoice(ctx context.Context, ref string) (domain.UserID, error) {
	var id domain.UserID
	err := l.locked(func(ops memoryOps) error {
		var err error
		id, err = ops.FindByPendingInvoice(ctx, ref)
		return err
	})
	return id, err
}

func (l *InMemoryLedger) FindByCustomerRef(ctx context.Context, ref string) (domain.UserID, error) {
	var id domain.UserID
	err := l.locked(func(ops memoryOps) error {
		var err error
		id, err = ops.FindByCustomerRef(ctx, ref)
		return err
	})
	return id, err
}

func (l *InMemoryLedger) PaymentEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var ok bool
	err := l.locked(func(ops memoryOps) error {
		var err error
		ok, err = ops.PaymentEventProcessed(ctx, eventID)
		return err
	})
	return ok, err
}

func (l *InMemoryLedger) RecordPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	return l.locked(func(ops memoryOps) error { return ops.RecordPaymentEvent(ctx, ev) })
}

func (l *InMemoryLedger) AppendUsageEvent(ctx context.Context, ev domain.UsageEvent) error {
	return l.locked(func(ops memoryOps) error { return ops.AppendUsageEvent(ctx, ev) })
}

// PaymentEvents возвращает записанные события, новые первыми
func (l *InMemoryLedger) PaymentEvents(limit, offset int) []domain.PaymentEvent {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	events := make([]domain.PaymentEvent, 0, len(l.state.paymentEvents))
	for _, ev := range l.state.paymentEvents {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.After(events[j].ReceivedAt)
	})

	if offset >= len(events) {
		return []domain.PaymentEvent{}
	}
	end := offset + limit
	if limit <= 0 || end > len(events) {
		end = len(events)
	}
	return events[offset:end]
}

// UsageEvents возвращает журнал расхода пользователя
func (l *InMemoryLedger) UsageEvents(id domain.UserID) []domain.UsageEvent {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var out []domain.UsageEvent
	for _, ev := range l.state.usageEvents {
		if ev.UserID == id {
			out = append(out, ev)
		}
	}
	return out
}

// ListPaymentEvents журнал событий для админ-API
func (l *InMemoryLedger) ListPaymentEvents(_ context.Context, limit, offset int) ([]domain.PaymentEvent, error) {
	return l.PaymentEvents(limit, offset), nil
}

// ListUsageEvents журнал расхода пользователя, новые первыми
func (l *InMemoryLedger) ListUsageEvents(_ context.Context, id domain.UserID, limit, offset int) ([]domain.UsageEvent, error) {
	all := l.UsageEvents(id)
	out := make([]domain.UsageEvent, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if offset >= len(out) {
		return []domain.UsageEvent{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

// --- операции под мьютексом ---

func (o memoryOps) user(id domain.UserID) (domain.User, error) {
	u, ok := o.l.state.users[id]
	if !ok {
		return domain.User{}, domain.NewUserNotFoundError(id)
	}
	return u, nil
}

func (o memoryOps) save(u domain.User) {
	u.UpdatedAt = o.l.now()
	o.l.state.users[u.ID] = u
}

func (o memoryOps) Ensure(_ context.Context, id domain.UserID) error {
	if _, ok := o.l.state.users[id]; ok {
		return nil
	}
	now := o.l.now()
	o.l.state.users[id] = domain.User{
		ID:              id,
		LastRequestDate: o.l.calendar.Day(now),
		MonthlyResetAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return nil
}

func (o memoryOps) Read(_ context.Context, id domain.UserID) (domain.User, error) {
	u, err := o.user(id)
	if err != nil {
		return domain.User{}, err
	}
	reset, changed := o.l.calendar.ApplyResets(u, o.l.now())
	if changed {
		o.save(reset)
		reset = o.l.state.users[id]
	}
	return reset, nil
}

func (o memoryOps) IncrementFreeRequest(_ context.Context, id domain.UserID) error {
	u, err := o.user(id)
	if err != nil {
		return err
	}
	u, _ = o.l.calendar.ApplyResets(u, o.l.now())
	u.FreeRequestsToday++
	o.save(u)
	return nil
}

func (o memoryOps) IncrementTokens(_ context.Context, id domain.UserID, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative token count %d", domain.ErrInvalidInput, n)
	}
	u, err := o.user(id)
	if err != nil {
		return err
	}
	u, _ = o.l.calendar.ApplyResets(u, o.l.now())
	u.MonthlyTokensUsed += n
	o.save(u)
	return nil
}

func (o memoryOps) SetEntitlement(_ context.Context, id domain.UserID, ent domain.Entitlement) error {
	u, err := o.user(id)
	if err != nil {
		return err
	}
	u.IsPremium = ent.Premium
	if ent.CustomerRef != nil {
		u.PaymentCustomerRef = ent.CustomerRef
	}
	if ent.SubscriptionRef != nil {
		u.PaymentSubscriptionRef = ent.SubscriptionRef
	}
	if ent.Premium {
		u.PendingInvoiceRef = nil
	}
	o.save(u)
	return nil
}

func (o memoryOps) SetPendingInvoice(_ context.Context, id domain.UserID, invoiceRef string) error {
	u, err := o.user(id)
	if err != nil {
		return err
	}
	u.PendingInvoiceRef = domain.StringRef(invoiceRef)
	o.save(u)
	return nil
}

func (o memoryOps) findBy(match func(u domain.User) bool) (domain.UserID, error) {
	for id, u := range o.l.state.users {
		if match(u) {
			return id, nil
		}
	}
	return 0, ErrNotFound
}

func (o memoryOps) FindBySubscriptionRef(_ context.Context, ref string) (domain.UserID, error) {
	if ref == "" {
		return 0, ErrNotFound
	}
	return o.findBy(func(u domain.User) bool { return u.HasSubscription(ref) })
}

func (o memoryOps) FindByPendingInvoice(_ context.Context, ref string) (domain.UserID, error) {
	if ref == "" {
		return 0, ErrNotFound
	}
	return o.findBy(func(u domain.User) bool { return domain.Deref(u.PendingInvoiceRef) == ref })
}

func (o memoryOps) FindByCustomerRef(_ context.Context, ref string) (domain.UserID, error) {
	if ref == "" {
		return 0, ErrNotFound
	}
	return o.findBy(func(u domain.User) bool { return domain.Deref(u.PaymentCustomerRef) == ref })
}

func (o memoryOps) PaymentEventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := o.l.state.paymentEvents[eventID]
	return ok, nil
}

func (o memoryOps) RecordPaymentEvent(_ context.Context, ev domain.PaymentEvent) error {
	if _, ok := o.l.state.paymentEvents[ev.EventID]; ok {
		return ErrDuplicate
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = o.l.now()
	}
	o.l.state.paymentEvents[ev.EventID] = ev
	return nil
}

func (o memoryOps) AppendUsageEvent(_ context.Context, ev domain.UsageEvent) error {
	if _, err := o.user(ev.UserID); err != nil {
		return err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.l.now()
	}
	o.l.state.usageEvents = append(o.l.state.usageEvents, ev)
	return nil
}
