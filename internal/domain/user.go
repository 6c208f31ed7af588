package domain

import (
	"time"
)

// UserID идентификатор пользователя из мессенджера (Telegram user id)
type UserID int64

// User представляет состояние доступа и расхода одного пользователя
type User struct {
	ID                UserID    `json:"id" db:"id"`
	IsPremium         bool      `json:"is_premium" db:"is_premium"`
	FreeRequestsToday int       `json:"free_requests_today" db:"free_requests_today"`
	LastRequestDate   time.Time `json:"last_request_date" db:"last_request_date"` // только дата, 00:00 в часовом поясе учета
	MonthlyTokensUsed int64     `json:"monthly_tokens_used" db:"monthly_tokens_used"`
	MonthlyResetAt    time.Time `json:"monthly_reset_at" db:"monthly_reset_at"`

	PaymentCustomerRef     *string `json:"payment_customer_ref,omitempty" db:"payment_customer_ref"`
	PaymentSubscriptionRef *string `json:"payment_subscription_ref,omitempty" db:"payment_subscription_ref"`
	PendingInvoiceRef      *string `json:"pending_invoice_ref,omitempty" db:"pending_invoice_ref"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Entitlement целевое состояние доступа, которое записывает сверка платежей.
// Ссылки со значением nil сохраняют текущее значение в реестре.
type Entitlement struct {
	Premium         bool
	CustomerRef     *string
	SubscriptionRef *string
}

// Calendar задает границы суток и месячного окна для ленивых сбросов
type Calendar struct {
	Location      *time.Location
	MonthlyWindow time.Duration
}

// DefaultMonthlyWindow длина окна учета токенов
const DefaultMonthlyWindow = 30 * 24 * time.Hour

// NewCalendar создает календарь; nil location означает UTC
func NewCalendar(loc *time.Location, window time.Duration) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if window <= 0 {
		window = DefaultMonthlyWindow
	}
	return Calendar{Location: loc, MonthlyWindow: window}
}

// Day возвращает начало календарного дня для now в часовом поясе учета
func (c Calendar) Day(now time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SameDay сообщает, относятся ли два момента к одному дню учета
func (c Calendar) SameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return c.Day(a).Equal(c.Day(b))
}

// MonthExpired сообщает, закончилось ли месячное окно, начатое в resetAt
func (c Calendar) MonthExpired(resetAt, now time.Time) bool {
	window := c.MonthlyWindow
	if window <= 0 {
		window = DefaultMonthlyWindow
	}
	return !now.Before(resetAt.Add(window))
}

// ApplyResets возвращает состояние с примененными ленивыми сбросами и признак изменений.
// Исходное значение не меняется.
func (c Calendar) ApplyResets(u User, now time.Time) (User, bool) {
	changed := false
	if !c.SameDay(u.LastRequestDate, now) {
		changed = true
		u.FreeRequestsToday = 0
		u.LastRequestDate = c.Day(now)
	}
	if c.MonthExpired(u.MonthlyResetAt, now) {
		u.MonthlyTokensUsed = 0
		u.MonthlyResetAt = now
		changed = true
	}
	return u, changed
}

// HasSubscription проверяет, совпадает ли текущая ссылка на подписку с ref
func (u User) HasSubscription(ref string) bool {
	return ref != "" && u.PaymentSubscriptionRef != nil && *u.PaymentSubscriptionRef == ref
}

// StringRef возвращает указатель на s или nil для пустой строки
func StringRef(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref возвращает значение ссылки или пустую строку
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
