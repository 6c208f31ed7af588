// Package quota решает, можно ли выполнить запрос пользователя.
// Пакет не делает ввода-вывода и не берет блокировок.
package quota

import (
	"time"

	"github.com/Dhoini/premium-gate/internal/domain"
)

// Decision результат проверки квоты
type Decision int

const (
	Allow Decision = iota
	DenyFreeExhausted
	DenyTokenCeiling
)

// String возвращает имя решения для логов и метрик
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyFreeExhausted:
		return "deny_free_exhausted"
	case DenyTokenCeiling:
		return "deny_token_ceiling"
	default:
		return "unknown"
	}
}

// Allowed сообщает, разрешен ли запрос
func (d Decision) Allowed() bool {
	return d == Allow
}

const (
	DefaultDailyFreeLimit      = 3
	DefaultMonthlyTokenCeiling = int64(3_000_000)
)

// Limits лимиты для бесплатных и премиум-пользователей
type Limits struct {
	DailyFreeLimit      int
	MonthlyTokenCeiling int64
}

// DefaultLimits возвращает лимиты по умолчанию
func DefaultLimits() Limits {
	return Limits{
		DailyFreeLimit:      DefaultDailyFreeLimit,
		MonthlyTokenCeiling: DefaultMonthlyTokenCeiling,
	}
}

// Engine чистая функция решения поверх лимитов и календаря
type Engine struct {
	limits   Limits
	calendar domain.Calendar
}

// NewEngine создает движок квот
func NewEngine(limits Limits, calendar domain.Calendar) *Engine {
	return &Engine{limits: limits, calendar: calendar}
}

// Decide применяет ленивые сбросы к копии состояния и проверяет лимиты.
// Бесплатные пользователи ограничены числом запросов, премиум объемом токенов.
func (e *Engine) Decide(now time.Time, user domain.User) Decision {
	return e.DecideWithPending(now, user, 0)
}

// DecideWithPending учитывает pending запросов, уже допущенных, но еще не записанных в реестр
func (e *Engine) DecideWithPending(now time.Time, user domain.User, pending int) Decision {
	view, _ := e.calendar.ApplyResets(user, now)

	if !view.IsPremium {
		if view.FreeRequestsToday+pending >= e.limits.DailyFreeLimit {
			return DenyFreeExhausted
		}
		return Allow
	}

	if view.MonthlyTokensUsed >= e.limits.MonthlyTokenCeiling {
		return DenyTokenCeiling
	}
	return Allow
}
