package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Dhoini/premium-gate/internal/domain"
)

var kyiv = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		return time.FixedZone("EET", 2*60*60)
	}
	return loc
}()

func newEngine() *Engine {
	return NewEngine(DefaultLimits(), domain.NewCalendar(time.UTC, domain.DefaultMonthlyWindow))
}

func TestDecide_FreeUser(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine()

	tests := []struct {
		name string
		user domain.User
		want Decision
	}{
		{
			name: "fresh user is allowed",
			user: domain.User{ID: 1, MonthlyResetAt: now},
			want: Allow,
		},
		{
			name: "below limit today",
			user: domain.User{ID: 1, FreeRequestsToday: 2, LastRequestDate: now, MonthlyResetAt: now},
			want: Allow,
		},
		{
			name: "limit reached today",
			user: domain.User{ID: 1, FreeRequestsToday: 3, LastRequestDate: now, MonthlyResetAt: now},
			want: DenyFreeExhausted,
		},
		{
			name: "limit reached yesterday resets lazily",
			user: domain.User{ID: 1, FreeRequestsToday: 3, LastRequestDate: now.AddDate(0, 0, -1), MonthlyResetAt: now},
			want: Allow,
		},
		{
			name: "token volume does not gate free users",
			user: domain.User{ID: 1, MonthlyTokensUsed: 10_000_000, MonthlyResetAt: now},
			want: Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Decide(now, tt.user))
		})
	}
}

func TestDecide_PremiumUser(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine()

	t.Run("free count does not gate premium", func(t *testing.T) {
		u := domain.User{IsPremium: true, FreeRequestsToday: 3, LastRequestDate: now, MonthlyResetAt: now}
		assert.Equal(t, Allow, e.Decide(now, u))
	})

	t.Run("ceiling reached inside the window", func(t *testing.T) {
		u := domain.User{IsPremium: true, MonthlyTokensUsed: DefaultMonthlyTokenCeiling, MonthlyResetAt: now.AddDate(0, 0, -29)}
		assert.Equal(t, DenyTokenCeiling, e.Decide(now, u))
	})

	t.Run("ceiling reached but window expired", func(t *testing.T) {
		u := domain.User{IsPremium: true, MonthlyTokensUsed: DefaultMonthlyTokenCeiling, MonthlyResetAt: now.AddDate(0, 0, -31)}
		assert.Equal(t, Allow, e.Decide(now, u))
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		u := domain.User{IsPremium: true, MonthlyTokensUsed: DefaultMonthlyTokenCeiling, MonthlyResetAt: now.Add(-domain.DefaultMonthlyWindow)}
		assert.Equal(t, Allow, e.Decide(now, u))
	})
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	u := domain.User{FreeRequestsToday: 3, LastRequestDate: now.AddDate(0, 0, -2), MonthlyTokensUsed: 42, MonthlyResetAt: now.AddDate(0, -2, 0)}
	before := u

	newEngine().Decide(now, u)

	assert.Equal(t, before, u)
}

func TestDecide_DayBoundaryFollowsTimezone(t *testing.T) {
	e := NewEngine(DefaultLimits(), domain.NewCalendar(kyiv, domain.DefaultMonthlyWindow))

	// 23:30 UTC on March 9 is already March 10 in Kyiv.
	last := time.Date(2026, 3, 9, 21, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	u := domain.User{FreeRequestsToday: 3, LastRequestDate: last, MonthlyResetAt: now}

	assert.Equal(t, Allow, e.Decide(now, u))

	utcEngine := newEngine()
	assert.Equal(t, DenyFreeExhausted, utcEngine.Decide(now, u))
}

func TestDecideWithPending(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine()
	u := domain.User{FreeRequestsToday: 1, LastRequestDate: now, MonthlyResetAt: now}

	assert.Equal(t, Allow, e.DecideWithPending(now, u, 1))
	assert.Equal(t, DenyFreeExhausted, e.DecideWithPending(now, u, 2))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny_free_exhausted", DenyFreeExhausted.String())
	assert.Equal(t, "deny_token_ceiling", DenyTokenCeiling.String())
	assert.True(t, Allow.Allowed())
	assert.False(t, DenyTokenCeiling.Allowed())
}
