package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	overrides := map[provider.Provider]provider.Limits{
		provider.OpenRouter: {Requests: limit, WindowLength: time.Minute, WarningPct: 80, CriticalPct: 95},
	}
	l := New(logging.New(false, true), health.NewMetrics(), Options{
		Clock:     clock.Now,
		Overrides: overrides,
	})
	return l, clock
}

func TestAcquireBoundary(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(provider.OpenRouter))
	}

	err := l.Acquire(provider.OpenRouter)
	require.Error(t, err)
	assert.Equal(t, gkerrors.KindRateLimitExceeded, gkerrors.KindOf(err))

	// denied calls must not touch the counter
	assert.Equal(t, 5, l.Status(provider.OpenRouter).CurrentCount)

	clock.Advance(time.Minute)
	assert.NoError(t, l.Acquire(provider.OpenRouter))
	assert.Equal(t, 1, l.Status(provider.OpenRouter).CurrentCount)
}

func TestAlertDeduplication(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(10)

	// cross 80% twice within one window
	for i := 0; i < 9; i++ {
		require.NoError(t, l.Acquire(provider.OpenRouter))
	}

	warnings := 0
	for _, a := range l.RecentAlerts() {
		if a.Level == LevelWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	// a new window may alert again
	clock.Advance(time.Minute)
	for i := 0; i < 8; i++ {
		require.NoError(t, l.Acquire(provider.OpenRouter))
	}
	warnings = 0
	for _, a := range l.RecentAlerts() {
		if a.Level == LevelWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestCriticalAlert(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(100)

	for i := 0; i < 96; i++ {
		require.NoError(t, l.Acquire(provider.OpenRouter))
	}

	var levels []Level
	for _, a := range l.RecentAlerts() {
		levels = append(levels, a.Level)
	}
	assert.ElementsMatch(t, []Level{LevelWarning, LevelCritical}, levels)
}

func TestAlertVisibilityWindow(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(provider.OpenRouter))
	}
	require.NotEmpty(t, l.RecentAlerts())

	clock.Advance(AlertVisibility + time.Minute)
	assert.Empty(t, l.RecentAlerts())
}

func TestConfigureThresholds(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(10)

	tests := []struct {
		name     string
		warning  float64
		critical float64
		wantErr  bool
	}{
		{name: "valid", warning: 70, critical: 90},
		{name: "warning out of range", warning: 0, critical: 90, wantErr: true},
		{name: "critical out of range", warning: 50, critical: 101, wantErr: true},
		{name: "warning above critical", warning: 95, critical: 90, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ConfigureThresholds(provider.OpenRouter, tt.warning, tt.critical)
			if tt.wantErr {
				assert.Equal(t, gkerrors.KindValidation, gkerrors.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusWindowRemaining(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(5)

	require.NoError(t, l.Acquire(provider.OpenRouter))
	clock.Advance(20 * time.Second)

	st := l.Status(provider.OpenRouter)
	assert.Equal(t, 1, st.CurrentCount)
	assert.Equal(t, 5, st.Limit)
	assert.Equal(t, 40*time.Second, st.WindowRemaining)

	// after the window lapses, status reads as a fresh window
	clock.Advance(time.Minute)
	st = l.Status(provider.OpenRouter)
	assert.Equal(t, 0, st.CurrentCount)
	assert.Equal(t, time.Minute, st.WindowRemaining)
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	t.Parallel()
	const limit = 50
	l, _ := newTestLimiter(limit)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(provider.OpenRouter) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestProvidersDoNotInterfere(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(1)

	require.NoError(t, l.Acquire(provider.OpenRouter))
	require.Error(t, l.Acquire(provider.OpenRouter))

	// other providers keep their own windows
	assert.NoError(t, l.Acquire(provider.Jina))
}
