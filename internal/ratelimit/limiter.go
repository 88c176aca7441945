// Package ratelimit tracks per-provider request counts in fixed windows
// and raises threshold alerts. All state is in-memory and advisory; it
// rebuilds empty on restart.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

// Level classifies a threshold alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// AlertVisibility bounds how far back RecentAlerts looks.
const AlertVisibility = time.Hour

// Alert records a window crossing a usage threshold.
type Alert struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Level         Level     `json:"level"`
	Timestamp     time.Time `json:"timestamp"`
	ObservedRatio float64   `json:"observed_ratio"`
}

// Status is a point-in-time view of one provider's window.
type Status struct {
	Provider        string        `json:"provider"`
	CurrentCount    int           `json:"current_count"`
	Limit           int           `json:"limit"`
	WindowRemaining time.Duration `json:"window_remaining"`
}

// window is one provider's counting state. Guarded by its own mutex so
// unrelated providers never contend.
type window struct {
	mu     sync.Mutex
	limits provider.Limits
	start  time.Time
	count  int
	// alerted marks levels already emitted for the current window
	alerted map[Level]bool
}

// Options tune limiter behavior. Zero values select defaults.
type Options struct {
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// Overrides replaces the default limits for specific providers.
	Overrides map[provider.Provider]provider.Limits
}

// Limiter is the per-provider fixed-window rate limiter.
type Limiter struct {
	log     *logging.Logger
	metrics *health.Metrics
	now     func() time.Time
	windows map[provider.Provider]*window

	alertMu sync.Mutex
	alerts  []Alert
}

// New builds a limiter covering every known provider.
func New(log *logging.Logger, metrics *health.Metrics, opts Options) *Limiter {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := &Limiter{
		log:     log,
		metrics: metrics,
		now:     opts.Clock,
		windows: map[provider.Provider]*window{},
	}
	for _, p := range provider.All() {
		limits := p.DefaultLimits()
		if override, ok := opts.Overrides[p]; ok {
			limits = override
		}
		l.windows[p] = &window{limits: limits, alerted: map[Level]bool{}}
	}
	return l
}

// Acquire consumes one slot in the provider's current window. The
// counter is incremented only when the call is allowed; a denied call
// mutates nothing and returns RateLimitExceeded.
func (l *Limiter) Acquire(p provider.Provider) error {
	w := l.windows[p]
	now := l.now()

	w.mu.Lock()
	w.rollover(now)

	if w.count >= w.limits.Requests {
		count, limit := w.count, w.limits.Requests
		w.mu.Unlock()
		l.metrics.RecordRateLimitDecision(p.String(), false)
		return gkerrors.RateLimitExceeded(p.String(), count, limit)
	}

	w.count++
	alerts := w.thresholdAlerts(p, now)
	w.mu.Unlock()

	l.metrics.RecordRateLimitDecision(p.String(), true)
	for _, a := range alerts {
		l.record(a)
	}
	return nil
}

// Status reports the provider's current count, limit, and time left in
// the window. Read-only: it observes rollover without committing it.
func (l *Limiter) Status(p provider.Provider) Status {
	w := l.windows[p]
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	count := w.count
	remaining := w.limits.WindowLength - now.Sub(w.start)
	if w.start.IsZero() || remaining <= 0 {
		count = 0
		remaining = w.limits.WindowLength
	}
	return Status{
		Provider:        p.String(),
		CurrentCount:    count,
		Limit:           w.limits.Requests,
		WindowRemaining: remaining,
	}
}

// ConfigureThresholds replaces the warning and critical percentages for
// a provider. Both must lie in (0, 100] with warning below critical.
func (l *Limiter) ConfigureThresholds(p provider.Provider, warningPct, criticalPct float64) error {
	if warningPct <= 0 || warningPct > 100 || criticalPct <= 0 || criticalPct > 100 {
		return gkerrors.Validation("thresholds must be within 0-100, got warning=%.1f critical=%.1f", warningPct, criticalPct)
	}
	if warningPct >= criticalPct {
		return gkerrors.Validation("warning threshold %.1f must be below critical %.1f", warningPct, criticalPct)
	}

	w := l.windows[p]
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits.WarningPct = warningPct
	w.limits.CriticalPct = criticalPct
	return nil
}

// RecentAlerts returns alerts from the last hour, newest first. Older
// alerts stay stored; they just fall out of view.
func (l *Limiter) RecentAlerts() []Alert {
	cutoff := l.now().Add(-AlertVisibility)

	l.alertMu.Lock()
	defer l.alertMu.Unlock()

	var out []Alert
	for i := len(l.alerts) - 1; i >= 0; i-- {
		if l.alerts[i].Timestamp.Before(cutoff) {
			break
		}
		out = append(out, l.alerts[i])
	}
	return out
}

// rollover lazily resets the window once its length has elapsed.
// Caller holds w.mu.
func (w *window) rollover(now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= w.limits.WindowLength {
		w.start = now
		w.count = 0
		w.alerted = map[Level]bool{}
	}
}

// thresholdAlerts emits at most one alert per level per window.
// Caller holds w.mu.
func (w *window) thresholdAlerts(p provider.Provider, now time.Time) []Alert {
	ratio := float64(w.count) / float64(w.limits.Requests) * 100

	var out []Alert
	if ratio >= w.limits.CriticalPct && !w.alerted[LevelCritical] {
		w.alerted[LevelCritical] = true
		out = append(out, Alert{
			ID:            uuid.NewString(),
			Provider:      p.String(),
			Level:         LevelCritical,
			Timestamp:     now,
			ObservedRatio: ratio / 100,
		})
	}
	if ratio >= w.limits.WarningPct && !w.alerted[LevelWarning] {
		w.alerted[LevelWarning] = true
		out = append(out, Alert{
			ID:            uuid.NewString(),
			Provider:      p.String(),
			Level:         LevelWarning,
			Timestamp:     now,
			ObservedRatio: ratio / 100,
		})
	}
	return out
}

func (l *Limiter) record(a Alert) {
	l.metrics.RecordRateLimitAlert(a.Provider, string(a.Level))
	if a.Level == LevelCritical {
		l.log.Warn("%s at %.0f%% of rate limit", a.Provider, a.ObservedRatio*100)
	} else {
		l.log.Debug("%s crossed warning threshold (%.0f%%)", a.Provider, a.ObservedRatio*100)
	}

	l.alertMu.Lock()
	l.alerts = append(l.alerts, a)
	l.alertMu.Unlock()
}
