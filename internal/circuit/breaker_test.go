package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Append(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureSink) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Action
	for _, e := range c.entries {
		out = append(out, e.Action)
	}
	return out
}

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

func newTestBreaker(threshold int) (*Breaker, *captureSink, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &captureSink{}
	b := New(logging.New(false, true), health.NewMetrics(), sink, Options{
		FailureThreshold: threshold,
		Clock:            clock.Now,
	})
	return b, sink, clock
}

func TestStateMachine(t *testing.T) {
	t.Parallel()
	b, sink, clock := newTestBreaker(3)
	p := provider.OpenRouter

	// closed: calls pass
	require.NoError(t, b.Check(p))

	for i := 0; i < 3; i++ {
		b.ReportOutcome(p, false)
	}
	assert.Equal(t, PhaseOpen, b.State(p).Phase)

	// open: fail fast before recovery timeout
	err := b.Check(p)
	assert.Equal(t, gkerrors.KindCircuitOpen, gkerrors.KindOf(err))

	// after the timeout the next check admits a trial call
	clock.Advance(DefaultRecoveryTimeout)
	require.NoError(t, b.Check(p))
	assert.Equal(t, PhaseHalfOpen, b.State(p).Phase)

	b.ReportOutcome(p, true)
	assert.Equal(t, PhaseClosed, b.State(p).Phase)
	assert.Equal(t, 0, b.State(p).ConsecutiveFailures)

	assert.Equal(t, []audit.Action{audit.ActionCircuitOpened, audit.ActionCircuitClosed}, sink.actions())
}

func TestFailedTrialReopens(t *testing.T) {
	t.Parallel()
	b, _, clock := newTestBreaker(2)
	p := provider.Jina

	b.ReportOutcome(p, false)
	b.ReportOutcome(p, false)
	require.Equal(t, PhaseOpen, b.State(p).Phase)
	openedAt := b.State(p).OpenedAt

	clock.Advance(DefaultRecoveryTimeout + time.Second)
	require.NoError(t, b.Check(p))

	b.ReportOutcome(p, false)
	snap := b.State(p)
	assert.Equal(t, PhaseOpen, snap.Phase)
	// openedAt resets to the trial failure time
	assert.True(t, snap.OpenedAt.After(openedAt))
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()
	b, _, clock := newTestBreaker(1)
	p := provider.Exa

	b.ReportOutcome(p, false)
	clock.Advance(DefaultRecoveryTimeout)

	require.NoError(t, b.Check(p))
	// the probe is in flight; further calls stay blocked
	err := b.Check(p)
	assert.Equal(t, gkerrors.KindCircuitOpen, gkerrors.KindOf(err))

	b.ReportOutcome(p, true)
	assert.NoError(t, b.Check(p))
}

func TestReleaseFreesTrialSlot(t *testing.T) {
	t.Parallel()
	b, _, clock := newTestBreaker(1)
	p := provider.SerpAPI

	b.ReportOutcome(p, false)
	clock.Advance(DefaultRecoveryTimeout)

	// trial admitted, then aborted before reaching the provider
	require.NoError(t, b.Check(p))
	b.Release(p)

	// the slot is free again: the next check admits a new trial and a
	// successful outcome closes the circuit
	require.NoError(t, b.Check(p))
	b.ReportOutcome(p, true)
	assert.Equal(t, PhaseClosed, b.State(p).Phase)
}

func TestReleaseOutsideHalfOpenIsNoop(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(2)
	p := provider.Tavily

	b.ReportOutcome(p, false)
	b.Release(p)
	b.ReportOutcome(p, false)
	assert.Equal(t, PhaseOpen, b.State(p).Phase)

	b.Release(p)
	assert.Equal(t, PhaseOpen, b.State(p).Phase)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b, sink, _ := newTestBreaker(3)
	p := provider.Tavily

	b.ReportOutcome(p, false)
	b.ReportOutcome(p, false)
	b.ReportOutcome(p, true)
	b.ReportOutcome(p, false)
	b.ReportOutcome(p, false)

	assert.Equal(t, PhaseClosed, b.State(p).Phase)
	assert.Empty(t, sink.actions())
}

func TestProvidersIndependent(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(1)

	b.ReportOutcome(provider.Firecrawl, false)
	assert.Equal(t, PhaseOpen, b.State(provider.Firecrawl).Phase)
	assert.NoError(t, b.Check(provider.SerpAPI))
}
