package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/circuit"
	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/ratelimit"
	"github.com/researchops/gatekeeper/internal/vault"
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

type harness struct {
	gateway *Gateway
	auditor *audit.Logger
	clock   *fakeClock
}

func newHarness(t *testing.T, requestLimit int) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logging.New(false, true)
	metrics := health.NewMetrics()

	v, err := vault.New(context.Background(), vault.NewMemoryStore(), []byte("test-pass"), log, vault.Options{Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(v.Close)

	overrides := map[provider.Provider]provider.Limits{}
	for _, p := range provider.All() {
		overrides[p] = provider.Limits{Requests: requestLimit, WindowLength: time.Minute, WarningPct: 80, CriticalPct: 95}
	}
	limiter := ratelimit.New(log, metrics, ratelimit.Options{Clock: clock.Now, Overrides: overrides})

	auditor := audit.NewLogger(audit.NewMemoryStore(), log, metrics, audit.LoggerOptions{Clock: clock.Now})
	breaker := circuit.New(log, metrics, auditor, circuit.Options{Clock: clock.Now})

	return &harness{
		gateway: New(v, limiter, breaker, auditor, log, metrics),
		auditor: auditor,
		clock:   clock,
	}
}

// audits flushes the queue so appended entries are visible to Query.
func (h *harness) audits(t *testing.T, f audit.Filter) []audit.Entry {
	t.Helper()
	h.auditor.Flush()
	entries, err := h.auditor.Query(context.Background(), f)
	require.NoError(t, err)
	return entries
}

func (h *harness) auditCount(t *testing.T) int {
	t.Helper()
	return len(h.audits(t, audit.Filter{Limit: 1000}))
}

func okCall(context.Context, string) error  { return nil }
func badCall(context.Context, string) error { return errors.New("upstream 500") }

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.OpenRouter, "k1")
	require.NoError(t, err)

	var seen string
	err = h.gateway.Execute(ctx, provider.OpenRouter, func(_ context.Context, secret string) error {
		seen = secret
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "k1", seen)

	entries := h.audits(t, audit.Filter{Action: audit.ActionAccessGranted})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)

	stats, err := h.gateway.UsageStats(ctx, provider.OpenRouter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
}

func TestExecuteMissingCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)

	err := h.gateway.Execute(context.Background(), provider.Jina, okCall)
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))

	// the denial still produced exactly one entry
	assert.Equal(t, 1, h.auditCount(t))
}

func TestExecuteRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.Exa, "k")
	require.NoError(t, err)

	require.NoError(t, h.gateway.Execute(ctx, provider.Exa, okCall))
	require.NoError(t, h.gateway.Execute(ctx, provider.Exa, okCall))

	err = h.gateway.Execute(ctx, provider.Exa, okCall)
	assert.Equal(t, gkerrors.KindRateLimitExceeded, gkerrors.KindOf(err))

	entries := h.audits(t, audit.Filter{Action: audit.ActionRateLimitTripped})
	assert.Len(t, entries, 1)
}

func TestExecuteCircuitOpenFailsFast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.Tavily, "k")
	require.NoError(t, err)

	for i := 0; i < circuit.DefaultFailureThreshold; i++ {
		require.Error(t, h.gateway.Execute(ctx, provider.Tavily, badCall))
	}
	assert.Equal(t, circuit.PhaseOpen, h.gateway.CircuitState(provider.Tavily).Phase)

	// fail-fast path: the invoker must not run
	invoked := false
	err = h.gateway.Execute(ctx, provider.Tavily, func(context.Context, string) error {
		invoked = true
		return nil
	})
	assert.Equal(t, gkerrors.KindCircuitOpen, gkerrors.KindOf(err))
	assert.False(t, invoked)
}

func TestRateLimitedTrialDoesNotWedgeCircuit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5)
	ctx := context.Background()
	p := provider.OpenRouter

	_, err := h.gateway.AddCredential(ctx, p, "k")
	require.NoError(t, err)

	// five failures exhaust the window and open the circuit
	for i := 0; i < 5; i++ {
		require.Error(t, h.gateway.Execute(ctx, p, badCall))
	}
	require.Equal(t, circuit.PhaseOpen, h.gateway.CircuitState(p).Phase)

	// the recovery timeout elapses inside the exhausted window, so the
	// admitted trial call is denied by the rate limiter
	h.clock.Advance(circuit.DefaultRecoveryTimeout)
	err = h.gateway.Execute(ctx, p, okCall)
	assert.Equal(t, gkerrors.KindRateLimitExceeded, gkerrors.KindOf(err))

	// fresh window: the trial slot must be available again and a healthy
	// call closes the circuit
	h.clock.Advance(time.Minute)
	require.NoError(t, h.gateway.Execute(ctx, p, okCall))
	assert.Equal(t, circuit.PhaseClosed, h.gateway.CircuitState(p).Phase)
}

func TestExecuteContextDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.SerpAPI, "k")
	require.NoError(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	err = h.gateway.Execute(expired, provider.SerpAPI, okCall)
	assert.Equal(t, gkerrors.KindTimeout, gkerrors.KindOf(err))

	// no counter was consumed
	assert.Equal(t, 0, h.gateway.RateLimitStatus(provider.SerpAPI).CurrentCount)
}

func TestExecuteCallTimeoutMapsToTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.Firecrawl, "k")
	require.NoError(t, err)

	err = h.gateway.Execute(ctx, provider.Firecrawl, func(context.Context, string) error {
		return context.DeadlineExceeded
	})
	assert.Equal(t, gkerrors.KindTimeout, gkerrors.KindOf(err))
}

func TestCredentialOpsAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.Jina, "k1")
	require.NoError(t, err)
	_, err = h.gateway.RotateCredential(ctx, provider.Jina, "k2")
	require.NoError(t, err)
	require.NoError(t, h.gateway.RevokeCredential(ctx, provider.Jina))

	for _, action := range []audit.Action{
		audit.ActionCredentialCreated,
		audit.ActionCredentialRotated,
		audit.ActionCredentialRevoked,
	} {
		entries := h.audits(t, audit.Filter{Action: action})
		assert.Len(t, entries, 1, "action %s", action)
	}
}

func TestTestCredentialAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.OpenRouter, "k")
	require.NoError(t, err)

	res, err := h.gateway.TestCredential(ctx, provider.OpenRouter, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.True(t, res.Success)

	entries := h.audits(t, audit.Filter{Action: audit.ActionCredentialTested})
	require.Len(t, entries, 1)
	assert.Equal(t, "active", entries[0].Detail["credential"])
}

func TestTestPreviousCredentialUsesGraceKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10)
	ctx := context.Background()

	_, err := h.gateway.AddCredential(ctx, provider.SerpAPI, "k-old")
	require.NoError(t, err)
	_, err = h.gateway.RotateCredential(ctx, provider.SerpAPI, "k-new")
	require.NoError(t, err)

	var seen string
	res, err := h.gateway.TestPreviousCredential(ctx, provider.SerpAPI, func(_ context.Context, secret string) error {
		seen = secret
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "k-old", seen)

	entries := h.audits(t, audit.Filter{Action: audit.ActionCredentialTested})
	require.Len(t, entries, 1)
	assert.Equal(t, "previous", entries[0].Detail["credential"])
}

// TestEndToEndLifecycle walks one provider through registration, health
// check, window exhaustion, breaker trip, and recovery.
func TestEndToEndLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 50)
	ctx := context.Background()
	p := provider.SerpAPI

	_, err := h.gateway.AddCredential(ctx, p, "k1")
	require.NoError(t, err)

	res, err := h.gateway.TestCredential(ctx, p, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	require.True(t, res.Success)

	// 100 calls against a 50/window limit
	var allowed, limited int
	for i := 0; i < 100; i++ {
		err := h.gateway.Execute(ctx, p, okCall)
		switch gkerrors.KindOf(err) {
		case gkerrors.KindUnknown:
			require.NoError(t, err)
			allowed++
		case gkerrors.KindRateLimitExceeded:
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 50, allowed)
	assert.Equal(t, 50, limited)

	// fresh window, then 5 consecutive provider failures
	h.clock.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		require.Error(t, h.gateway.Execute(ctx, p, badCall))
	}
	require.Equal(t, circuit.PhaseOpen, h.gateway.CircuitState(p).Phase)

	// blocked while the recovery timeout runs
	err = h.gateway.Execute(ctx, p, okCall)
	assert.Equal(t, gkerrors.KindCircuitOpen, gkerrors.KindOf(err))

	// after 30s one trial call succeeds and the circuit closes
	h.clock.Advance(circuit.DefaultRecoveryTimeout)
	require.NoError(t, h.gateway.Execute(ctx, p, okCall))
	assert.Equal(t, circuit.PhaseClosed, h.gateway.CircuitState(p).Phase)

	entries := h.audits(t, audit.Filter{Provider: p.String(), Action: audit.ActionCircuitOpened})
	assert.Len(t, entries, 1)
	entries = h.audits(t, audit.Filter{Provider: p.String(), Action: audit.ActionCircuitClosed})
	assert.Len(t, entries, 1)
}
