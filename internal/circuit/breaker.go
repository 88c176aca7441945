// Package circuit tracks per-provider failure streaks and short-circuits
// calls to providers that keep failing. State is in-memory and advisory;
// every breaker starts closed after a restart.
package circuit

import (
	"strconv"
	"sync"
	"time"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

// Phase is the breaker state for one provider.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

const (
	// DefaultFailureThreshold opens the breaker after this many
	// consecutive failures.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open breaker waits before
	// admitting a trial call.
	DefaultRecoveryTimeout = 30 * time.Second
)

// Sink receives audit entries for phase transitions.
type Sink interface {
	Append(e audit.Entry)
}

// Snapshot is a point-in-time view of one provider's breaker.
type Snapshot struct {
	Provider             string    `json:"provider"`
	Phase                Phase     `json:"phase"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}

// state is one provider's breaker, guarded by its own mutex.
type state struct {
	mu                   sync.Mutex
	phase                Phase
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	// probeInFlight marks the single half-open trial call
	probeInFlight bool
}

// Options tune breaker behavior. Zero values select defaults.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Clock            func() time.Time
}

// Breaker manages one circuit per provider.
type Breaker struct {
	log     *logging.Logger
	metrics *health.Metrics
	sink    Sink
	now     func() time.Time

	failureThreshold int
	recoveryTimeout  time.Duration
	states           map[provider.Provider]*state
}

// New builds a breaker covering every known provider, all closed.
func New(log *logging.Logger, metrics *health.Metrics, sink Sink, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	b := &Breaker{
		log:              log,
		metrics:          metrics,
		sink:             sink,
		now:              opts.Clock,
		failureThreshold: opts.FailureThreshold,
		recoveryTimeout:  opts.RecoveryTimeout,
		states:           map[provider.Provider]*state{},
	}
	for _, p := range provider.All() {
		b.states[p] = &state{phase: PhaseClosed}
	}
	return b
}

// Check reports whether a call to the provider may proceed. An open
// breaker moves to half-open once the recovery timeout has elapsed and
// then admits exactly one trial call; everything else fails fast with
// CircuitOpen.
func (b *Breaker) Check(p provider.Provider) error {
	s := b.states[p]
	now := b.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseClosed:
		return nil
	case PhaseOpen:
		if now.Sub(s.openedAt) < b.recoveryTimeout {
			return gkerrors.CircuitOpen(p.String())
		}
		s.phase = PhaseHalfOpen
		s.probeInFlight = true
		b.metrics.RecordCircuitTransition(p.String(), string(PhaseHalfOpen))
		b.log.Debug("circuit for %s half-open, admitting trial call", p)
		return nil
	case PhaseHalfOpen:
		if s.probeInFlight {
			return gkerrors.CircuitOpen(p.String())
		}
		s.probeInFlight = true
		return nil
	default:
		return gkerrors.CircuitOpen(p.String())
	}
}

// Release returns an admitted trial slot without recording an outcome.
// Callers use it when a call that passed Check is aborted before it
// reaches the provider (rate limit, missing credential), so a half-open
// breaker can admit the next trial instead of waiting on an outcome
// that will never arrive.
func (b *Breaker) Release(p provider.Provider) {
	s := b.states[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseHalfOpen {
		s.probeInFlight = false
	}
}

// ReportOutcome feeds a call result into the state machine.
func (b *Breaker) ReportOutcome(p provider.Provider, success bool) {
	s := b.states[p]
	now := b.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseClosed:
		if success {
			s.consecutiveFailures = 0
			s.consecutiveSuccesses++
			return
		}
		s.consecutiveSuccesses = 0
		s.consecutiveFailures++
		if s.consecutiveFailures >= b.failureThreshold {
			b.open(p, s, now)
		}
	case PhaseHalfOpen:
		s.probeInFlight = false
		if success {
			b.close(p, s)
			return
		}
		b.open(p, s, now)
	case PhaseOpen:
		// Outcome from a call admitted before the breaker opened.
		// The streak counters are already moot.
	}
}

// State returns a snapshot of the provider's breaker.
func (b *Breaker) State(p provider.Provider) Snapshot {
	s := b.states[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Provider:             p.String(),
		Phase:                s.phase,
		ConsecutiveFailures:  s.consecutiveFailures,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		OpenedAt:             s.openedAt,
	}
}

// open transitions to Open. Caller holds s.mu.
func (b *Breaker) open(p provider.Provider, s *state, now time.Time) {
	s.phase = PhaseOpen
	s.openedAt = now
	s.consecutiveSuccesses = 0
	b.metrics.RecordCircuitTransition(p.String(), string(PhaseOpen))
	b.log.Warn("circuit opened for %s after %d consecutive failures", p.DisplayName(), s.consecutiveFailures)
	b.sink.Append(audit.Entry{
		Action:   audit.ActionCircuitOpened,
		Provider: p.String(),
		Severity: audit.SeverityHigh,
		Outcome:  audit.OutcomeFailure,
		Detail:   map[string]string{"consecutive_failures": strconv.Itoa(s.consecutiveFailures)},
	})
}

// close transitions to Closed. Caller holds s.mu.
func (b *Breaker) close(p provider.Provider, s *state) {
	s.phase = PhaseClosed
	s.consecutiveFailures = 0
	s.consecutiveSuccesses = 1
	s.openedAt = time.Time{}
	b.metrics.RecordCircuitTransition(p.String(), string(PhaseClosed))
	b.log.Info("circuit closed for %s after successful trial call", p.DisplayName())
	b.sink.Append(audit.Entry{
		Action:   audit.ActionCircuitClosed,
		Provider: p.String(),
		Severity: audit.SeverityInfo,
		Outcome:  audit.OutcomeSuccess,
	})
}
