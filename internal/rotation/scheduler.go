package rotation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

const (
	// DefaultInterval is the scheduler tick.
	DefaultInterval = time.Hour
	// DefaultCredentialMaxAge is the age past which a credential is due
	// for rotation.
	DefaultCredentialMaxAge = 90 * 24 * time.Hour
	// DefaultMasterKeyMaxAge drives autonomous master-key rotation.
	DefaultMasterKeyMaxAge = 90 * 24 * time.Hour
	// DefaultRetention is how long expired credentials linger before
	// the sweep removes them.
	DefaultRetention = 30 * 24 * time.Hour
)

// KeyVault is the slice of the vault the scheduler drives.
type KeyVault interface {
	CredentialAges(ctx context.Context) (map[provider.Provider]time.Time, error)
	MasterKeyVersion(ctx context.Context) (int, time.Time, error)
	RotateMasterKey(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int, error)
}

// Config tunes the scheduler. Zero values select defaults.
type Config struct {
	Interval         time.Duration
	CredentialMaxAge time.Duration
	MasterKeyMaxAge  time.Duration
	Retention        time.Duration
	Clock            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CredentialMaxAge <= 0 {
		c.CredentialMaxAge = DefaultCredentialMaxAge
	}
	if c.MasterKeyMaxAge <= 0 {
		c.MasterKeyMaxAge = DefaultMasterKeyMaxAge
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Scheduler periodically checks credential ages, rotates the master key
// when it is due, and runs the retention sweep. It never blocks in-flight
// gateway calls except for the bounded master-key re-wrap itself.
type Scheduler struct {
	vault   KeyVault
	auditor *audit.Logger
	events  *Manager
	log     *logging.Logger
	metrics *health.Metrics
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler wires a scheduler. Call Start to begin ticking.
func NewScheduler(v KeyVault, auditor *audit.Logger, events *Manager, log *logging.Logger, metrics *health.Metrics, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		vault:   v,
		auditor: auditor,
		events:  events,
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		now:     cfg.Clock,
	}
}

// Start launches the tick loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the loop and waits for the current pass to finish, so
// shutdown never interrupts a rotation mid-commit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports scheduler liveness for the health monitor.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("rotation pass failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single scheduler pass: emit RotationDue events,
// rotate the master key if due, and sweep expired credentials.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now()

	ages, err := s.vault.CredentialAges(ctx)
	if err != nil {
		s.metrics.RecordRotationRun("credential_check", "error")
		return err
	}
	due := 0
	for p, createdAt := range ages {
		age := now.Sub(createdAt)
		if age < s.cfg.CredentialMaxAge {
			continue
		}
		due++
		s.events.Send(Event{
			Type:          EventRotationDue,
			Provider:      p.String(),
			CredentialAge: age,
			Timestamp:     now,
		})
	}
	s.metrics.RecordRotationRun("credential_check", "ok")
	if due > 0 {
		s.log.Debug("%d credential(s) due for rotation", due)
	}

	if err := s.maybeRotateMasterKey(ctx, now); err != nil {
		return err
	}

	if removed, err := s.vault.PurgeExpired(ctx, s.cfg.Retention); err != nil {
		s.log.Warn("retention sweep failed: %v", err)
	} else if removed > 0 {
		s.log.Info("retention sweep removed %d credential(s)", removed)
	}
	return nil
}

func (s *Scheduler) maybeRotateMasterKey(ctx context.Context, now time.Time) error {
	_, derivedAt, err := s.vault.MasterKeyVersion(ctx)
	if err != nil {
		return err
	}
	if now.Sub(derivedAt) < s.cfg.MasterKeyMaxAge {
		return nil
	}

	next, err := s.vault.RotateMasterKey(ctx)
	if err != nil {
		s.metrics.RecordRotationRun("master_key", "error")
		s.auditor.Append(audit.Entry{
			Action:   audit.ActionCredentialRotated,
			Provider: "-",
			Severity: audit.SeverityCritical,
			Outcome:  audit.OutcomeFailure,
			Detail:   map[string]string{"kind": "master_key", "error": err.Error()},
		})
		return err
	}

	s.metrics.RecordRotationRun("master_key", "ok")
	s.auditor.Append(audit.Entry{
		Action:   audit.ActionCredentialRotated,
		Provider: "-",
		Severity: audit.SeverityInfo,
		Outcome:  audit.OutcomeSuccess,
		Detail:   map[string]string{"kind": "master_key", "version": strconv.Itoa(next)},
	})
	s.events.Send(Event{
		Type:       EventMasterKeyRotated,
		KeyVersion: next,
		Timestamp:  now,
	})
	return nil
}
