// Package health surfaces the operational state of the governance core:
// audit durability, master-key availability, scheduler liveness, and
// the Prometheus metrics every component records into.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status summarizes the whole core.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates all checks.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// AuditState is what the monitor needs from the audit logger.
type AuditState interface {
	Degraded() bool
	Dropped() int64
}

// SchedulerState reports rotation scheduler liveness.
type SchedulerState interface {
	Running() bool
}

// KeyState reports master-key availability.
type KeyState interface {
	MasterKeyVersion(ctx context.Context) (int, time.Time, error)
}

// Monitor aggregates component states into a single health report.
type Monitor struct {
	audit     AuditState
	scheduler SchedulerState
	keys      KeyState
	now       func() time.Time
}

// NewMonitor wires a monitor. A nil scheduler marks that check as not
// applicable rather than failing.
func NewMonitor(audit AuditState, scheduler SchedulerState, keys KeyState) *Monitor {
	return &Monitor{audit: audit, scheduler: scheduler, keys: keys, now: time.Now}
}

// Report probes every component. Audit degradation and master-key
// failures mark the core degraded; everything else is informational.
func (m *Monitor) Report(ctx context.Context) Report {
	r := Report{Status: StatusOK, Timestamp: m.now()}

	auditCheck := Check{Name: "audit", OK: true}
	if m.audit.Degraded() {
		auditCheck.OK = false
		auditCheck.Detail = "durable store unavailable, entries buffered in memory"
		r.Status = StatusDegraded
	}
	if dropped := m.audit.Dropped(); dropped > 0 {
		auditCheck.Detail += fmt.Sprintf(" (%d entries dropped)", dropped)
	}
	r.Checks = append(r.Checks, auditCheck)

	keyCheck := Check{Name: "master_key", OK: true}
	if version, derivedAt, err := m.keys.MasterKeyVersion(ctx); err != nil {
		keyCheck.OK = false
		keyCheck.Detail = err.Error()
		r.Status = StatusDegraded
	} else {
		keyCheck.Detail = fmt.Sprintf("v%d, derived %s", version, derivedAt.UTC().Format(time.RFC3339))
	}
	r.Checks = append(r.Checks, keyCheck)

	schedCheck := Check{Name: "rotation_scheduler", OK: true}
	switch {
	case m.scheduler == nil:
		schedCheck.Detail = "not configured"
	case !m.scheduler.Running():
		schedCheck.OK = false
		schedCheck.Detail = "stopped"
	}
	r.Checks = append(r.Checks, schedCheck)

	return r
}
