// Package audit keeps the append-only record of every credential and
// access-control event. Entries are immutable once written; corrections
// reference the original entry instead of changing it.
package audit

import (
	"time"

	"github.com/researchops/gatekeeper/internal/gkerrors"
)

// Action identifies what happened.
type Action string

const (
	ActionCredentialCreated Action = "credential_created"
	ActionCredentialRotated Action = "credential_rotated"
	ActionCredentialRevoked Action = "credential_revoked"
	ActionCredentialTested  Action = "credential_tested"
	ActionAccessGranted     Action = "access_granted"
	ActionAccessDenied      Action = "access_denied"
	ActionRateLimitTripped  Action = "rate_limit_tripped"
	ActionCircuitOpened     Action = "circuit_opened"
	ActionCircuitClosed     Action = "circuit_closed"
	ActionRetentionPurged   Action = "retention_purged"
)

// Severity ranks an entry's operational weight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records whether the audited operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one immutable audit record. ID is assigned by the store and
// increases monotonically. RefID points at a corrected entry, if any.
type Entry struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    Action            `json:"action"`
	Provider  string            `json:"provider"`
	Severity  Severity          `json:"severity"`
	Outcome   Outcome           `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
	RefID     *int64            `json:"ref_id,omitempty"`
}

// Filter narrows a query. Zero fields match everything. AfterID and
// Limit page through results in ascending id order.
type Filter struct {
	Severity Severity
	Provider string
	Action   Action
	From     time.Time
	To       time.Time
	AfterID  int64
	Limit    int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// normalize validates the filter and applies paging defaults.
func (f Filter) normalize() (Filter, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return f, gkerrors.Validation("time range start %s is after end %s", f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	return f, nil
}
