// Package vault encrypts, stores, versions, and rotates third-party
// provider credentials. Secrets are sealed with AES-256-GCM under keys
// derived from versioned master-key material; plaintext exists only for
// the duration of a single outbound call.
package vault

import (
	"time"

	"github.com/researchops/gatekeeper/internal/provider"
)

// Status is the credential lifecycle phase.
type Status string

const (
	// StatusActive is the single credential per provider used for new calls.
	StatusActive Status = "active"
	// StatusRotating is a superseded credential still decryptable during
	// its grace window.
	StatusRotating Status = "rotating"
	// StatusExpired credentials are unusable and await the retention sweep.
	StatusExpired Status = "expired"
	// StatusRevoked credentials were explicitly invalidated by an operator.
	StatusRevoked Status = "revoked"
)

// DefaultGracePeriod is how long a rotating credential stays decryptable.
const DefaultGracePeriod = 24 * time.Hour

// Credential is one provider secret plus its lifecycle metadata. The
// secret itself is only ever held as ciphertext.
type Credential struct {
	ID            string
	Provider      provider.Provider
	Ciphertext    []byte
	KeyVersion    int
	Status        Status
	CreatedAt     time.Time
	LastRotatedAt *time.Time
	LastUsedAt    *time.Time
	UsageTotal    int64
	UsageSuccess  int64
	UsageFail     int64
}

// graceDeadline is when a rotating credential stops being decryptable.
func (c *Credential) graceDeadline(grace time.Duration) time.Time {
	at := c.CreatedAt
	if c.LastRotatedAt != nil {
		at = *c.LastRotatedAt
	}
	return at.Add(grace)
}

// Summary is the secret-free view of a credential returned to callers.
type Summary struct {
	ID            string     `json:"id" yaml:"id"`
	Provider      string     `json:"provider" yaml:"provider"`
	Status        Status     `json:"status" yaml:"status"`
	KeyVersion    int        `json:"key_version" yaml:"key_version"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty" yaml:"last_rotated_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" yaml:"last_used_at,omitempty"`
	UsageTotal    int64      `json:"usage_total" yaml:"usage_total"`
}

// Summarize strips the ciphertext and internal fields.
func (c *Credential) Summarize() Summary {
	return Summary{
		ID:            c.ID,
		Provider:      c.Provider.String(),
		Status:        c.Status,
		KeyVersion:    c.KeyVersion,
		CreatedAt:     c.CreatedAt,
		LastRotatedAt: c.LastRotatedAt,
		LastUsedAt:    c.LastUsedAt,
		UsageTotal:    c.UsageTotal,
	}
}

// UsageStats aggregates a credential's lifetime counters.
type UsageStats struct {
	Provider   string     `json:"provider"`
	Total      int64      `json:"total"`
	Success    int64      `json:"success"`
	Fail       int64      `json:"fail"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TestResult reports a credential health-check outcome.
type TestResult struct {
	Provider string        `json:"provider"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
}
