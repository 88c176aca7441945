// Package rotation runs the background scheduler that watches credential
// age, rotates the master key on its own schedule, and notifies external
// collaborators when a provider credential is due for rotation. New
// provider secrets must come from an operator; the scheduler never
// invents them.
package rotation

import "time"

// EventType classifies a scheduler notification.
type EventType string

const (
	// EventRotationDue asks an operator to supply a fresh secret.
	EventRotationDue EventType = "rotation_due"
	// EventMasterKeyRotated announces an autonomous master-key rotation.
	EventMasterKeyRotated EventType = "master_key_rotated"
)

// Event is one scheduler notification.
type Event struct {
	Type          EventType     `json:"type"`
	Provider      string        `json:"provider,omitempty"`
	CredentialAge time.Duration `json:"credential_age,omitempty"`
	KeyVersion    int           `json:"key_version,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
