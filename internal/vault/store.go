package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/researchops/gatekeeper/internal/provider"
)

// Store persists credentials and master keys. Implementations must be
// safe for concurrent use.
type Store interface {
	InsertCredential(ctx context.Context, c *Credential) error
	UpdateCredential(ctx context.Context, c *Credential) error
	// SwapCredentials inserts next and persists old's demoted state in a
	// single atomic step. Either both writes land or neither does, so an
	// interrupted rotation never leaves two active credentials behind.
	SwapCredentials(ctx context.Context, next, old *Credential) error
	// CredentialByStatus returns the provider's credential in the given
	// status, or nil when none exists.
	CredentialByStatus(ctx context.Context, p provider.Provider, s Status) (*Credential, error)
	ListCredentials(ctx context.Context) ([]*Credential, error)
	// DeleteExpiredBefore removes Expired and Revoked credentials whose
	// last transition happened before the cutoff. Returns rows removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertMasterKey(ctx context.Context, mk *MasterKey) error
	RetireMasterKey(ctx context.Context, version int, at time.Time) error
	ListMasterKeys(ctx context.Context) ([]*MasterKey, error)
}

// MemoryStore is the in-memory Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
	keys  map[int]*MasterKey
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: map[string]*Credential{},
		keys:  map[int]*MasterKey{},
	}
}

func (m *MemoryStore) InsertCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.ID] = &cp
	return nil
}

func (m *MemoryStore) SwapCredentials(_ context.Context, next, old *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ncp := *next
	ocp := *old
	m.creds[next.ID] = &ncp
	m.creds[old.ID] = &ocp
	return nil
}

func (m *MemoryStore) CredentialByStatus(_ context.Context, p provider.Provider, s Status) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.creds {
		if c.Provider == p && c.Status == s {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListCredentials(_ context.Context) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Credential, 0, len(m.creds))
	for _, c := range m.creds {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.creds {
		if c.Status != StatusExpired && c.Status != StatusRevoked {
			continue
		}
		at := c.CreatedAt
		if c.LastRotatedAt != nil {
			at = *c.LastRotatedAt
		}
		if at.Before(cutoff) {
			delete(m.creds, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) InsertMasterKey(_ context.Context, mk *MasterKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mk
	m.keys[mk.Version] = &cp
	return nil
}

func (m *MemoryStore) RetireMasterKey(_ context.Context, version int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mk, ok := m.keys[version]; ok {
		t := at
		mk.RetiredAt = &t
	}
	return nil
}

func (m *MemoryStore) ListMasterKeys(_ context.Context) ([]*MasterKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MasterKey, 0, len(m.keys))
	for _, mk := range m.keys {
		cp := *mk
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
