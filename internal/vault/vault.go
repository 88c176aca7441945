package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

// HealthChecker performs a provider health-check call with a decrypted
// secret. The secret must not be retained past the call.
type HealthChecker func(ctx context.Context, secret string) error

// Options tune vault behavior. Zero values select defaults.
type Options struct {
	// GracePeriod is how long a rotating credential stays decryptable.
	GracePeriod time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Vault owns credential and master-key records. Reads take shared
// per-provider locks; master-key rotation is the single operation that
// holds the vault-wide exclusive lock.
type Vault struct {
	store Store
	keys  *keychain
	log   *logging.Logger
	grace time.Duration
	now   func() time.Time

	// mu is exclusive only during master-key rotation
	mu    sync.RWMutex
	locks map[provider.Provider]*sync.RWMutex
}

// New loads or initializes the master-key chain and returns a ready
// vault. Failure to unwrap any master key aborts initialization; the
// vault never runs without its keys.
func New(ctx context.Context, store Store, passphrase []byte, log *logging.Logger, opts Options) (*Vault, error) {
	if len(passphrase) == 0 {
		return nil, gkerrors.Validation("master passphrase must not be empty")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	v := &Vault{
		store: store,
		keys:  newKeychain(passphrase),
		log:   log,
		grace: opts.GracePeriod,
		now:   opts.Clock,
		locks: map[provider.Provider]*sync.RWMutex{},
	}
	for _, p := range provider.All() {
		v.locks[p] = &sync.RWMutex{}
	}

	records, err := store.ListMasterKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load master keys: %w", err)
	}
	if len(records) == 0 {
		mk, err := v.keys.mint(1, v.now())
		if err != nil {
			return nil, err
		}
		if err := store.InsertMasterKey(ctx, mk); err != nil {
			return nil, fmt.Errorf("persist master key: %w", err)
		}
		log.Info("initialized master key v1")
		return v, nil
	}

	for _, rec := range records {
		if err := v.keys.unwrap(rec); err != nil {
			return nil, err
		}
	}
	if v.keys.current == 0 {
		return nil, gkerrors.Encryption("load master key", fmt.Errorf("no current master key among %d versions", len(records)))
	}
	log.Debug("loaded %d master key version(s), current v%d", len(records), v.keys.current)
	return v, nil
}

// Close wipes all key material from memory.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys.destroy()
}

func (v *Vault) lockFor(p provider.Provider) *sync.RWMutex {
	return v.locks[p]
}

// Register stores a new encrypted credential for the provider.
func (v *Vault) Register(ctx context.Context, p provider.Provider, secret string) (Summary, error) {
	if secret == "" {
		return Summary{}, gkerrors.Validation("secret must not be empty")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.Lock()
	defer lock.Unlock()

	existing, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return Summary{}, err
	}
	if existing != nil {
		return Summary{}, gkerrors.DuplicateProvider(p.String())
	}

	blob, err := v.sealCurrent([]byte(secret))
	if err != nil {
		return Summary{}, err
	}

	cred := &Credential{
		ID:         uuid.NewString(),
		Provider:   p,
		Ciphertext: blob,
		KeyVersion: v.keys.current,
		Status:     StatusActive,
		CreatedAt:  v.now(),
	}
	if err := v.store.InsertCredential(ctx, cred); err != nil {
		return Summary{}, err
	}
	v.log.Info("registered credential for %s", p.DisplayName())
	return cred.Summarize(), nil
}

// GetDecrypted returns the active credential's plaintext for immediate
// use in a single outbound call. Callers must not cache it.
func (v *Vault) GetDecrypted(ctx context.Context, p provider.Provider) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.RLock()
	defer lock.RUnlock()

	cred, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", gkerrors.CredentialNotFound(p.String())
	}
	return v.decrypt(cred)
}

// GetDecryptedPrevious returns the plaintext of the rotating
// (pre-rotation) credential while its grace period holds. Once the
// grace window lapses the credential is marked expired and lookups
// report CredentialNotFound.
func (v *Vault) GetDecryptedPrevious(ctx context.Context, p provider.Provider) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.Lock()
	defer lock.Unlock()

	cred, err := v.store.CredentialByStatus(ctx, p, StatusRotating)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", gkerrors.CredentialNotFound(p.String())
	}
	if v.now().After(cred.graceDeadline(v.grace)) {
		cred.Status = StatusExpired
		if err := v.store.UpdateCredential(ctx, cred); err != nil {
			return "", err
		}
		v.log.Debug("grace period lapsed for %s, credential %s expired", p, cred.ID)
		return "", gkerrors.CredentialNotFound(p.String())
	}
	return v.decrypt(cred)
}

// Rotate replaces the active credential with a caller-supplied secret.
// The old credential enters the rotating state and stays decryptable
// for the grace period.
func (v *Vault) Rotate(ctx context.Context, p provider.Provider, newSecret string) (Summary, error) {
	if newSecret == "" {
		return Summary{}, gkerrors.Validation("new secret must not be empty")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.Lock()
	defer lock.Unlock()

	active, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return Summary{}, err
	}
	if active == nil {
		return Summary{}, gkerrors.CredentialNotFound(p.String())
	}

	rotating, err := v.store.CredentialByStatus(ctx, p, StatusRotating)
	if err != nil {
		return Summary{}, err
	}
	if rotating != nil {
		if v.now().Before(rotating.graceDeadline(v.grace)) {
			return Summary{}, gkerrors.RotationConflict(p.String())
		}
		rotating.Status = StatusExpired
		if err := v.store.UpdateCredential(ctx, rotating); err != nil {
			return Summary{}, err
		}
	}

	blob, err := v.sealCurrent([]byte(newSecret))
	if err != nil {
		return Summary{}, err
	}

	now := v.now()
	next := &Credential{
		ID:         uuid.NewString(),
		Provider:   p,
		Ciphertext: blob,
		KeyVersion: v.keys.current,
		Status:     StatusActive,
		CreatedAt:  now,
	}
	active.Status = StatusRotating
	active.LastRotatedAt = &now
	// One atomic step: an interrupted rotation must never leave the
	// provider with two active credentials or none at all.
	if err := v.store.SwapCredentials(ctx, next, active); err != nil {
		return Summary{}, err
	}
	v.log.Info("rotated credential for %s", p.DisplayName())
	return next.Summarize(), nil
}

// Revoke immediately invalidates the provider's active credential.
func (v *Vault) Revoke(ctx context.Context, p provider.Provider) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.Lock()
	defer lock.Unlock()

	cred, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return err
	}
	if cred == nil {
		return gkerrors.CredentialNotFound(p.String())
	}
	now := v.now()
	cred.Status = StatusRevoked
	cred.LastRotatedAt = &now
	if err := v.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	v.log.Warn("revoked credential for %s", p.DisplayName())
	return nil
}

// Test runs a health check with the decrypted credential and measures
// latency. The secret is never logged.
func (v *Vault) Test(ctx context.Context, p provider.Provider, check HealthChecker) (TestResult, error) {
	secret, err := v.GetDecrypted(ctx, p)
	if err != nil {
		return TestResult{}, err
	}
	return runCheck(ctx, p, secret, check)
}

// TestPrevious runs a health check with the rotating (pre-rotation)
// credential, so operators can confirm the old secret still works
// before every consumer has moved to the new one.
func (v *Vault) TestPrevious(ctx context.Context, p provider.Provider, check HealthChecker) (TestResult, error) {
	secret, err := v.GetDecryptedPrevious(ctx, p)
	if err != nil {
		return TestResult{}, err
	}
	return runCheck(ctx, p, secret, check)
}

func runCheck(ctx context.Context, p provider.Provider, secret string, check HealthChecker) (TestResult, error) {
	start := time.Now()
	checkErr := check(ctx, secret)
	result := TestResult{
		Provider: p.String(),
		Success:  checkErr == nil,
		Latency:  time.Since(start),
	}
	if checkErr != nil {
		return result, gkerrors.ProviderUnreachable(p.String(), checkErr)
	}
	return result, nil
}

// RecordUsage bumps the active credential's usage counters.
func (v *Vault) RecordUsage(ctx context.Context, p provider.Provider, success bool) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.Lock()
	defer lock.Unlock()

	cred, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return err
	}
	if cred == nil {
		return gkerrors.CredentialNotFound(p.String())
	}
	now := v.now()
	cred.LastUsedAt = &now
	cred.UsageTotal++
	if success {
		cred.UsageSuccess++
	} else {
		cred.UsageFail++
	}
	return v.store.UpdateCredential(ctx, cred)
}

// Stats returns the active credential's lifetime usage counters.
func (v *Vault) Stats(ctx context.Context, p provider.Provider) (UsageStats, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lock := v.lockFor(p)
	lock.RLock()
	defer lock.RUnlock()

	cred, err := v.store.CredentialByStatus(ctx, p, StatusActive)
	if err != nil {
		return UsageStats{}, err
	}
	if cred == nil {
		return UsageStats{}, gkerrors.CredentialNotFound(p.String())
	}
	return UsageStats{
		Provider:   p.String(),
		Total:      cred.UsageTotal,
		Success:    cred.UsageSuccess,
		Fail:       cred.UsageFail,
		LastUsedAt: cred.LastUsedAt,
	}, nil
}

// List returns secret-free summaries of every stored credential.
func (v *Vault) List(ctx context.Context) ([]Summary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	creds, err := v.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Summarize())
	}
	return out, nil
}

// CredentialAges reports, per provider, when the active credential was
// last replaced. Used by the rotation scheduler.
func (v *Vault) CredentialAges(ctx context.Context) (map[provider.Provider]time.Time, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	creds, err := v.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	ages := map[provider.Provider]time.Time{}
	for _, c := range creds {
		if c.Status != StatusActive {
			continue
		}
		ages[c.Provider] = c.CreatedAt
	}
	return ages, nil
}

// PurgeExpired removes expired and revoked credentials older than the
// retention window. Returns the number removed.
func (v *Vault) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.store.DeleteExpiredBefore(ctx, v.now().Add(-retention))
}

// MasterKeyVersion reports the current master-key version and when it
// was derived.
func (v *Vault) MasterKeyVersion(ctx context.Context) (int, time.Time, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	records, err := v.store.ListMasterKeys(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	for _, rec := range records {
		if rec.RetiredAt == nil {
			return rec.Version, rec.DerivedAt, nil
		}
	}
	return 0, time.Time{}, gkerrors.Encryption("load master key", fmt.Errorf("no current master key"))
}

// RotateMasterKey mints a new master-key version and re-wraps every
// active and rotating credential under it. This is the only operation
// that stops the whole vault; the new key is durably committed before
// the old one is retired so a crash mid-rotation loses nothing.
func (v *Vault) RotateMasterKey(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	previous := v.keys.current
	next := previous + 1

	mk, err := v.keys.mint(next, v.now())
	if err != nil {
		return 0, err
	}
	if err := v.store.InsertMasterKey(ctx, mk); err != nil {
		return 0, fmt.Errorf("persist master key v%d: %w", next, err)
	}

	creds, err := v.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	rewrapped := 0
	for _, c := range creds {
		if c.Status != StatusActive && c.Status != StatusRotating {
			continue
		}
		plaintext, err := v.decrypt(c)
		if err != nil {
			return 0, err
		}
		blob, err := v.sealCurrent([]byte(plaintext))
		if err != nil {
			return 0, err
		}
		c.Ciphertext = blob
		c.KeyVersion = next
		if err := v.store.UpdateCredential(ctx, c); err != nil {
			return 0, err
		}
		rewrapped++
	}

	if err := v.store.RetireMasterKey(ctx, previous, v.now()); err != nil {
		return 0, err
	}
	v.keys.drop(previous)
	v.log.Info("rotated master key to v%d, re-wrapped %d credential(s)", next, rewrapped)
	return next, nil
}

func (v *Vault) sealCurrent(plaintext []byte) ([]byte, error) {
	var blob []byte
	err := v.keys.with(v.keys.current, func(material []byte) error {
		var sealErr error
		blob, sealErr = seal(material, plaintext)
		return sealErr
	})
	return blob, err
}

func (v *Vault) decrypt(c *Credential) (string, error) {
	var plaintext string
	err := v.keys.with(c.KeyVersion, func(material []byte) error {
		pt, openErr := open(material, c.Ciphertext)
		if openErr != nil {
			return openErr
		}
		plaintext = string(pt)
		return nil
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}
