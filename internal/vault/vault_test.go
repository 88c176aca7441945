package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestVault(t *testing.T) (*Vault, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	v, err := New(context.Background(), NewMemoryStore(), []byte("test-passphrase"),
		logging.New(false, true), Options{Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, clock
}

func TestRegisterRoundTrip(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	for _, p := range provider.All() {
		secret := "key-for-" + p.String()
		sum, err := v.Register(ctx, p, secret)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sum.Status)
		assert.Equal(t, 1, sum.KeyVersion)

		got, err := v.GetDecrypted(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestRegisterDuplicateProvider(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.OpenRouter, "k1")
	require.NoError(t, err)

	_, err = v.Register(ctx, provider.OpenRouter, "k2")
	assert.Equal(t, gkerrors.KindDuplicateProvider, gkerrors.KindOf(err))
}

func TestRegisterEmptySecret(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)

	_, err := v.Register(context.Background(), provider.Jina, "")
	assert.Equal(t, gkerrors.KindValidation, gkerrors.KindOf(err))
}

func TestGetDecryptedNotFound(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)

	_, err := v.GetDecrypted(context.Background(), provider.Tavily)
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))
}

func TestRotateGracePeriod(t *testing.T) {
	t.Parallel()
	v, clock := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.SerpAPI, "old-secret")
	require.NoError(t, err)

	_, err = v.Rotate(ctx, provider.SerpAPI, "new-secret")
	require.NoError(t, err)

	got, err := v.GetDecrypted(ctx, provider.SerpAPI)
	require.NoError(t, err)
	assert.Equal(t, "new-secret", got)

	// old secret still decryptable inside the grace window
	prev, err := v.GetDecryptedPrevious(ctx, provider.SerpAPI)
	require.NoError(t, err)
	assert.Equal(t, "old-secret", prev)

	clock.Advance(DefaultGracePeriod + time.Minute)
	_, err = v.GetDecryptedPrevious(ctx, provider.SerpAPI)
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))
}

func TestRotateConflictInsideGrace(t *testing.T) {
	t.Parallel()
	v, clock := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.Firecrawl, "s1")
	require.NoError(t, err)
	_, err = v.Rotate(ctx, provider.Firecrawl, "s2")
	require.NoError(t, err)

	_, err = v.Rotate(ctx, provider.Firecrawl, "s3")
	assert.Equal(t, gkerrors.KindRotationConflict, gkerrors.KindOf(err))

	clock.Advance(DefaultGracePeriod + time.Minute)
	_, err = v.Rotate(ctx, provider.Firecrawl, "s3")
	require.NoError(t, err)

	got, err := v.GetDecrypted(ctx, provider.Firecrawl)
	require.NoError(t, err)
	assert.Equal(t, "s3", got)
}

func TestRotateWithoutActive(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)

	_, err := v.Rotate(context.Background(), provider.Exa, "s1")
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.OpenRouter, "k1")
	require.NoError(t, err)
	require.NoError(t, v.Revoke(ctx, provider.OpenRouter))

	_, err = v.GetDecrypted(ctx, provider.OpenRouter)
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))

	err = v.Revoke(ctx, provider.OpenRouter)
	assert.Equal(t, gkerrors.KindCredentialNotFound, gkerrors.KindOf(err))
}

func TestTestCredential(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.Jina, "jina-key")
	require.NoError(t, err)

	var seen string
	res, err := v.Test(ctx, provider.Jina, func(_ context.Context, secret string) error {
		seen = secret
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "jina-key", seen)

	res, err = v.Test(ctx, provider.Jina, func(context.Context, string) error {
		return errors.New("connection refused")
	})
	assert.Equal(t, gkerrors.KindProviderUnreachable, gkerrors.KindOf(err))
	assert.False(t, res.Success)
}

func TestRecordUsageAndStats(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.Tavily, "k")
	require.NoError(t, err)

	require.NoError(t, v.RecordUsage(ctx, provider.Tavily, true))
	require.NoError(t, v.RecordUsage(ctx, provider.Tavily, true))
	require.NoError(t, v.RecordUsage(ctx, provider.Tavily, false))

	stats, err := v.Stats(ctx, provider.Tavily)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Success)
	assert.Equal(t, int64(1), stats.Fail)
	assert.NotNil(t, stats.LastUsedAt)
}

func TestRotateMasterKey(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.OpenRouter, "or-key")
	require.NoError(t, err)
	_, err = v.Register(ctx, provider.Exa, "exa-key")
	require.NoError(t, err)

	next, err := v.RotateMasterKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	// credentials re-wrapped under v2 and still decryptable
	got, err := v.GetDecrypted(ctx, provider.OpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "or-key", got)

	list, err := v.List(ctx)
	require.NoError(t, err)
	for _, sum := range list {
		assert.Equal(t, 2, sum.KeyVersion)
	}

	version, _, err := v.MasterKeyVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	v, clock := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, provider.SerpAPI, "k1")
	require.NoError(t, err)
	require.NoError(t, v.Revoke(ctx, provider.SerpAPI))

	clock.Advance(31 * 24 * time.Hour)
	removed, err := v.PurgeExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err := v.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewRequiresPassphrase(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), NewMemoryStore(), nil, logging.New(false, true), Options{})
	assert.Equal(t, gkerrors.KindValidation, gkerrors.KindOf(err))
}

func TestReloadFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	log := logging.New(false, true)

	v1, err := New(ctx, store, []byte("pass"), log, Options{})
	require.NoError(t, err)
	_, err = v1.Register(ctx, provider.Firecrawl, "fc-key")
	require.NoError(t, err)
	v1.Close()

	// a fresh vault over the same store unwraps the persisted master key
	v2, err := New(ctx, store, []byte("pass"), log, Options{})
	require.NoError(t, err)
	defer v2.Close()

	got, err := v2.GetDecrypted(ctx, provider.Firecrawl)
	require.NoError(t, err)
	assert.Equal(t, "fc-key", got)
}
