package vault

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/storage"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func TestSQLStoreCredentialLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestSQLStore(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	cred := &Credential{
		ID:         "cred-1",
		Provider:   provider.OpenRouter,
		Ciphertext: []byte{0x01, 0x02, 0x03},
		KeyVersion: 1,
		Status:     StatusActive,
		CreatedAt:  created,
	}
	require.NoError(t, store.InsertCredential(ctx, cred))

	got, err := store.CredentialByStatus(ctx, provider.OpenRouter, StatusActive)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cred.ID, got.ID)
	assert.Equal(t, cred.Ciphertext, got.Ciphertext)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.LastRotatedAt)

	rotated := created.Add(48 * time.Hour)
	got.Status = StatusRotating
	got.LastRotatedAt = &rotated
	got.UsageTotal = 7
	require.NoError(t, store.UpdateCredential(ctx, got))

	missing, err := store.CredentialByStatus(ctx, provider.OpenRouter, StatusActive)
	require.NoError(t, err)
	assert.Nil(t, missing)

	back, err := store.CredentialByStatus(ctx, provider.OpenRouter, StatusRotating)
	require.NoError(t, err)
	require.NotNil(t, back)
	require.NotNil(t, back.LastRotatedAt)
	assert.True(t, back.LastRotatedAt.Equal(rotated))
	assert.Equal(t, int64(7), back.UsageTotal)
}

func TestSQLStoreSwapCredentials(t *testing.T) {
	t.Parallel()
	store := newTestSQLStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := &Credential{
		ID: "cred-old", Provider: provider.Tavily, Ciphertext: []byte{1},
		KeyVersion: 1, Status: StatusActive, CreatedAt: created,
	}
	require.NoError(t, store.InsertCredential(ctx, old))

	rotated := created.Add(time.Hour)
	old.Status = StatusRotating
	old.LastRotatedAt = &rotated
	next := &Credential{
		ID: "cred-new", Provider: provider.Tavily, Ciphertext: []byte{2},
		KeyVersion: 1, Status: StatusActive, CreatedAt: rotated,
	}
	require.NoError(t, store.SwapCredentials(ctx, next, old))

	active, err := store.CredentialByStatus(ctx, provider.Tavily, StatusActive)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "cred-new", active.ID)

	demoted, err := store.CredentialByStatus(ctx, provider.Tavily, StatusRotating)
	require.NoError(t, err)
	require.NotNil(t, demoted)
	assert.Equal(t, "cred-old", demoted.ID)
}

func TestSQLStoreSwapRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credentials").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE credentials").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	store := NewSQLStore(&storage.DB{Writer: mockDB, Reader: mockDB})
	next := &Credential{
		ID: "cred-new", Provider: provider.Jina, Ciphertext: []byte{2},
		KeyVersion: 1, Status: StatusActive, CreatedAt: time.Now(),
	}
	old := &Credential{
		ID: "cred-old", Provider: provider.Jina, Ciphertext: []byte{1},
		KeyVersion: 1, Status: StatusRotating, CreatedAt: time.Now(),
	}
	err = store.SwapCredentials(context.Background(), next, old)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update credential")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePurge(t *testing.T) {
	t.Parallel()
	store := newTestSQLStore(t)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertCredential(ctx, &Credential{
		ID: "stale", Provider: provider.Jina, Ciphertext: []byte{1},
		KeyVersion: 1, Status: StatusExpired, CreatedAt: old,
	}))
	require.NoError(t, store.InsertCredential(ctx, &Credential{
		ID: "live", Provider: provider.Exa, Ciphertext: []byte{2},
		KeyVersion: 1, Status: StatusActive, CreatedAt: old,
	}))

	removed, err := store.DeleteExpiredBefore(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := store.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "live", left[0].ID)
}

func TestSQLStoreMasterKeys(t *testing.T) {
	t.Parallel()
	store := newTestSQLStore(t)
	ctx := context.Background()

	derived := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertMasterKey(ctx, &MasterKey{
		Version: 1, DerivedAt: derived, Wrapped: []byte{0xaa},
	}))
	require.NoError(t, store.InsertMasterKey(ctx, &MasterKey{
		Version: 2, DerivedAt: derived.Add(time.Hour), Wrapped: []byte{0xbb},
	}))
	require.NoError(t, store.RetireMasterKey(ctx, 1, derived.Add(time.Hour)))

	keys, err := store.ListMasterKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.NotNil(t, keys[0].RetiredAt)
	assert.Nil(t, keys[1].RetiredAt)
	assert.Equal(t, []byte{0xbb}, keys[1].Wrapped)
}
