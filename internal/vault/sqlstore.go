package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/storage"
)

// SQLStore persists credentials and master keys in sqlite.
type SQLStore struct {
	db *storage.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

const credentialColumns = `id, provider, ciphertext, key_version, status, created_at, last_rotated_at, last_used_at, usage_total, usage_success, usage_fail`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCredential(ctx context.Context, db execer, c *Credential) error {
	const query = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		c.ID, c.Provider.String(), c.Ciphertext, c.KeyVersion, string(c.Status),
		formatTime(c.CreatedAt), formatTimePtr(c.LastRotatedAt), formatTimePtr(c.LastUsedAt),
		c.UsageTotal, c.UsageSuccess, c.UsageFail)
	if err != nil {
		return fmt.Errorf("insert credential %s: %w", c.Provider, err)
	}
	return nil
}

func updateCredential(ctx context.Context, db execer, c *Credential) error {
	const query = `UPDATE credentials SET ciphertext = ?, key_version = ?, status = ?, last_rotated_at = ?, last_used_at = ?, usage_total = ?, usage_success = ?, usage_fail = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query,
		c.Ciphertext, c.KeyVersion, string(c.Status),
		formatTimePtr(c.LastRotatedAt), formatTimePtr(c.LastUsedAt),
		c.UsageTotal, c.UsageSuccess, c.UsageFail, c.ID)
	if err != nil {
		return fmt.Errorf("update credential %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLStore) InsertCredential(ctx context.Context, c *Credential) error {
	return insertCredential(ctx, s.db.Writer, c)
}

func (s *SQLStore) UpdateCredential(ctx context.Context, c *Credential) error {
	return updateCredential(ctx, s.db.Writer, c)
}

// SwapCredentials runs the rotation's insert and demotion in one
// transaction on the writer pool.
func (s *SQLStore) SwapCredentials(ctx context.Context, next, old *Credential) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation swap: %w", err)
	}
	if err := insertCredential(ctx, tx, next); err != nil {
		tx.Rollback()
		return err
	}
	if err := updateCredential(ctx, tx, old); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation swap: %w", err)
	}
	return nil
}

func (s *SQLStore) CredentialByStatus(ctx context.Context, p provider.Provider, st Status) (*Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE provider = ? AND status = ? ORDER BY created_at DESC LIMIT 1`
	row := s.db.Reader.QueryRowContext(ctx, query, p.String(), string(st))
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s: %w", p, st, err)
	}
	return c, nil
}

func (s *SQLStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials ORDER BY provider, created_at`
	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM credentials WHERE status IN (?, ?) AND COALESCE(last_rotated_at, created_at) < ?`
	res, err := s.db.Writer.ExecContext(ctx, query, string(StatusExpired), string(StatusRevoked), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge credentials: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) InsertMasterKey(ctx context.Context, mk *MasterKey) error {
	const query = `INSERT INTO master_keys (version, derived_at, retired_at, wrapped) VALUES (?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query,
		mk.Version, formatTime(mk.DerivedAt), formatTimePtr(mk.RetiredAt), mk.Wrapped)
	if err != nil {
		return fmt.Errorf("insert master key v%d: %w", mk.Version, err)
	}
	return nil
}

func (s *SQLStore) RetireMasterKey(ctx context.Context, version int, at time.Time) error {
	const query = `UPDATE master_keys SET retired_at = ? WHERE version = ?`
	_, err := s.db.Writer.ExecContext(ctx, query, formatTime(at), version)
	if err != nil {
		return fmt.Errorf("retire master key v%d: %w", version, err)
	}
	return nil
}

func (s *SQLStore) ListMasterKeys(ctx context.Context) ([]*MasterKey, error) {
	const query = `SELECT version, derived_at, retired_at, wrapped FROM master_keys ORDER BY version`
	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list master keys: %w", err)
	}
	defer rows.Close()

	var out []*MasterKey
	for rows.Next() {
		var mk MasterKey
		var derived string
		var retired sql.NullString
		if err := rows.Scan(&mk.Version, &derived, &retired, &mk.Wrapped); err != nil {
			return nil, fmt.Errorf("scan master key: %w", err)
		}
		if mk.DerivedAt, err = parseTime(derived); err != nil {
			return nil, fmt.Errorf("parse derived_at: %w", err)
		}
		if mk.RetiredAt, err = parseTimePtr(retired); err != nil {
			return nil, fmt.Errorf("parse retired_at: %w", err)
		}
		out = append(out, &mk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate master keys: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var prov, status, created string
	var rotated, used sql.NullString
	err := row.Scan(&c.ID, &prov, &c.Ciphertext, &c.KeyVersion, &status, &created,
		&rotated, &used, &c.UsageTotal, &c.UsageSuccess, &c.UsageFail)
	if err != nil {
		return nil, err
	}
	c.Provider = provider.Provider(prov)
	c.Status = Status(status)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.LastRotatedAt, err = parseTimePtr(rotated); err != nil {
		return nil, err
	}
	if c.LastUsedAt, err = parseTimePtr(used); err != nil {
		return nil, err
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
