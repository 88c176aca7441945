package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/researchops/gatekeeper/internal/storage"
)

// SQLStore persists audit entries in the append-only audit_log table.
// The schema's AUTOINCREMENT primary key provides the monotonic id; no
// UPDATE or row-level DELETE statements exist in this file.
type SQLStore struct {
	db *storage.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, e *Entry) (int64, error) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return 0, fmt.Errorf("encode detail: %w", err)
	}

	const query = `INSERT INTO audit_log (ts, actor, action, provider, severity, outcome, detail, ref_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.Writer.ExecContext(ctx, query,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, string(e.Action),
		e.Provider, string(e.Severity), string(e.Outcome), string(detail), e.RefID)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	f, err := f.normalize()
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	conds = append(conds, "id > ?")
	args = append(args, f.AfterID)
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	args = append(args, f.Limit)

	query := `SELECT id, ts, actor, action, provider, severity, outcome, detail, ref_id FROM audit_log WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY id ASC LIMIT ?`

	rows, err := s.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, detail string
		var refID sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.Actor, (*string)(&e.Action), &e.Provider,
			(*string)(&e.Severity), (*string)(&e.Outcome), &detail, &refID); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		if refID.Valid {
			e.RefID = &refID.Int64
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM audit_log WHERE ts < ?`
	res, err := s.db.Writer.ExecContext(ctx, query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return int(n), nil
}
