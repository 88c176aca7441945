// Package storage owns the sqlite database shared by the credential
// vault and the audit log: connection setup and schema migrations.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB holds dual reader/writer connections with WAL mode enabled. The
// writer is capped at one connection to avoid "database is locked"
// errors; readers pool up to four.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
	path   string
}

// Open opens the database at path with WAL journaling, a 5s busy
// timeout, NORMAL synchronous mode, and foreign keys on, then applies
// pending migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: path}
	if err := runMigrations(writer); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both connections and returns the first error.
func (db *DB) Close() error {
	var firstErr error
	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}
