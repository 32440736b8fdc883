package truststore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create_certificates",
		SQL: `
CREATE TABLE IF NOT EXISTS certificates (
  thumbprint TEXT NOT NULL,
  subject TEXT NOT NULL,
  has_private_key INTEGER NOT NULL,
  cert BLOB NOT NULL,
  private_key BLOB,
  not_after TEXT NOT NULL,
  added_at TEXT NOT NULL,
  PRIMARY KEY (thumbprint, subject, has_private_key)
)`,
	},
}

// SQLiteStore is a store file shared by every process on the machine.
// Handles borrow a dedicated connection; with a single open connection
// concurrent handles are served one after another.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrOpenStore)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configure(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 15000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrOpenStore, pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrate, err)
	}
	for _, m := range migrations {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrate, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin %d %s: %w", ErrMigrate, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %d %s: %w", ErrMigrate, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: record %d %s: %w", ErrMigrate, m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit %d %s: %w", ErrMigrate, m.Version, m.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context) (Handle, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	return &sqliteHandle{conn: conn}, nil
}

// Count returns the number of stored certificates.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates`).Scan(&n)
	return n, err
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	conn *sql.Conn
}

func (h *sqliteHandle) Contains(ctx context.Context, id Identity) (bool, error) {
	var n int
	err := h.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM certificates WHERE thumbprint = ? AND subject = ? AND has_private_key = ?`,
		id.Thumbprint, id.Subject, id.HasPrivateKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrReadRecord, err)
	}
	return n > 0, nil
}

func (h *sqliteHandle) Add(ctx context.Context, rec Record) error {
	_, err := h.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO certificates(thumbprint, subject, has_private_key, cert, private_key, not_after, added_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Thumbprint, rec.Subject, rec.HasPrivateKey, rec.Cert, rec.Key,
		rec.NotAfter.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteRecord, err)
	}
	return nil
}

func (h *sqliteHandle) Close() error {
	return h.conn.Close()
}
