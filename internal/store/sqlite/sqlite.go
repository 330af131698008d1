// Package sqlite persists quota ledgers and payment credits.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bulk-distance/internal/quota"

	_ "modernc.org/sqlite"
)

// DB implements quota.Store and quota.Journal.
type DB struct {
	db *sql.DB
}

// Migrations returns the schema statements, one per Exec.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS quota_ledger (
			session_key TEXT PRIMARY KEY,
			paid_rows   INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Append-only audit of every credited payment
		`CREATE TABLE IF NOT EXISTS quota_credits (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			row_count   INTEGER NOT NULL,
			reference   TEXT NOT NULL,
			created_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_credits_key ON quota_credits(session_key)`,

		`CREATE TABLE IF NOT EXISTS payment_references (
			reference   TEXT PRIMARY KEY,
			consumed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// Open creates the database file at path if needed and applies migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range Migrations() {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate ledger db: %w", err)
		}
	}
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Load(ctx context.Context, key string) (int, bool, error) {
	var paid int
	err := d.db.QueryRowContext(ctx,
		`SELECT paid_rows FROM quota_ledger WHERE session_key = ?`, key).Scan(&paid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return paid, true, nil
}

// Save upserts the balance. A stale writer cannot lower it.
func (d *DB) Save(ctx context.Context, key string, paid int) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO quota_ledger (session_key, paid_rows, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(session_key) DO UPDATE SET
			paid_rows  = MAX(paid_rows, excluded.paid_rows),
			updated_at = datetime('now')
	`, key, paid)
	return err
}

func (d *DB) RecordCredit(ctx context.Context, key string, rows int, ref string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO quota_credits (session_key, row_count, reference) VALUES (?, ?, ?)`,
		key, rows, ref)
	return err
}

func (d *DB) Credits(ctx context.Context, key string) ([]quota.CreditEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT session_key, row_count, reference, created_at
		FROM quota_credits WHERE session_key = ? ORDER BY id
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.CreditEntry
	for rows.Next() {
		var e quota.CreditEntry
		var createdAt string
		if err := rows.Scan(&e.Key, &e.Rows, &e.Reference, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConsumeReference marks ref as used. It returns false if ref was already used.
func (d *DB) ConsumeReference(ctx context.Context, ref string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO payment_references (reference) VALUES (?)`, ref)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
