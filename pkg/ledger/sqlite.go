// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ Ledger = (*SQLite)(nil)

// SQLite is a Ledger stored in a single SQLite table.
type SQLite struct {
	db    *sql.DB
	table string

	upsert *sql.Stmt
	get    *sql.Stmt
	list   *sql.Stmt
}

// NewSQLite opens (creating if needed) the database at path and ensures the
// table and its unique index on ip exist.
func NewSQLite(ctx context.Context, path, table string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger: empty path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: %w", err)
	}
	// A single connection serializes writers inside the process; the
	// ON CONFLICT upsert keeps the increment atomic across processes.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, table: table}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ip TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_ip ON %[1]s(ip)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_last_seen ON %[1]s(last_seen)`, s.table),
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite ledger schema: %w", err)
		}
	}

	var err error
	s.upsert, err = s.db.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (ip, count, first_seen, last_seen) VALUES (?, 1, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			count = count + 1,
			first_seen = MIN(first_seen, excluded.first_seen),
			last_seen = MAX(last_seen, excluded.last_seen)`, s.table))
	if err != nil {
		return fmt.Errorf("sqlite ledger prepare upsert: %w", err)
	}
	s.get, err = s.db.PrepareContext(ctx, fmt.Sprintf(
		`SELECT ip, count, first_seen, last_seen FROM %s WHERE ip = ?`, s.table))
	if err != nil {
		return fmt.Errorf("sqlite ledger prepare get: %w", err)
	}
	s.list, err = s.db.PrepareContext(ctx, fmt.Sprintf(
		`SELECT ip, count, first_seen, last_seen FROM %s ORDER BY last_seen DESC LIMIT ?`, s.table))
	if err != nil {
		return fmt.Errorf("sqlite ledger prepare list: %w", err)
	}
	return nil
}

// Upsert implements Ledger.
func (s *SQLite) Upsert(ctx context.Context, ip string, seen time.Time) error {
	if err := validateIP(ip); err != nil {
		return err
	}
	ms := seen.UnixMilli()
	if _, err := s.upsert.ExecContext(ctx, ip, ms, ms); err != nil {
		return fmt.Errorf("sqlite ledger upsert: %w", err)
	}
	return nil
}

// Get implements Ledger.
func (s *SQLite) Get(ctx context.Context, ip string) (Record, error) {
	rec, err := scanRecord(s.get.QueryRowContext(ctx, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite ledger get: %w", err)
	}
	return rec, nil
}

// List implements Ledger.
func (s *SQLite) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded.
	}
	rows, err := s.list.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping implements Ledger.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Ledger.
func (s *SQLite) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsert, s.get, s.list} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		first, last int64
	)
	if err := row.Scan(&rec.IP, &rec.Count, &first, &last); err != nil {
		return Record{}, err
	}
	rec.FirstSeen = time.UnixMilli(first).UTC()
	rec.LastSeen = time.UnixMilli(last).UTC()
	return rec, nil
}
