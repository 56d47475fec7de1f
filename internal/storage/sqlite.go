package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  created_at TEXT NOT NULL,
  estimate INTEGER,
  buy INTEGER,
  sell INTEGER
);`

	sqliteInsertSQL = `INSERT INTO snapshots (id, created_at, estimate, buy, sell) VALUES (?, ?, ?, ?, ?);`

	sqliteTrimSQL = `DELETE FROM snapshots
WHERE seq NOT IN (SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?);`

	sqliteRecentSQL = `SELECT id, created_at, estimate, buy, sell
FROM snapshots
ORDER BY seq DESC
LIMIT ?;`

	sqliteAllSQL = `SELECT id, created_at, estimate, buy, sell
FROM snapshots
ORDER BY seq;`
)

// SQLiteStore keeps the history in a local SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	retention int
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, retention int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.path is required for the sqlite backend")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	// synchronous(FULL) makes every committed append durable.
	dsn := path + "?_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, retention: retention}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Append inserts the snapshot and trims in the same transaction.
func (s *SQLiteStore) Append(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteInsertSQL,
		snap.ID,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullable(snap.Estimate),
		nullable(snap.Buy),
		nullable(snap.Sell),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if s.retention > 0 {
		if _, err := tx.ExecContext(ctx, sqliteTrimSQL, s.retention); err != nil {
			return fmt.Errorf("trim snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (*Snapshot, error) {
	cur, _, err := s.LatestTwo(ctx)
	return cur, err
}

func (s *SQLiteStore) LatestTwo(ctx context.Context) (*Snapshot, *Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, sqliteRecentSQL, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	recent, err := scanSQLRows(rows)
	if err != nil {
		return nil, nil, err
	}
	// recent is newest first
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	cur, prev := lastTwo(recent)
	return cur, prev, nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAllSQL)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return scanSQLRows(rows)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanSQLRows(rows *sql.Rows) ([]Snapshot, error) {
	defer rows.Close()

	out := make([]Snapshot, 0)
	for rows.Next() {
		var (
			snap      Snapshot
			createdAt string
			estimate  sql.NullInt64
			buy       sql.NullInt64
			sell      sql.NullInt64
		)
		if err := rows.Scan(&snap.ID, &createdAt, &estimate, &buy, &sell); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		snap.CreatedAt = ts
		snap.Estimate = fromNull(estimate)
		snap.Buy = fromNull(buy)
		snap.Sell = fromNull(sell)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

var _ History = (*SQLiteStore)(nil)
