package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	pgSchemaSQL = `CREATE TABLE IF NOT EXISTS price_snapshots (
        seq        BIGSERIAL PRIMARY KEY,
        id         UUID NOT NULL UNIQUE,
        created_at TIMESTAMPTZ NOT NULL,
        estimate   BIGINT,
        buy        BIGINT,
        sell       BIGINT
    );`

	pgInsertSnapshotSQL = `INSERT INTO price_snapshots (
        id,
        created_at,
        estimate,
        buy,
        sell
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	pgTrimSnapshotsSQL = `DELETE FROM price_snapshots
    WHERE seq NOT IN (
        SELECT seq FROM price_snapshots ORDER BY seq DESC LIMIT $1
    );`

	pgRecentSnapshotsSQL = `SELECT
        id::text,
        created_at,
        estimate,
        buy,
        sell
    FROM price_snapshots
    ORDER BY seq DESC
    LIMIT $1;`

	pgAllSnapshotsSQL = `SELECT
        id::text,
        created_at,
        estimate,
        buy,
        sell
    FROM price_snapshots
    ORDER BY seq;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PGStore keeps the history in PostgreSQL and offers advisory locks so
// several replicas never run a cycle at the same time.
type PGStore struct {
	pool      *pgxpool.Pool
	retention int
}

// NewPGStore wires a pgx pool into a PGStore and ensures the schema exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, retention int) (*PGStore, error) {
	s := &PGStore{pool: pool, retention: retention}
	p, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if _, err := p.Exec(ctx, pgSchemaSQL); err != nil {
		return nil, fmt.Errorf("migrate price_snapshots: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// The session lock also goes away with the connection, so a failed
		// unlock is dropped.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Append inserts a snapshot and applies retention in one transaction.
func (s *PGStore) Append(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, pgInsertSnapshotSQL,
		snap.ID,
		snap.CreatedAt.UTC(),
		nullable(snap.Estimate),
		nullable(snap.Buy),
		nullable(snap.Sell),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if s.retention > 0 {
		if _, err := tx.Exec(ctx, pgTrimSnapshotsSQL, s.retention); err != nil {
			return fmt.Errorf("trim snapshots: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot.
func (s *PGStore) Latest(ctx context.Context) (*Snapshot, error) {
	cur, _, err := s.LatestTwo(ctx)
	return cur, err
}

// LatestTwo returns the two newest snapshots.
func (s *PGStore) LatestTwo(ctx context.Context) (*Snapshot, *Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, nil, err
	}

	rows, err := pool.Query(ctx, pgRecentSnapshotsSQL, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	recent, err := scanPGRows(rows)
	if err != nil {
		return nil, nil, err
	}

	var cur, prev *Snapshot
	if len(recent) > 0 {
		cur = &recent[0]
	}
	if len(recent) > 1 {
		prev = &recent[1]
	}
	return cur, prev, nil
}

// All lists every retained snapshot, oldest first.
func (s *PGStore) All(ctx context.Context) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, pgAllSnapshotsSQL)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return scanPGRows(rows)
}

func scanPGRows(rows pgx.Rows) ([]Snapshot, error) {
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var (
			snap     Snapshot
			estimate sql.NullInt64
			buy      sql.NullInt64
			sell     sql.NullInt64
		)
		if err := rows.Scan(&snap.ID, &snap.CreatedAt, &estimate, &buy, &sell); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Estimate = fromNull(estimate)
		snap.Buy = fromNull(buy)
		snap.Sell = fromNull(sell)
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

var (
	_ History        = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)
