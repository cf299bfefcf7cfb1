package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTickSQL = `INSERT INTO ticks (
        group_id,
        security_id,
        price,
        quantity,
        tick_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (security_id, tick_at, price, quantity) DO NOTHING;`

	listRecentTicksSQL = `SELECT
        group_id,
        security_id,
        price,
        quantity,
        tick_at,
        created_at
    FROM ticks
    ORDER BY tick_at DESC
    LIMIT $1;`

	listTicksBetweenSQL = `SELECT
        group_id,
        security_id,
        price,
        quantity,
        tick_at,
        created_at
    FROM ticks
    WHERE security_id = $1
      AND tick_at >= $2
      AND tick_at < $3
    ORDER BY tick_at;`

	countTicksSQL = `SELECT COUNT(*) FROM ticks;`

	deleteTicksBeforeSQL = `DELETE FROM ticks WHERE tick_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TickStore defines operations for tick persistence.
type TickStore interface {
	InsertTick(ctx context.Context, record TickRecord) (bool, error)
	ListRecentTicks(ctx context.Context, limit int) ([]TickRecord, error)
	ListTicksBetween(ctx context.Context, securityID string, from, to time.Time) ([]TickRecord, error)
	CountTicks(ctx context.Context) (int64, error)
	DeleteTicksBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the tick archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTick persists a tick. Redelivered ticks hit the conflict target and
// are reported as not inserted.
func (s *Store) InsertTick(ctx context.Context, record TickRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertTickSQL,
		record.GroupID,
		record.SecurityID,
		record.Price.String(),
		record.Quantity,
		record.TickAt,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert tick: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListRecentTicks lists the most recent ticks ordered by descending trade time.
func (s *Store) ListRecentTicks(ctx context.Context, limit int) ([]TickRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTicksSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent ticks: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TickRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanTickRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListTicksBetween lists one instrument's ticks within a time window.
func (s *Store) ListTicksBetween(ctx context.Context, securityID string, from, to time.Time) ([]TickRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTicksBetweenSQL, securityID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list ticks between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TickRecord, 0)
	for rows.Next() {
		record, scanErr := scanTickRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountTicks counts stored ticks.
func (s *Store) CountTicks(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTicksSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count ticks: %w", scanErr)
	}
	return count, nil
}

// DeleteTicksBefore deletes historical ticks.
func (s *Store) DeleteTicksBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteTicksBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete ticks before: %w", execErr)
	}
	return nil
}

func scanTickRecord(rows pgx.Rows) (TickRecord, error) {
	var (
		groupID    string
		securityID string
		priceStr   string
		quantity   int
		tickAt     time.Time
		createdAt  time.Time
	)

	if err := rows.Scan(
		&groupID,
		&securityID,
		&priceStr,
		&quantity,
		&tickAt,
		&createdAt,
	); err != nil {
		return TickRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return TickRecord{}, fmt.Errorf("parse price: %w", err)
	}

	return TickRecord{
		GroupID:    groupID,
		SecurityID: securityID,
		Price:      price,
		Quantity:   quantity,
		TickAt:     tickAt,
		CreatedAt:  createdAt,
	}, nil
}
