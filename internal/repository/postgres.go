package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"inbox-memory/internal/domain"
)

// pgxAPI is the subset of *pgxpool.Pool used by PostgresStore.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists memory records in PostgreSQL, one row per
// (namespace, key).
type PostgresStore struct {
	db   pgxAPI
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

func initSchema(ctx context.Context, db pgxAPI) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			category TEXT NOT NULL,
			value_kind TEXT NOT NULL,
			value_text TEXT NOT NULL DEFAULT '',
			value_data JSONB,
			confidence DOUBLE PRECISION NOT NULL,
			last_updated_from TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const recordColumns = `namespace, key, category, value_kind, value_text, value_data, confidence, last_updated_from`

func (s *PostgresStore) Get(ctx context.Context, namespace, key string) (*domain.MemoryRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE namespace=$1 AND key=$2`,
		namespace,
		key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec domain.MemoryRecord) error {
	if rec.Namespace == "" || rec.Key == "" {
		return errors.New("repository: Upsert: namespace and key are required")
	}
	var data any
	text := rec.Value.Text
	if rec.Value.Kind == domain.ValueStructured {
		data = string(rec.Value.Data)
		text = ""
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO memory_records (`+recordColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (namespace, key) DO UPDATE SET
			category = EXCLUDED.category,
			value_kind = EXCLUDED.value_kind,
			value_text = EXCLUDED.value_text,
			value_data = EXCLUDED.value_data,
			confidence = EXCLUDED.confidence,
			last_updated_from = EXCLUDED.last_updated_from,
			updated_at = EXCLUDED.updated_at`,
		rec.Namespace,
		rec.Key,
		string(rec.Category),
		string(rec.Value.Kind),
		text,
		data,
		rec.Confidence,
		rec.LastUpdatedFrom,
	)
	if err != nil {
		return fmt.Errorf("repository: upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, namespace string) ([]domain.MemoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE namespace=$1 ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: query records: %w", err)
	}
	defer rows.Close()

	var recs []domain.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan record row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate record rows: %w", err)
	}
	return recs, nil
}

// Locker returns an advisory locker sharing the store's pool.
func (s *PostgresStore) Locker() (*PostgresLocker, error) {
	if s.pool == nil {
		return nil, errors.New("repository: postgres locker requires a connection pool")
	}
	pool := s.pool
	return &PostgresLocker{acquire: func(ctx context.Context) (lockConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return pooledConn{c}, nil
	}}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanRecord(row pgx.Row) (domain.MemoryRecord, error) {
	var (
		rec            domain.MemoryRecord
		category, kind string
		text           string
		data           []byte
	)
	if err := row.Scan(&rec.Namespace, &rec.Key, &category, &kind, &text, &data, &rec.Confidence, &rec.LastUpdatedFrom); err != nil {
		return domain.MemoryRecord{}, err
	}
	rec.Category = domain.Category(category)
	if domain.ValueKind(kind) == domain.ValueStructured {
		rec.Value = domain.StructuredValue(json.RawMessage(data))
	} else {
		rec.Value = domain.TextValue(text)
	}
	return rec, nil
}

// lockConn is a dedicated session; advisory locks are bound to it until
// unlocked or the connection is closed.
type lockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
	Discard(ctx context.Context) error
}

type pooledConn struct {
	*pgxpool.Conn
}

// Discard closes the session instead of returning it to the pool, which
// drops any advisory lock it still holds.
func (c pooledConn) Discard(ctx context.Context) error {
	return c.Hijack().Close(ctx)
}

// PostgresLocker serializes writers with session-level pg_advisory_lock
// keyed on hashtextextended(namespace#key).
type PostgresLocker struct {
	acquire func(ctx context.Context) (lockConn, error)
}

func (l *PostgresLocker) Lock(ctx context.Context, namespace, key string) (func(), error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: acquire lock connection: %w", err)
	}
	lockKey := namespace + "#" + key
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		discard(conn)
		return nil, fmt.Errorf("repository: advisory lock %s: %w", lockKey, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, lockKey); err != nil {
				slog.Warn("failed to release advisory lock", "lock", lockKey, "err", err)
				discard(conn)
				return
			}
			conn.Release()
		})
	}, nil
}

func discard(conn lockConn) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := conn.Discard(ctx); err != nil {
		slog.Warn("failed to close lock connection", "err", err)
	}
}
