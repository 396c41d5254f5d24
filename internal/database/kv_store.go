package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"patapim-server/internal/kvstore"
)

// KVStore implements kvstore.Store on the kv table. Expired rows are hidden
// on read and removed by DeleteExpired.
type KVStore struct {
	db    *DB
	Clock func() time.Time
}

// NewKVStore returns a store backed by db. RunMigrations must have been called.
func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db, Clock: time.Now}
}

func (s *KVStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.Clock().Add(ttl)
	return &t
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.Pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.Clock(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) List(ctx context.Context, prefix, cursor string, limit int) (kvstore.ListResult, error) {
	if limit <= 0 {
		limit = kvstore.DefaultListLimit
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE $1 ESCAPE '\' AND key COLLATE "C" > $2 AND (expires_at IS NULL OR expires_at > $3)
		 ORDER BY key COLLATE "C" LIMIT $4`,
		likePrefix(prefix), cursor, s.Clock(), limit+1,
	)
	if err != nil {
		return kvstore.ListResult{}, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return kvstore.ListResult{}, fmt.Errorf("postgres list %s: %w", prefix, err)
	}

	if len(keys) <= limit {
		return kvstore.ListResult{Keys: keys, Complete: true}, nil
	}
	keys = keys[:limit]
	return kvstore.ListResult{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

// PutIfAbsent inserts key unless a live row exists; expired rows are replaced
func (s *KVStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		 WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= $4`,
		key, value, s.expiry(ttl), s.Clock(),
	)
	if err != nil {
		return false, fmt.Errorf("postgres put-if-absent %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Take deletes key and returns the value it held, in one statement
func (s *KVStore) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	err := s.db.Pool.QueryRow(ctx,
		`DELETE FROM kv WHERE key = $1 RETURNING value, expires_at`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres take %s: %w", key, err)
	}
	if expiresAt != nil && !expiresAt.After(s.Clock()) {
		return nil, kvstore.ErrNotFound
	}
	return value, nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// Close releases the pool
func (s *KVStore) Close() error {
	s.db.Close()
	return nil
}

// DeleteExpired removes rows whose TTL has passed
func (s *KVStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.Clock())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
