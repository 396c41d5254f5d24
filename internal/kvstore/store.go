// Package kvstore defines the key-value contract every domain package is
// written against: per-key get/put/delete with optional TTL and prefix
// listing with a cursor. There are no transactions and no conditional writes
// in the base contract; backends that can do an atomic put-if-absent or an
// atomic read-and-delete expose it through the optional Conditional and
// Taker interfaces.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired
var ErrNotFound = errors.New("kvstore: key not found")

// DefaultListLimit is the page size used when List is called with limit <= 0
const DefaultListLimit = 1000

// Store is the minimal key-value contract
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix in lexical order, starting after cursor.
	List(ctx context.Context, prefix, cursor string, limit int) (ListResult, error)
}

// ListResult is one page of keys
type ListResult struct {
	Keys     []string
	Cursor   string
	Complete bool
}

// Conditional is implemented by backends that can write a key only if it is absent
type Conditional interface {
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Taker is implemented by backends that can read and delete a key in one
// atomic step. One-time tokens use it so concurrent consumers cannot both
// observe the value.
type Taker interface {
	Take(ctx context.Context, key string) ([]byte, error)
}

// Pinger is implemented by backends with a health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by backends holding connections
type Closer interface {
	Close() error
}

// GetJSON reads key and decodes it into out
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes value and writes it under key
func PutJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}

// GetString reads key as a plain string
func GetString(ctx context.Context, s Store, key string) (string, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PutString writes a plain string value
func PutString(ctx context.Context, s Store, key, value string, ttl time.Duration) error {
	return s.Put(ctx, key, []byte(value), ttl)
}

// ListAll follows cursors until every key under prefix has been collected
func ListAll(ctx context.Context, s Store, prefix string) ([]string, error) {
	var keys []string
	cursor := ""
	for {
		page, err := s.List(ctx, prefix, cursor, DefaultListLimit)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page.Keys...)
		if page.Complete || page.Cursor == "" {
			return keys, nil
		}
		cursor = page.Cursor
	}
}

// Incr reads an integer counter, adds one and writes it back. The
// read-modify-write is not atomic; concurrent increments may be lost, which is
// acceptable for the best-effort counters this serves.
func Incr(ctx context.Context, s Store, key string) (int64, error) {
	var n int64
	raw, err := s.Get(ctx, key)
	switch {
	case err == nil:
		n, _ = strconv.ParseInt(string(raw), 10, 64)
	case errors.Is(err, ErrNotFound):
	default:
		return 0, err
	}
	n++
	if err := s.Put(ctx, key, []byte(strconv.FormatInt(n, 10)), 0); err != nil {
		return 0, err
	}
	return n, nil
}

// GetInt reads an integer counter, treating a missing key as zero
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n, nil
}

// FetchBatch reads the given keys in batches of batchSize, skipping keys that
// vanished between listing and reading.
func FetchBatch(ctx context.Context, s Store, keys []string, batchSize int, fn func(key string, value []byte) error) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			value, err := s.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
