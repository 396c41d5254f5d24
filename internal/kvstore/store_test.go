package kvstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendFactory func(t *testing.T, clock *fakeClock) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			s := NewMemoryStore()
			s.Clock = clock.Now
			return s
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"), zerolog.Nop())
			require.NoError(t, err)
			s.Clock = clock.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				s := factory(t, &fakeClock{now: time.Now()})
				_, err := s.Get(ctx, "nope")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put get delete", func(t *testing.T) {
				s := factory(t, &fakeClock{now: time.Now()})
				require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
				v, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "1", string(v))

				require.NoError(t, s.Put(ctx, "a", []byte("2"), 0))
				v, err = s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "2", string(v))

				require.NoError(t, s.Delete(ctx, "a"))
				_, err = s.Get(ctx, "a")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.NoError(t, s.Delete(ctx, "a"))
			})

			t.Run("ttl expiry", func(t *testing.T) {
				clock := &fakeClock{now: time.Now()}
				s := factory(t, clock)
				require.NoError(t, s.Put(ctx, "t", []byte("x"), time.Minute))
				_, err := s.Get(ctx, "t")
				require.NoError(t, err)

				clock.Advance(61 * time.Second)
				_, err = s.Get(ctx, "t")
				assert.ErrorIs(t, err, ErrNotFound)

				page, err := s.List(ctx, "t", "", 10)
				require.NoError(t, err)
				assert.Empty(t, page.Keys)
			})

			t.Run("list pagination", func(t *testing.T) {
				s := factory(t, &fakeClock{now: time.Now()})
				for i := 0; i < 7; i++ {
					require.NoError(t, s.Put(ctx, fmt.Sprintf("p:%02d", i), []byte("v"), 0))
				}
				require.NoError(t, s.Put(ctx, "q:00", []byte("v"), 0))

				first, err := s.List(ctx, "p:", "", 3)
				require.NoError(t, err)
				assert.Equal(t, []string{"p:00", "p:01", "p:02"}, first.Keys)
				assert.False(t, first.Complete)

				all, err := ListAll(ctx, s, "p:")
				require.NoError(t, err)
				assert.Len(t, all, 7)
				assert.Equal(t, "p:06", all[6])
			})

			t.Run("take", func(t *testing.T) {
				clock := &fakeClock{now: time.Now()}
				s := factory(t, clock)
				tk, ok := AsTaker(s)
				require.True(t, ok)

				require.NoError(t, s.Put(ctx, "once", []byte("v"), time.Minute))
				v, err := tk.Take(ctx, "once")
				require.NoError(t, err)
				assert.Equal(t, "v", string(v))

				_, err = tk.Take(ctx, "once")
				assert.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, s.Put(ctx, "stale", []byte("v"), time.Second))
				clock.Advance(2 * time.Second)
				_, err = tk.Take(ctx, "stale")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put if absent", func(t *testing.T) {
				clock := &fakeClock{now: time.Now()}
				s := factory(t, clock)
				c, ok := AsConditional(s)
				require.True(t, ok)

				written, err := c.PutIfAbsent(ctx, "claim", []byte("first"), time.Minute)
				require.NoError(t, err)
				assert.True(t, written)

				written, err = c.PutIfAbsent(ctx, "claim", []byte("second"), time.Minute)
				require.NoError(t, err)
				assert.False(t, written)

				v, _ := s.Get(ctx, "claim")
				assert.Equal(t, "first", string(v))

				clock.Advance(2 * time.Minute)
				written, err = c.PutIfAbsent(ctx, "claim", []byte("third"), 0)
				require.NoError(t, err)
				assert.True(t, written)
			})
		})
	}
}

func TestIncrAndGetInt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := GetInt(ctx, s, "stats:x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for i := 1; i <= 3; i++ {
		n, err = Incr(ctx, s, "stats:x")
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	require.NoError(t, s.Put(ctx, "stats:garbage", []byte("abc"), 0))
	n, err = Incr(ctx, s, "stats:garbage")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPrefixed(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	fb := NewPrefixed(inner, "fb/")

	require.NoError(t, fb.Put(ctx, "bug:1", []byte("a"), 0))
	require.NoError(t, fb.Put(ctx, "bug:2", []byte("b"), 0))
	require.NoError(t, inner.Put(ctx, "bug:3", []byte("c"), 0))

	keys, err := ListAll(ctx, fb, "bug:")
	require.NoError(t, err)
	assert.Equal(t, []string{"bug:1", "bug:2"}, keys)

	_, err = inner.Get(ctx, "fb/bug:1")
	assert.NoError(t, err)

	_, ok := AsConditional(fb)
	assert.True(t, ok)
}

type plainStore struct{ Store }

func TestAsConditionalLooksThroughWrappers(t *testing.T) {
	plain := plainStore{NewMemoryStore()}
	_, ok := AsConditional(plain)
	assert.False(t, ok)

	_, ok = AsConditional(Instrument(plain, "plain"))
	assert.False(t, ok)

	_, ok = AsConditional(NewPrefixed(plain, "x/"))
	assert.False(t, ok)

	_, ok = AsConditional(Instrument(NewMemoryStore(), "memory"))
	assert.True(t, ok)
}

func TestFetchBatchSkipsVanishedKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var keys []string
	for i := 0; i < 120; i++ {
		k := fmt.Sprintf("k:%03d", i)
		keys = append(keys, k)
		require.NoError(t, s.Put(ctx, k, []byte("v"), 0))
	}
	require.NoError(t, s.Delete(ctx, "k:050"))

	seen := 0
	err := FetchBatch(ctx, s, keys, 50, func(key string, value []byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 119, seen)
}
