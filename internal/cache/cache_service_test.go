package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/kvstore"
)

var _ kvstore.Store = (*RedisStore)(nil)
var _ kvstore.Conditional = (*RedisStore)(nil)
var _ kvstore.Taker = (*RedisStore)(nil)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "license:", escapeGlob("license:"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"a", "a", "b", "c", "c"}))
	assert.Equal(t, []string{"x"}, dedupe([]string{"x"}))
	assert.Empty(t, dedupe(nil))
}

func TestBreakerOpensWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	rs := NewRedisStoreWithClient(client, zerolog.Nop())
	t.Cleanup(func() { _ = rs.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := rs.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, kvstore.ErrNotFound)
	}

	assert.False(t, rs.IsHealthy())
	_, err := rs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, rs.Put(ctx, "k", []byte("v"), 0), ErrUnavailable)
}
