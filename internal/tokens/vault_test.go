package tokens

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
)

type pairPayload struct {
	GoogleID string `json:"googleId"`
}

func newTestVault() (*Vault, *kvstore.MemoryStore, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore()
	store.Clock = func() time.Time { return now }
	v := NewVault(store)
	v.Clock = func() time.Time { return now }
	return v, store, &now
}

func TestConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault()

	token, err := v.Issue(ctx, NamespaceConnect, pairPayload{GoogleID: "g-1"}, ConnectTTL)
	require.NoError(t, err)
	assert.Len(t, token, 32)

	var got pairPayload
	require.NoError(t, v.Consume(ctx, NamespaceConnect, token, &got))
	assert.Equal(t, "g-1", got.GoogleID)

	err = v.Consume(ctx, NamespaceConnect, token, &got)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperr.IsNotFound(err))
}

func TestConsumeAfterExpiry(t *testing.T) {
	ctx := context.Background()
	v, _, now := newTestVault()

	token, err := v.Issue(ctx, NamespaceOAuthState, map[string]string{"returnTo": "/"}, OAuthStateTTL)
	require.NoError(t, err)

	*now = now.Add(OAuthStateTTL + time.Second)
	assert.ErrorIs(t, v.Consume(ctx, NamespaceOAuthState, token, nil), ErrNotFound)
}

func TestEnvelopeExpiryWithoutStoreTTL(t *testing.T) {
	ctx := context.Background()
	v, store, now := newTestVault()

	// backend ignored the TTL; the envelope still rejects the token
	require.NoError(t, v.Store(ctx, NamespacePairPoll, "abc", "result", time.Minute))
	store.Clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	*now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, v.Consume(ctx, NamespacePairPoll, "abc", nil), ErrNotFound)
	_, err := store.Get(ctx, "pair-poll:abc")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestPairCodeIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault()

	code, err := v.IssueCode(ctx, pairPayload{GoogleID: "g-2"}, 0)
	require.NoError(t, err)
	require.Len(t, code, CodeLength)
	for _, c := range code {
		assert.Contains(t, CodeAlphabet, string(c))
	}

	live, err := v.Peek(ctx, NamespacePairCode, code)
	require.NoError(t, err)
	assert.True(t, live)

	var got pairPayload
	require.NoError(t, v.Consume(ctx, NamespacePairCode, "  "+strings.ToLower(code)+" ", &got))
	assert.Equal(t, "g-2", got.GoogleID)

	live, err = v.Peek(ctx, NamespacePairCode, code)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestConsumeEmptyToken(t *testing.T) {
	v, _, _ := newTestVault()
	assert.ErrorIs(t, v.Consume(context.Background(), NamespaceConnect, "  ", nil), ErrNotFound)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault()

	token, err := v.Issue(ctx, NamespaceConnect, "x", ConnectTTL)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.Consume(ctx, NamespaceConnect, token, nil) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
