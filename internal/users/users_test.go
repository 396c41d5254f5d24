package users

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/kvstore"
)

func TestUpsertFromProfile(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	s := NewStore(kv, zerolog.Nop())
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return first }

	u, created, err := s.UpsertFromProfile(ctx, Profile{ID: "g-1", Email: "Ann@X.com", Name: "Ann"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ann@x.com", u.Email)

	_, err = s.LinkLicense(ctx, "g-1", "pro", "PTPM-AAAA-BBBB-CCCC", "cus_1")
	require.NoError(t, err)

	s.Clock = func() time.Time { return first.Add(24 * time.Hour) }
	u, created, err = s.UpsertFromProfile(ctx, Profile{ID: "g-1", Email: "ann@x.com", Name: "Ann B"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, u.CreatedAt.Equal(first))
	assert.Equal(t, "PTPM-AAAA-BBBB-CCCC", u.LicenseKey, "license mirror survives a login")

	byEmail, err := s.GetByEmail(ctx, "ANN@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann B", byEmail.Name)
}

func TestEmailChangeMovesIndex(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	s := NewStore(kv, zerolog.Nop())

	_, _, err := s.UpsertFromProfile(ctx, Profile{ID: "g-2", Email: "old@x.com"})
	require.NoError(t, err)
	_, _, err = s.UpsertFromProfile(ctx, Profile{ID: "g-2", Email: "new@x.com"})
	require.NoError(t, err)

	_, err = s.GetByEmail(ctx, "old@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
	u, err := s.GetByEmail(ctx, "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, "g-2", u.GoogleID)
}

func TestDanglingEmailIndex(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	s := NewStore(kv, zerolog.Nop())
	require.NoError(t, kv.Put(ctx, "user-email:ghost@x.com", []byte("g-ghost"), 0))

	_, err := s.GetByEmail(ctx, "ghost@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
