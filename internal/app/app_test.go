package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/config"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
)

func TestOpenStoreMemory(t *testing.T) {
	st, err := OpenStore(context.Background(), config.StoreConfig{Backend: "memory", FeedbackPrefix: "fb/"}, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Feedback.Put(ctx, "bug:1", []byte("x"), 0))

	v, err := st.Store.Get(ctx, "fb/bug:1")
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))
}

func TestOpenStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	st, err := OpenStore(context.Background(), config.StoreConfig{Backend: "sqlite", SQLitePath: path}, zerolog.Nop())
	require.NoError(t, err)
	st.StartSweeper()

	ctx := context.Background()
	require.NoError(t, st.Store.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	reopened, err := OpenStore(context.Background(), config.StoreConfig{Backend: "sqlite", SQLitePath: path}, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	v, err := reopened.Store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Backend: "etcd"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildWiresServices(t *testing.T) {
	st, err := OpenStore(context.Background(), config.StoreConfig{Backend: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := &config.Config{}
	cfg.ServerConfig.PublicBaseURL = "https://patapim.test"
	svc := Build(cfg, st, zerolog.Nop())
	defer svc.Bus.Wait()

	ctx := context.Background()
	lic, err := svc.Licenses.GrantLifetime(ctx, "Buyer@Example.com", "cli")
	require.NoError(t, err)
	assert.Equal(t, license.PlanLifetime, lic.Plan)

	_, url, err := svc.Referrals.CodeFor(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Contains(t, url, "https://patapim.test/r/")

	assert.Nil(t, svc.Webhooks(cfg, zerolog.Nop()))
	cfg.BillingConfig.StripeWebhookSecret = "whsec_test"
	assert.NotNil(t, svc.Webhooks(cfg, zerolog.Nop()))

	_, ok := st.Store.(kvstore.Pinger)
	assert.True(t, ok)
}
