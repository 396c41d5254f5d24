package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/config"
)

func fakeVault(t *testing.T, reads *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/patapim/server" || r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{
					"jwt_secret":            "from-vault",
					"stripe_webhook_secret": "whsec_vault",
				},
				"metadata": map[string]interface{}{"version": 3},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestApplyFillsOnlyEmptyFields(t *testing.T) {
	var reads int32
	srv := fakeVault(t, &reads)
	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", MountPath: "secret", SecretPath: "patapim/server"})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.AuthConfig.JWTSecret = "explicit"
	require.NoError(t, c.Apply(context.Background(), cfg))
	assert.Equal(t, "explicit", cfg.AuthConfig.JWTSecret)
	assert.Equal(t, "whsec_vault", cfg.BillingConfig.StripeWebhookSecret)

	s, err := c.ReadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-vault", s.JWTSecret)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads), "bundle is cached")

	c.InvalidateCache()
	_, err = c.ReadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reads))
}

func TestDisabledClient(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Apply(context.Background(), &config.Config{}))
	assert.NoError(t, c.Health(context.Background()))
	_, err = c.ReadSecrets(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
}
