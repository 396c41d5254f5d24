package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"patapim-server/config"
)

// ErrDisabled is returned by reads when Vault is not enabled
var ErrDisabled = errors.New("vault is disabled")

// Secrets is the service secret bundle stored at MountPath/SecretPath
type Secrets struct {
	JWTSecret           string `json:"jwt_secret"`
	StripeWebhookSecret string `json:"stripe_webhook_secret"`
	GoogleClientSecret  string `json:"google_client_secret"`
	AdminTokenHash      string `json:"admin_token_hash"`
	SMTPPassword        string `json:"smtp_password"`
	RedisPassword       string `json:"redis_password"`
	DBPassword          string `json:"db_password"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ReadSecrets reads the secret bundle. The result is cached until
// InvalidateCache.
func (c *Client) ReadSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, ErrDisabled
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secrets at %s", c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	s := &Secrets{
		JWTSecret:           getString(data, "jwt_secret"),
		StripeWebhookSecret: getString(data, "stripe_webhook_secret"),
		GoogleClientSecret:  getString(data, "google_client_secret"),
		AdminTokenHash:      getString(data, "admin_token_hash"),
		SMTPPassword:        getString(data, "smtp_password"),
		RedisPassword:       getString(data, "redis_password"),
		DBPassword:          getString(data, "db_password"),
	}

	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()

	out := *s
	return &out, nil
}

// WriteSecrets replaces the secret bundle
func (c *Client) WriteSecrets(ctx context.Context, s Secrets) error {
	if !c.config.Enabled {
		return ErrDisabled
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"jwt_secret":            s.JWTSecret,
			"stripe_webhook_secret": s.StripeWebhookSecret,
			"google_client_secret":  s.GoogleClientSecret,
			"admin_token_hash":      s.AdminTokenHash,
			"smtp_password":         s.SMTPPassword,
			"redis_password":        s.RedisPassword,
			"db_password":           s.DBPassword,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
		return fmt.Errorf("failed to write secrets to vault: %w", err)
	}
	c.InvalidateCache()
	return nil
}

// Apply fills config fields that are still empty from Vault. Explicit
// configuration wins over Vault.
func (c *Client) Apply(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}
	s, err := c.ReadSecrets(ctx)
	if err != nil {
		return err
	}
	fill(&cfg.AuthConfig.JWTSecret, s.JWTSecret)
	fill(&cfg.AuthConfig.AdminTokenHash, s.AdminTokenHash)
	fill(&cfg.BillingConfig.StripeWebhookSecret, s.StripeWebhookSecret)
	fill(&cfg.GoogleConfig.ClientSecret, s.GoogleClientSecret)
	fill(&cfg.SMTPConfig.Password, s.SMTPPassword)
	fill(&cfg.StoreConfig.Redis.Password, s.RedisPassword)
	fill(&cfg.StoreConfig.Postgres.Password, s.DBPassword)
	return nil
}

func fill(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// InvalidateCache drops the cached bundle
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// dataPath returns the KV v2 data path of the bundle
func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
