package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	GoogleConfig       GoogleConfig       `json:"google"`
	BillingConfig      BillingConfig      `json:"billing"`
	StoreConfig        StoreConfig        `json:"store"`
	ReleasesConfig     ReleasesConfig     `json:"releases"`
	DevicesConfig      DevicesConfig      `json:"devices"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	SMTPConfig         SMTPConfig         `json:"smtp"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	TracingConfig      TracingConfig      `json:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	Production      bool     `json:"production"`
	PublicBaseURL   string   `json:"public_base_url"` // used for referral links and OAuth redirects
	AllowedOrigins  []string `json:"allowed_origins"`
	ReadTimeout     int      `json:"read_timeout"`     // Seconds
	WriteTimeout    int      `json:"write_timeout"`    // Seconds
	ShutdownTimeout int      `json:"shutdown_timeout"` // Seconds
	RateLimitPerMin int      `json:"rate_limit_per_min"`
	RateLimitBurst  int      `json:"rate_limit_burst"`
}

// AuthConfig holds session and admin configuration
type AuthConfig struct {
	JWTSecret      string        `json:"jwt_secret"`
	SessionTTL     time.Duration `json:"session_ttl"`
	StateTTL       time.Duration `json:"state_ttl"`
	CookieDomain   string        `json:"cookie_domain"`
	CookieSecure   bool          `json:"cookie_secure"`
	AdminEmails    []string      `json:"admin_emails"`
	AdminTokenHash string        `json:"admin_token_hash"` // bcrypt hash
}

// GoogleConfig holds the OAuth client used for sign-in
type GoogleConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// BillingConfig holds webhook verification settings
type BillingConfig struct {
	StripeWebhookSecret string        `json:"stripe_webhook_secret"`
	WebhookTolerance    time.Duration `json:"webhook_tolerance"`
}

// StoreConfig selects the key-value backend
type StoreConfig struct {
	Backend        string         `json:"backend"` // memory, sqlite, redis, postgres
	SQLitePath     string         `json:"sqlite_path"`
	FeedbackPrefix string         `json:"feedback_prefix"`
	Redis          RedisConfig    `json:"redis"`
	Postgres       PostgresConfig `json:"postgres"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// ReleasesConfig points at the object store holding installers
type ReleasesConfig struct {
	Kind      string            `json:"kind"` // local, s3
	Container string            `json:"container"`
	Options   map[string]string `json:"options"`
}

// DevicesConfig holds liveness tuning
type DevicesConfig struct {
	OnlineThreshold time.Duration `json:"online_threshold"`
	EvictAfter      time.Duration `json:"evict_after"`
	ProbeTimeout    time.Duration `json:"probe_timeout"`
	WriteInterval   time.Duration `json:"write_interval"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // path of the service secret bundle
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// SMTPConfig configures outgoing referral invitations
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // stdout, none
	SampleRatio float64 `json:"sample_ratio"`
	Environment string  `json:"environment"`
}

// Load reads config.json (or $PATAPIM_CONFIG), an optional .env file, and
// environment overrides, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := getEnvOrDefault("PATAPIM_CONFIG", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Production = getEnvBoolOrDefault("PRODUCTION", cfg.ServerConfig.Production)
	cfg.ServerConfig.PublicBaseURL = getEnvOrDefault("PUBLIC_BASE_URL", cfg.ServerConfig.PublicBaseURL)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = splitList(origins)
	}
	cfg.ServerConfig.RateLimitPerMin = getEnvIntOrDefault("RATE_LIMIT_PER_MIN", cfg.ServerConfig.RateLimitPerMin)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.SessionTTL = getEnvDurationOrDefault("AUTH_SESSION_TTL", cfg.AuthConfig.SessionTTL)
	cfg.AuthConfig.CookieDomain = getEnvOrDefault("AUTH_COOKIE_DOMAIN", cfg.AuthConfig.CookieDomain)
	cfg.AuthConfig.CookieSecure = getEnvBoolOrDefault("AUTH_COOKIE_SECURE", cfg.AuthConfig.CookieSecure)
	if admins := os.Getenv("ADMIN_EMAILS"); admins != "" {
		cfg.AuthConfig.AdminEmails = splitList(admins)
	}
	cfg.AuthConfig.AdminTokenHash = getEnvOrDefault("ADMIN_TOKEN_HASH", cfg.AuthConfig.AdminTokenHash)

	// Google OAuth
	cfg.GoogleConfig.ClientID = getEnvOrDefault("GOOGLE_CLIENT_ID", cfg.GoogleConfig.ClientID)
	cfg.GoogleConfig.ClientSecret = getEnvOrDefault("GOOGLE_CLIENT_SECRET", cfg.GoogleConfig.ClientSecret)
	cfg.GoogleConfig.RedirectURL = getEnvOrDefault("GOOGLE_REDIRECT_URL", cfg.GoogleConfig.RedirectURL)

	// Billing config
	cfg.BillingConfig.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", cfg.BillingConfig.StripeWebhookSecret)

	// Store config
	cfg.StoreConfig.Backend = getEnvOrDefault("STORE_BACKEND", cfg.StoreConfig.Backend)
	cfg.StoreConfig.SQLitePath = getEnvOrDefault("STORE_SQLITE_PATH", cfg.StoreConfig.SQLitePath)
	cfg.StoreConfig.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.StoreConfig.Redis.Address)
	cfg.StoreConfig.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.StoreConfig.Redis.Password)
	cfg.StoreConfig.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.StoreConfig.Redis.DB)
	cfg.StoreConfig.Postgres.Host = getEnvOrDefault("DB_HOST", cfg.StoreConfig.Postgres.Host)
	cfg.StoreConfig.Postgres.Port = getEnvIntOrDefault("DB_PORT", cfg.StoreConfig.Postgres.Port)
	cfg.StoreConfig.Postgres.User = getEnvOrDefault("DB_USER", cfg.StoreConfig.Postgres.User)
	cfg.StoreConfig.Postgres.Password = getEnvOrDefault("DB_PASSWORD", cfg.StoreConfig.Postgres.Password)
	cfg.StoreConfig.Postgres.Database = getEnvOrDefault("DB_NAME", cfg.StoreConfig.Postgres.Database)
	cfg.StoreConfig.Postgres.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.StoreConfig.Postgres.SSLMode)

	// Releases
	cfg.ReleasesConfig.Kind = getEnvOrDefault("RELEASES_KIND", cfg.ReleasesConfig.Kind)
	cfg.ReleasesConfig.Container = getEnvOrDefault("RELEASES_CONTAINER", cfg.ReleasesConfig.Container)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// SMTP
	cfg.SMTPConfig.Host = getEnvOrDefault("SMTP_HOST", cfg.SMTPConfig.Host)
	cfg.SMTPConfig.Port = getEnvOrDefault("SMTP_PORT", cfg.SMTPConfig.Port)
	cfg.SMTPConfig.Username = getEnvOrDefault("SMTP_USERNAME", cfg.SMTPConfig.Username)
	cfg.SMTPConfig.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.SMTPConfig.Password)
	cfg.SMTPConfig.From = getEnvOrDefault("SMTP_FROM", cfg.SMTPConfig.From)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Tracing config
	cfg.TracingConfig.Enabled = getEnvBoolOrDefault("TRACING_ENABLED", cfg.TracingConfig.Enabled)
	cfg.TracingConfig.Exporter = getEnvOrDefault("TRACING_EXPORTER", cfg.TracingConfig.Exporter)
	cfg.TracingConfig.Environment = getEnvOrDefault("ENVIRONMENT", cfg.TracingConfig.Environment)
}

func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.PublicBaseURL == "" {
		cfg.ServerConfig.PublicBaseURL = "https://patapim.ai"
	}
	if len(cfg.ServerConfig.AllowedOrigins) == 0 {
		cfg.ServerConfig.AllowedOrigins = []string{"https://patapim.ai", "https://www.patapim.ai"}
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 15
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 60
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.ServerConfig.RateLimitPerMin == 0 {
		cfg.ServerConfig.RateLimitPerMin = 30
	}
	if cfg.ServerConfig.RateLimitBurst == 0 {
		cfg.ServerConfig.RateLimitBurst = 10
	}

	if cfg.AuthConfig.SessionTTL == 0 {
		cfg.AuthConfig.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.AuthConfig.StateTTL == 0 {
		cfg.AuthConfig.StateTTL = 10 * time.Minute
	}
	if cfg.BillingConfig.WebhookTolerance == 0 {
		cfg.BillingConfig.WebhookTolerance = 5 * time.Minute
	}

	if cfg.StoreConfig.Backend == "" {
		cfg.StoreConfig.Backend = "sqlite"
	}
	if cfg.StoreConfig.SQLitePath == "" {
		cfg.StoreConfig.SQLitePath = "data/patapim.db"
	}
	if cfg.StoreConfig.FeedbackPrefix == "" {
		cfg.StoreConfig.FeedbackPrefix = "fb/"
	}
	if cfg.StoreConfig.Redis.Address == "" {
		cfg.StoreConfig.Redis.Address = "localhost:6379"
	}
	if cfg.StoreConfig.Redis.PoolSize == 0 {
		cfg.StoreConfig.Redis.PoolSize = 10
	}
	if cfg.StoreConfig.Postgres.Host == "" {
		cfg.StoreConfig.Postgres.Host = "localhost"
	}
	if cfg.StoreConfig.Postgres.Port == 0 {
		cfg.StoreConfig.Postgres.Port = 5432
	}
	if cfg.StoreConfig.Postgres.SSLMode == "" {
		cfg.StoreConfig.Postgres.SSLMode = "disable"
	}

	if cfg.ReleasesConfig.Kind == "" {
		cfg.ReleasesConfig.Kind = "local"
	}
	if cfg.ReleasesConfig.Container == "" {
		cfg.ReleasesConfig.Container = "releases"
	}
	if cfg.ReleasesConfig.Options == nil {
		cfg.ReleasesConfig.Options = map[string]string{}
	}
	if cfg.ReleasesConfig.Kind == "local" && cfg.ReleasesConfig.Options["path"] == "" {
		cfg.ReleasesConfig.Options["path"] = getEnvOrDefault("RELEASES_PATH", "data")
	}

	if cfg.DevicesConfig.OnlineThreshold == 0 {
		cfg.DevicesConfig.OnlineThreshold = 15 * time.Minute
	}
	if cfg.DevicesConfig.EvictAfter == 0 {
		cfg.DevicesConfig.EvictAfter = 7 * 24 * time.Hour
	}
	if cfg.DevicesConfig.ProbeTimeout == 0 {
		cfg.DevicesConfig.ProbeTimeout = 4 * time.Second
	}
	if cfg.DevicesConfig.WriteInterval == 0 {
		cfg.DevicesConfig.WriteInterval = 10 * time.Minute
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "patapim/server"
	}

	if cfg.SMTPConfig.Port == "" {
		cfg.SMTPConfig.Port = "587"
	}
	if cfg.SMTPConfig.FromName == "" {
		cfg.SMTPConfig.FromName = "PATAPIM"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.TracingConfig.Exporter == "" {
		cfg.TracingConfig.Exporter = "none"
	}
	if cfg.TracingConfig.SampleRatio == 0 {
		cfg.TracingConfig.SampleRatio = 1.0
	}
	if cfg.TracingConfig.Environment == "" {
		cfg.TracingConfig.Environment = "development"
	}
}

// Validate rejects configurations that cannot run safely. Secrets may still be
// filled in later from Vault, so production checks only apply when Vault is off.
func (c *Config) Validate() error {
	switch c.StoreConfig.Backend {
	case "memory", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreConfig.Backend)
	}
	switch c.ReleasesConfig.Kind {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown releases kind %q", c.ReleasesConfig.Kind)
	}
	if c.ServerConfig.Production && !c.VaultConfig.Enabled {
		if c.AuthConfig.JWTSecret == "" {
			return errors.New("AUTH_JWT_SECRET is required in production")
		}
		if c.BillingConfig.StripeWebhookSecret == "" {
			return errors.New("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}
	return nil
}

// SMTPConfigured reports whether invitation emails can be sent
func (c *Config) SMTPConfigured() bool {
	return c.SMTPConfig.Host != "" && c.SMTPConfig.Username != "" && c.SMTPConfig.From != ""
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GenerateSampleConfig writes a config file with every section populated
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.AuthConfig.AdminEmails = []string{"admin@example.com"}
	cfg.GoogleConfig.RedirectURL = cfg.ServerConfig.PublicBaseURL + "/api/auth/callback"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return os.WriteFile(filename, data, 0600)
}
