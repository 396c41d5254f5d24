package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patapim-server/config"
	"patapim-server/internal/api"
	"patapim-server/internal/app"
	"patapim-server/internal/email"
	"patapim-server/internal/logging"
	"patapim-server/internal/notification"
	"patapim-server/internal/releases"
	"patapim-server/internal/tracing"
	"patapim-server/internal/vault"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info().Str("version", version).Msg("Starting PATAPIM server")

	ctx := context.Background()

	// Secrets from Vault fill whatever the config left empty
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Vault client")
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Health(ctx); err != nil {
			logger.Fatal().Err(err).Str("address", cfg.VaultConfig.Address).Msg("Vault unavailable")
		}
		if err := vaultClient.Apply(ctx, cfg); err != nil {
			logger.Fatal().Err(err).Msg("Failed to read secrets from Vault")
		}
		logger.Info().Msg("Secrets loaded from Vault")
	}
	if cfg.ServerConfig.Production && cfg.AuthConfig.JWTSecret == "" {
		logger.Fatal().Msg("No session signing secret configured")
	}

	shutdownTracing, err := tracing.Init(cfg.TracingConfig, version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize storage
	storage, err := app.OpenStore(ctx, cfg.StoreConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreConfig.Backend).Msg("Failed to open store")
	}
	storage.StartSweeper()

	svc := app.Build(cfg, storage, logger)

	// Initialize notification manager
	if cfg.NotificationConfig.Enabled {
		notifyManager := notification.NewManager(cfg.NotificationConfig, logger)
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(cfg.NotificationConfig.Discord))
			logger.Info().Msg("Discord notifications enabled")
		}
		notifyManager.Subscribe(svc.Bus)
	}

	if cfg.SMTPConfigured() {
		email.NewService(cfg.SMTPConfig, cfg.ServerConfig.PublicBaseURL, logger).Subscribe(svc.Bus)
		logger.Info().Str("host", cfg.SMTPConfig.Host).Msg("Referral invitation emails enabled")
	} else {
		logger.Warn().Msg("SMTP not configured, referral invitations will not be emailed")
	}

	releaseStore, err := releases.Dial(cfg.ReleasesConfig, logger)
	if err != nil {
		logger.Warn().Err(err).Str("kind", cfg.ReleasesConfig.Kind).Msg("Release store unavailable, downloads disabled")
		releaseStore = nil
	}

	webhooks := svc.Webhooks(cfg, logger)
	if webhooks == nil {
		logger.Warn().Msg("Billing webhook secret not configured, /api/stripe/webhook disabled")
	}

	server := api.NewServer(cfg.ServerConfig, api.Services{
		Store:     storage.Store,
		Auth:      svc.AuthService(cfg, storage, logger),
		Users:     svc.Users,
		Licenses:  svc.Licenses,
		Trials:    svc.Trials,
		Referrals: svc.Referrals,
		Devices:   svc.Devices,
		Webhooks:  webhooks,
		Feedback:  svc.Feedback,
		Releases:  releaseStore,
		Stats:     svc.Stats,
		Bus:       svc.Bus,
	}, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	// let in-flight subscribers (emails, notifications, counters) finish
	svc.Bus.Wait()

	if err := storage.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Shutdown complete")
}
