// Package app opens the configured storage backend and wires the domain
// services on top of it. The HTTP server and the admin CLI share it.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/config"
	"patapim-server/internal/auth"
	"patapim-server/internal/billing"
	"patapim-server/internal/cache"
	"patapim-server/internal/database"
	"patapim-server/internal/devices"
	"patapim-server/internal/events"
	"patapim-server/internal/feedback"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/stats"
	"patapim-server/internal/tokens"
	"patapim-server/internal/users"
)

const sweepInterval = 10 * time.Minute

// expirer is implemented by backends that keep expired rows until swept
type expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Storage is an opened backend. Store is instrumented; Feedback is the
// same backend under the feedback prefix.
type Storage struct {
	Store    kvstore.Store
	Feedback kvstore.Store
	Backend  string

	raw    kvstore.Store
	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// OpenStore connects to the backend named by cfg.Backend
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (*Storage, error) {
	var raw kvstore.Store
	switch cfg.Backend {
	case "memory":
		raw = kvstore.NewMemoryStore()
	case "sqlite":
		s, err := kvstore.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		raw = s
	case "redis":
		raw = cache.NewRedisStore(cfg.Redis, logger)
	case "postgres":
		db, err := database.NewDB(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		raw = database.NewKVStore(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	store := kvstore.Instrument(raw, cfg.Backend)
	prefix := cfg.FeedbackPrefix
	if prefix == "" {
		prefix = "fb/"
	}
	st := &Storage{
		Store:    store,
		Feedback: kvstore.NewPrefixed(store, prefix),
		Backend:  cfg.Backend,
		raw:      raw,
		logger:   logger.With().Str("component", "Storage").Logger(),
		stop:     make(chan struct{}),
	}
	st.logger.Info().Str("backend", cfg.Backend).Msg("Key-value store opened")
	return st, nil
}

// StartSweeper periodically deletes expired rows on backends that do not
// expire keys natively. SQLite runs its own loop and Redis expires keys
// itself, so only Postgres needs this.
func (st *Storage) StartSweeper() {
	exp, ok := st.raw.(expirer)
	if _, sqlite := st.raw.(*kvstore.SQLiteStore); !ok || sqlite {
		return
	}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweep(exp)
			case <-st.stop:
				return
			}
		}
	}()
}

func (st *Storage) sweep(exp expirer) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := exp.DeleteExpired(ctx)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Failed to delete expired keys")
		return
	}
	if n > 0 {
		st.logger.Debug().Int64("deleted", n).Msg("Expired keys removed")
	}
}

// Close stops the sweeper and releases the backend
func (st *Storage) Close() error {
	var err error
	st.once.Do(func() {
		close(st.stop)
		st.wg.Wait()
		if c, ok := st.Store.(kvstore.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Services holds every domain component built over one Storage
type Services struct {
	Bus       *events.EventBus
	Vault     *tokens.Vault
	Users     *users.Store
	Licenses  *license.Manager
	Trials    *license.Trials
	Referrals *referral.Engine
	Devices   *devices.Service
	Feedback  *feedback.Store
	Stats     *stats.Reporter
	Counters  *stats.Counters
}

// Build wires the domain services over st
func Build(cfg *config.Config, st *Storage, logger zerolog.Logger) *Services {
	bus := events.NewEventBus(logger)
	vault := tokens.NewVault(st.Store)
	userStore := users.NewStore(st.Store, logger)
	licenses := license.NewManager(st.Store, logger)

	engine := referral.NewEngine(st.Store, licenses, bus, logger)
	if cfg.ServerConfig.PublicBaseURL != "" {
		engine.PublicURL = cfg.ServerConfig.PublicBaseURL
	}

	devs := devices.NewService(st.Store, vault, licenses,
		devices.NewProber(cfg.DevicesConfig.ProbeTimeout, logger),
		bus, cfg.DevicesConfig, logger)
	fb := feedback.NewStore(st.Feedback, bus, logger)

	counters := stats.NewCounters(st.Store, logger)
	counters.Subscribe(bus)

	return &Services{
		Bus:       bus,
		Vault:     vault,
		Users:     userStore,
		Licenses:  licenses,
		Trials:    license.NewTrials(st.Store, st.Feedback, logger),
		Referrals: engine,
		Devices:   devs,
		Feedback:  fb,
		Counters:  counters,
		Stats: stats.NewReporter(st.Store, stats.Sources{
			Users:     userStore,
			Licenses:  licenses,
			Referrals: engine,
			Devices:   devs,
			Feedback:  fb,
		}),
	}
}

// AuthService builds the sign-in service for the HTTP server
func (s *Services) AuthService(cfg *config.Config, st *Storage, logger zerolog.Logger) *auth.Service {
	return auth.NewService(cfg.AuthConfig, cfg.GoogleConfig, s.Vault, st.Store, s.Users, logger)
}

// Webhooks builds the billing webhook handler, or nil when no signing secret
// is configured
func (s *Services) Webhooks(cfg *config.Config, logger zerolog.Logger) *billing.WebhookHandler {
	if cfg.BillingConfig.StripeWebhookSecret == "" {
		return nil
	}
	return billing.NewWebhookHandler(cfg.BillingConfig.StripeWebhookSecret, cfg.BillingConfig.WebhookTolerance,
		s.Licenses, s.Users, s.Referrals, s.Bus, logger)
}
