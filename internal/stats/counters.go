// Package stats keeps best-effort analytics counters and builds the admin
// dashboard snapshot.
package stats

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/internal/events"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/metrics"
)

const (
	downloadsPrefix = "stats:downloads:"
	downloadsTotal  = downloadsPrefix + "total"
	geoPrefix       = downloadsPrefix + "geo:"
	signupsPrefix   = "stats:signups:"

	dateLayout = "2006-01-02"
)

func downloadsDayKey(day string) string { return downloadsPrefix + day }
func signupsDayKey(day string) string   { return signupsPrefix + day }

// Counters increments the download and signup counters. Increments are
// read-modify-write and may lose updates under concurrency.
type Counters struct {
	store  kvstore.Store
	logger zerolog.Logger
	Clock  func() time.Time
}

func NewCounters(store kvstore.Store, logger zerolog.Logger) *Counters {
	return &Counters{
		store:  store,
		logger: logger.With().Str("component", "StatsCounters").Logger(),
		Clock:  time.Now,
	}
}

func (c *Counters) today() string {
	return c.Clock().UTC().Format(dateLayout)
}

func (c *Counters) incr(ctx context.Context, key string) {
	if _, err := kvstore.Incr(ctx, c.store, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Counter increment failed")
	}
}

// RecordDownload bumps the total, today's and the per-country counter.
// Country codes other than two letters are not tracked.
func (c *Counters) RecordDownload(ctx context.Context, country string) {
	c.incr(ctx, downloadsTotal)
	c.incr(ctx, downloadsDayKey(c.today()))
	if country = strings.ToUpper(strings.TrimSpace(country)); len(country) == 2 {
		c.incr(ctx, geoPrefix+country)
	}
}

// RecordSignup bumps today's signup counter
func (c *Counters) RecordSignup(ctx context.Context) {
	c.incr(ctx, signupsDayKey(c.today()))
}

// Subscribe wires the counters to download and signup events
func (c *Counters) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventDownloadCompleted, func(e events.Event) {
		country, _ := e.Data["country"].(string)
		kind, _ := e.Data["kind"].(string)
		metrics.Downloads.WithLabelValues(kind).Inc()
		c.RecordDownload(context.Background(), country)
	})
	bus.Subscribe(events.EventUserSignedUp, func(events.Event) {
		c.RecordSignup(context.Background())
	})
}
