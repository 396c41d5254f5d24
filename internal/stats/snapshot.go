package stats

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"patapim-server/internal/devices"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/users"
)

var tracer = otel.Tracer("patapim-server/internal/stats")

// Revenue estimates shown on the dashboard
const (
	ProMonthlyPrice = 6.99
	LifetimePrice   = 29.99

	onlineWindow = 15 * time.Minute
)

type UserLister interface {
	List(ctx context.Context) ([]users.User, error)
}

type LicenseLister interface {
	List(ctx context.Context) ([]license.License, error)
}

type LedgerLister interface {
	Ledgers(ctx context.Context) ([]referral.Ledger, error)
}

type DeviceLister interface {
	All(ctx context.Context) ([]devices.Device, error)
}

type FeedbackCounter interface {
	Count(ctx context.Context) (int, error)
}

// Sources are the collections a Snapshot aggregates
type Sources struct {
	Users     UserLister
	Licenses  LicenseLister
	Referrals LedgerLister
	Devices   DeviceLister
	Feedback  FeedbackCounter
}

type UserStats struct {
	Total        int `json:"total"`
	NewToday     int `json:"newToday"`
	NewThisWeek  int `json:"newThisWeek"`
	NewThisMonth int `json:"newThisMonth"`
}

type LicenseStats struct {
	Total           int            `json:"total"`
	Pro             int            `json:"pro"`
	Lifetime        int            `json:"lifetime"`
	StatusBreakdown map[string]int `json:"statusBreakdown"`
}

type DeviceStats struct {
	Total      int     `json:"total"`
	OnlineNow  int     `json:"onlineNow"`
	AvgPerUser float64 `json:"avgPerUser"`
}

type ReferralStats struct {
	TotalReferrers   int     `json:"totalReferrers"`
	TotalInvitations int     `json:"totalInvitations"`
	TotalActivations int     `json:"totalActivations"`
	ConversionRate   float64 `json:"conversionRate"`
	TotalRewards     int     `json:"totalRewards"`
}

type DownloadStats struct {
	Total    int64            `json:"total"`
	Today    int64            `json:"today"`
	ThisWeek int64            `json:"thisWeek"`
	Geo      map[string]int64 `json:"geo"`
}

type FeedbackStats struct {
	Total int `json:"total"`
}

type RevenueStats struct {
	MRR             float64 `json:"mrr"`
	LifetimeRevenue float64 `json:"lifetimeRevenue"`
}

type TrendPoint struct {
	Date      string `json:"date"`
	Signups   int64  `json:"signups"`
	Downloads int64  `json:"downloads"`
}

// Snapshot is the admin dashboard payload
type Snapshot struct {
	Users     UserStats     `json:"users"`
	Licenses  LicenseStats  `json:"licenses"`
	Devices   DeviceStats   `json:"devices"`
	Referrals ReferralStats `json:"referrals"`
	Downloads DownloadStats `json:"downloads"`
	Feedback  FeedbackStats `json:"feedback"`
	Revenue   RevenueStats  `json:"revenue"`
	Trends    []TrendPoint  `json:"trends"`
}

// Reporter builds snapshots from the primary store and the domain services
type Reporter struct {
	store   kvstore.Store
	sources Sources
	Clock   func() time.Time
}

func NewReporter(store kvstore.Store, sources Sources) *Reporter {
	return &Reporter{store: store, sources: sources, Clock: time.Now}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Snapshot aggregates every collection. days is the length of the trend
// series, defaulting to 7.
func (r *Reporter) Snapshot(ctx context.Context, days int) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "stats.Snapshot")
	defer span.End()

	if days <= 0 {
		days = 7
	}

	var (
		userList    []users.User
		licenseList []license.License
		ledgers     []referral.Ledger
		deviceList  []devices.Device
		feedbackN   int
		counters    map[string]int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { userList, err = r.sources.Users.List(gctx); return })
	g.Go(func() (err error) { licenseList, err = r.sources.Licenses.List(gctx); return })
	g.Go(func() (err error) { ledgers, err = r.sources.Referrals.Ledgers(gctx); return })
	g.Go(func() (err error) { deviceList, err = r.sources.Devices.All(gctx); return })
	g.Go(func() (err error) {
		if r.sources.Feedback == nil {
			return nil
		}
		feedbackN, err = r.sources.Feedback.Count(gctx)
		return
	})
	g.Go(func() (err error) { counters, err = r.readCounters(gctx); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := r.Clock().UTC()
	today := now.Format(dateLayout)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	monthAgo := now.Add(-30 * 24 * time.Hour)

	s := &Snapshot{
		Licenses: LicenseStats{StatusBreakdown: map[string]int{}},
		Downloads: DownloadStats{
			Total: counters[downloadsTotal],
			Today: counters[downloadsDayKey(today)],
			Geo:   map[string]int64{},
		},
		Feedback: FeedbackStats{Total: feedbackN},
	}

	s.Users.Total = len(userList)
	for _, u := range userList {
		created := u.CreatedAt.UTC()
		if created.Format(dateLayout) == today {
			s.Users.NewToday++
		}
		if !created.Before(weekAgo) {
			s.Users.NewThisWeek++
		}
		if !created.Before(monthAgo) {
			s.Users.NewThisMonth++
		}
	}

	s.Licenses.Total = len(licenseList)
	for _, l := range licenseList {
		switch l.Plan {
		case license.PlanPro:
			s.Licenses.Pro++
		case license.PlanLifetime:
			s.Licenses.Lifetime++
		}
		status := string(l.Status)
		if status == "" {
			status = "unknown"
		}
		s.Licenses.StatusBreakdown[status]++
	}

	s.Devices.Total = len(deviceList)
	for _, d := range deviceList {
		if !d.LastSeen.IsZero() && now.Sub(d.LastSeen) <= onlineWindow {
			s.Devices.OnlineNow++
		}
	}
	if len(userList) > 0 {
		s.Devices.AvgPerUser = round1(float64(len(deviceList)) / float64(len(userList)))
	}

	s.Referrals.TotalReferrers = len(ledgers)
	for _, l := range ledgers {
		s.Referrals.TotalInvitations += len(l.Referrals)
		s.Referrals.TotalActivations += l.ActivatedCount
		if l.RewardGranted {
			s.Referrals.TotalRewards++
		}
	}
	if s.Referrals.TotalInvitations > 0 {
		s.Referrals.ConversionRate = round1(float64(s.Referrals.TotalActivations) / float64(s.Referrals.TotalInvitations) * 100)
	}

	for key, n := range counters {
		switch {
		case strings.HasPrefix(key, geoPrefix):
			s.Downloads.Geo[strings.TrimPrefix(key, geoPrefix)] = n
		case strings.HasPrefix(key, downloadsPrefix) && key != downloadsTotal:
			day, err := time.Parse(dateLayout, strings.TrimPrefix(key, downloadsPrefix))
			if err == nil && !day.Before(weekAgo.Truncate(24*time.Hour)) {
				s.Downloads.ThisWeek += n
			}
		}
	}

	s.Revenue = RevenueStats{
		MRR:             round2(float64(s.Licenses.Pro) * ProMonthlyPrice),
		LifetimeRevenue: round2(float64(s.Licenses.Lifetime) * LifetimePrice),
	}

	s.Trends = make([]TrendPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := now.Add(-time.Duration(i) * 24 * time.Hour).Format(dateLayout)
		s.Trends = append(s.Trends, TrendPoint{
			Date:      day,
			Signups:   counters[signupsDayKey(day)],
			Downloads: counters[downloadsDayKey(day)],
		})
	}

	return s, nil
}

// readCounters loads every download and signup counter. Unparseable values
// count as zero.
func (r *Reporter) readCounters(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for _, prefix := range []string{downloadsPrefix, signupsPrefix} {
		keys, err := kvstore.ListAll(ctx, r.store, prefix)
		if err != nil {
			return nil, err
		}
		err = kvstore.FetchBatch(ctx, r.store, keys, 50, func(key string, value []byte) error {
			n, _ := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
			out[key] = n
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
