// Package referral tracks who invited whom, activates referrals when the
// referred person signs in or buys, and grants a lifetime license to a
// referrer once enough of their invitations activate.
//
// The ledger (referral:{referrer}) and the reverse index
// (referred:{referred}) are separate keys with no transaction between them.
// The reverse index is written first; a reverse index whose ledger has no
// matching entry is reported as not found rather than repaired.
package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"patapim-server/internal/apperr"
	"patapim-server/internal/events"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/logging"
	"patapim-server/internal/metrics"
)

var tracer = otel.Tracer("patapim-server/internal/referral")

const (
	SchemaVersion   = 1
	MaxInvites      = 20
	RewardThreshold = 10
)

// Reasons an activation did not happen. They are outcomes, not failures.
const (
	ReasonNotReferred      = "Not referred"
	ReasonReferrerNotFound = "Referrer data not found"
	ReasonEntryNotFound    = "Referral entry not found"
	ReasonAlreadyActivated = "Already activated"
)

var (
	ErrSelfReferral    = apperr.Integrity("SELF_REFERRAL", "Cannot refer yourself")
	ErrAlreadyReferred = apperr.Integrity("ALREADY_REFERRED", "This person was already referred")
	ErrInviteLimit     = apperr.Integrity("INVITE_LIMIT", fmt.Sprintf("Maximum invitations reached (%d)", MaxInvites))
	ErrAlreadyInvited  = apperr.Integrity("ALREADY_INVITED", "Already invited this person")
	ErrInvalidEmail    = apperr.Validation("INVALID_EMAIL", "Invalid email format")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Entry is one invitation in a ledger
type Entry struct {
	Email       string     `json:"email"`
	InvitedAt   time.Time  `json:"invitedAt"`
	ActivatedAt *time.Time `json:"activatedAt"`
}

// Ledger is a referrer's record, stored under referral:{email}
type Ledger struct {
	SchemaVersion    int        `json:"schemaVersion"`
	ReferrerEmail    string     `json:"email"`
	Referrals        []Entry    `json:"referrals"`
	ActivatedCount   int        `json:"activatedCount"`
	RewardGranted    bool       `json:"rewardGranted"`
	RewardGrantedAt  *time.Time `json:"rewardGrantedAt"`
	RewardLicenseKey string     `json:"licenseKey,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (l *Ledger) find(email string) *Entry {
	for i := range l.Referrals {
		if l.Referrals[i].Email == email {
			return &l.Referrals[i]
		}
	}
	return nil
}

func (l *Ledger) countActivated() int {
	n := 0
	for _, e := range l.Referrals {
		if e.ActivatedAt != nil {
			n++
		}
	}
	return n
}

// Activation is the outcome of Activate
type Activation struct {
	Activated     bool   `json:"activated"`
	ReferrerEmail string `json:"-"`
	RewardGranted bool   `json:"rewardGranted"`
	Reason        string `json:"reason,omitempty"`
}

// Licenses is the part of the license manager the engine needs
type Licenses interface {
	GrantLifetime(ctx context.Context, email, source string) (*license.License, error)
	Lookup(ctx context.Context, by license.LookupBy) (*license.License, error)
}

// Engine implements invitations, activations and rewards
type Engine struct {
	store    kvstore.Store
	licenses Licenses
	events   events.Publisher
	logger   zerolog.Logger

	Clock     func() time.Time
	PublicURL string
}

func NewEngine(store kvstore.Store, licenses Licenses, publisher events.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:     store,
		licenses:  licenses,
		events:    publisher,
		logger:    logger.With().Str("component", "ReferralEngine").Logger(),
		Clock:     time.Now,
		PublicURL: "https://patapim.ai",
	}
}

func ledgerKey(email string) string   { return "referral:" + email }
func referredKey(email string) string { return "referred:" + email }
func claimKey(email string) string    { return "reward-claim:" + email }

// claimTTL bounds how long an unreleased reward claim blocks minting
const claimTTL = 10 * time.Minute

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (e *Engine) now() time.Time {
	return e.Clock().UTC()
}

func (e *Engine) getLedger(ctx context.Context, referrer string) (*Ledger, error) {
	var l Ledger
	err := kvstore.GetJSON(ctx, e.store, ledgerKey(referrer), &l)
	if err != nil {
		return nil, err
	}
	if l.Referrals == nil {
		l.Referrals = []Entry{}
	}
	return &l, nil
}

func (e *Engine) putLedger(ctx context.Context, l *Ledger) error {
	l.SchemaVersion = SchemaVersion
	if err := kvstore.PutJSON(ctx, e.store, ledgerKey(l.ReferrerEmail), l, 0); err != nil {
		return fmt.Errorf("write referral ledger: %w", err)
	}
	return nil
}

// Invite records that referrer invited referred
func (e *Engine) Invite(ctx context.Context, referrer, referred string) error {
	ctx, span := tracer.Start(ctx, "referral.Invite")
	defer span.End()

	referrer, referred = normalize(referrer), normalize(referred)
	if !emailPattern.MatchString(referrer) || !emailPattern.MatchString(referred) {
		return ErrInvalidEmail
	}
	if referrer == referred {
		return ErrSelfReferral
	}

	_, err := e.store.Get(ctx, referredKey(referred))
	if err == nil {
		return ErrAlreadyReferred
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("read referred index: %w", err)
	}

	now := e.now()
	ledger, err := e.getLedger(ctx, referrer)
	if errors.Is(err, kvstore.ErrNotFound) {
		ledger = &Ledger{ReferrerEmail: referrer, Referrals: []Entry{}, CreatedAt: now}
	} else if err != nil {
		return fmt.Errorf("read referral ledger: %w", err)
	}

	if len(ledger.Referrals) >= MaxInvites {
		return ErrInviteLimit
	}
	if ledger.find(referred) != nil {
		return ErrAlreadyInvited
	}
	ledger.Referrals = append(ledger.Referrals, Entry{Email: referred, InvitedAt: now})

	if err := kvstore.PutString(ctx, e.store, referredKey(referred), referrer, 0); err != nil {
		return fmt.Errorf("write referred index: %w", err)
	}
	if err := e.putLedger(ctx, ledger); err != nil {
		// do not leave the referred person claimed by a ledger that never listed them
		if derr := e.store.Delete(ctx, referredKey(referred)); derr != nil {
			e.logger.Error().Err(derr).Str("referred", Mask(referred)).Msg("Failed to roll back referred index")
		}
		return err
	}

	e.logger.Info().Str("referrer", referrer).Str("referred", Mask(referred)).Int("invites", len(ledger.Referrals)).Msg("Referral invited")
	e.events.Publish(events.Event{
		Type:  events.EventReferralInvited,
		Owner: referrer,
		Data:  map[string]interface{}{"referrer": referrer, "referred": referred},
	})
	return nil
}

// Activate marks the invitation of referred as activated. Calling it again
// for the same person reports ReasonAlreadyActivated and changes nothing. The
// call that takes the ledger to RewardThreshold activations also grants the
// referrer a lifetime license.
func (e *Engine) Activate(ctx context.Context, referred string) (res Activation, err error) {
	ctx, span := tracer.Start(ctx, "referral.Activate")
	defer span.End()
	defer func() {
		outcome := "activated"
		switch {
		case err != nil:
			outcome = "error"
		case !res.Activated:
			outcome = strings.ReplaceAll(strings.ToLower(res.Reason), " ", "_")
		}
		metrics.ReferralActivations.WithLabelValues(outcome).Inc()
	}()

	referred = normalize(referred)
	referrer, err := kvstore.GetString(ctx, e.store, referredKey(referred))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Activation{Reason: ReasonNotReferred}, nil
	}
	if err != nil {
		return Activation{}, fmt.Errorf("read referred index: %w", err)
	}

	ledger, err := e.getLedger(ctx, referrer)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Activation{Reason: ReasonReferrerNotFound, ReferrerEmail: referrer}, nil
	}
	if err != nil {
		return Activation{}, fmt.Errorf("read referral ledger: %w", err)
	}

	entry := ledger.find(referred)
	if entry == nil {
		return Activation{Reason: ReasonEntryNotFound, ReferrerEmail: referrer}, nil
	}
	if entry.ActivatedAt != nil {
		return Activation{Reason: ReasonAlreadyActivated, ReferrerEmail: referrer}, nil
	}

	now := e.now()
	entry.ActivatedAt = &now
	ledger.ActivatedCount = ledger.countActivated()
	res = Activation{Activated: true, ReferrerEmail: referrer}

	if ledger.ActivatedCount >= RewardThreshold && !ledger.RewardGranted {
		key, granted := e.grantReward(ctx, referrer)
		if granted {
			ledger.RewardGranted = true
			ledger.RewardGrantedAt = &now
			ledger.RewardLicenseKey = key
			res.RewardGranted = true
		}
	}

	if err := e.putLedger(ctx, ledger); err != nil {
		return Activation{}, err
	}

	span.SetAttributes(attribute.Int("referral.activated_count", ledger.ActivatedCount), attribute.Bool("referral.reward_granted", res.RewardGranted))
	e.logger.Info().
		Str("referrer", referrer).
		Str("referred", Mask(referred)).
		Int("activated", ledger.ActivatedCount).
		Bool("reward", res.RewardGranted).
		Msg("Referral activated")
	e.events.Publish(events.Event{
		Type:  events.EventReferralActivated,
		Owner: referrer,
		Data:  map[string]interface{}{"referrer": referrer, "activated_count": ledger.ActivatedCount},
	})
	return res, nil
}

// grantReward mints the lifetime license. Where the store supports
// put-if-absent, a reward-claim key lets only one concurrent activation mint.
// A loser reports the reward only once the winner's lifetime license is
// visible. granted is false when minting failed or is still pending, which
// leaves the ledger eligible so a later activation retries. Claims expire
// after claimTTL so one that could not be released does not block the reward.
func (e *Engine) grantReward(ctx context.Context, referrer string) (key string, granted bool) {
	if c, ok := kvstore.AsConditional(e.store); ok {
		won, err := c.PutIfAbsent(ctx, claimKey(referrer), []byte(e.now().Format(time.RFC3339Nano)), claimTTL)
		if err != nil {
			e.logger.Error().Err(err).Str("referrer", referrer).Msg("Reward claim failed, will retry on next activation")
			return "", false
		}
		if !won {
			lic, err := e.licenses.Lookup(ctx, license.LookupBy{Email: referrer})
			if err == nil && lic.Plan == license.PlanLifetime {
				e.logger.Info().Str("referrer", referrer).Msg("Reward already minted by a concurrent activation")
				return lic.LicenseKey, true
			}
			e.logger.Warn().Str("referrer", referrer).Msg("Reward claimed but not minted yet, leaving ledger eligible")
			return "", false
		}
	}

	lic, err := e.licenses.GrantLifetime(ctx, referrer, license.CustomerReferral)
	if err != nil {
		e.logger.Error().Err(err).Str("referrer", referrer).Msg("Failed to mint referral reward")
		if _, ok := kvstore.AsConditional(e.store); ok {
			if err := e.store.Delete(ctx, claimKey(referrer)); err != nil {
				e.logger.Error().Err(err).Str("referrer", referrer).Dur("claim_ttl", claimTTL).Msg("Failed to release reward claim, retry waits for it to expire")
			}
		}
		return "", false
	}

	metrics.RewardsGranted.Inc()
	l := logging.LicenseContext(e.logger, referrer, lic.LicenseKey)
	l.Info().Msg("Referral reward granted")
	e.events.Publish(events.Event{
		Type:  events.EventRewardGranted,
		Owner: referrer,
		Data:  map[string]interface{}{"email": referrer, "license_key": logging.MaskKey(lic.LicenseKey)},
	})
	return lic.LicenseKey, true
}

// MaskedEntry is an Entry safe to show the referrer
type MaskedEntry struct {
	Email     string    `json:"email"`
	InvitedAt time.Time `json:"invitedAt"`
	Activated bool      `json:"activated"`
}

// Summary is the referrer's view of their ledger
type Summary struct {
	Email           string        `json:"email"`
	Referrals       []MaskedEntry `json:"referrals"`
	ActivatedCount  int           `json:"activatedCount"`
	TotalInvited    int           `json:"totalInvited"`
	MaxInvites      int           `json:"maxInvites"`
	RewardThreshold int           `json:"rewardThreshold"`
	RewardGranted   bool          `json:"rewardGranted"`
	RewardGrantedAt *time.Time    `json:"rewardGrantedAt"`
	LicenseKey      *string       `json:"licenseKey"`
}

// Status returns the masked summary of referrer's ledger. A referrer with no
// ledger gets an empty summary.
func (e *Engine) Status(ctx context.Context, referrer string) (Summary, error) {
	referrer = normalize(referrer)
	sum := Summary{
		Email:           referrer,
		Referrals:       []MaskedEntry{},
		MaxInvites:      MaxInvites,
		RewardThreshold: RewardThreshold,
	}

	ledger, err := e.getLedger(ctx, referrer)
	if errors.Is(err, kvstore.ErrNotFound) {
		return sum, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read referral ledger: %w", err)
	}

	for _, r := range ledger.Referrals {
		sum.Referrals = append(sum.Referrals, MaskedEntry{
			Email:     Mask(r.Email),
			InvitedAt: r.InvitedAt,
			Activated: r.ActivatedAt != nil,
		})
	}
	sum.ActivatedCount = ledger.countActivated()
	sum.TotalInvited = len(ledger.Referrals)
	sum.RewardGranted = ledger.RewardGranted
	sum.RewardGrantedAt = ledger.RewardGrantedAt

	if ledger.RewardGranted {
		key := ledger.RewardLicenseKey
		if key == "" {
			if lic, err := e.licenses.Lookup(ctx, license.LookupBy{Email: referrer}); err == nil {
				key = lic.LicenseKey
			}
		}
		if key != "" {
			sum.LicenseKey = &key
		}
	}
	return sum, nil
}

// ReferrerOf returns who referred email, or "" when nobody did
func (e *Engine) ReferrerOf(ctx context.Context, email string) (string, error) {
	referrer, err := kvstore.GetString(ctx, e.store, referredKey(normalize(email)))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	return referrer, err
}

// Ledgers returns every ledger for the admin view
func (e *Engine) Ledgers(ctx context.Context) ([]Ledger, error) {
	keys, err := kvstore.ListAll(ctx, e.store, "referral:")
	if err != nil {
		return nil, err
	}
	out := make([]Ledger, 0, len(keys))
	err = kvstore.FetchBatch(ctx, e.store, keys, 50, func(key string, value []byte) error {
		var l Ledger
		if err := json.Unmarshal(value, &l); err != nil {
			e.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable referral ledger")
			return nil
		}
		l.ActivatedCount = l.countActivated()
		out = append(out, l)
		return nil
	})
	return out, err
}
