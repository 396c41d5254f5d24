package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"patapim-server/internal/kvstore"
	"patapim-server/internal/logging"
	"patapim-server/internal/metrics"
)

var tracer = otel.Tracer("patapim-server/internal/license")

const keyAllocRetries = 3

// Manager reads and mutates License records and their indices
type Manager struct {
	store  kvstore.Store
	logger zerolog.Logger

	Clock  func() time.Time
	NewKey func() (string, error)
}

// NewManager creates a Manager over store
func NewManager(store kvstore.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "LicenseManager").Logger(),
		Clock:  time.Now,
		NewKey: GenerateKey,
	}
}

// CheckoutInput is the data a completed checkout carries
type CheckoutInput struct {
	Email          string
	CustomerID     string
	SubscriptionID string
	Plan           Plan
}

// Ref identifies a License by its billing ids. SubscriptionID is tried first.
type Ref struct {
	CustomerID     string
	SubscriptionID string
}

// LookupBy selects one identifier to look a License up by
type LookupBy struct {
	Email      string
	LicenseKey string
	CustomerID string
}

// Verification is the answer to a desktop client's license check
type Verification struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	Code      string     `json:"-"`
	Plan      Plan       `json:"plan,omitempty"`
	Status    Status     `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (m *Manager) now() time.Time {
	return m.Clock().UTC()
}

func (m *Manager) get(ctx context.Context, email string) (*License, error) {
	var lic License
	err := kvstore.GetJSON(ctx, m.store, licenseKeyOf(email), &lic)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read license: %w", err)
	}
	return &lic, nil
}

func (m *Manager) put(ctx context.Context, lic *License) error {
	lic.SchemaVersion = SchemaVersion
	if err := kvstore.PutJSON(ctx, m.store, licenseKeyOf(lic.Email), lic, 0); err != nil {
		return fmt.Errorf("write license: %w", err)
	}
	return nil
}

func (m *Manager) putIndex(ctx context.Context, key, email string) error {
	if err := kvstore.PutString(ctx, m.store, key, email, 0); err != nil {
		return fmt.Errorf("write index %s: %w", key, err)
	}
	return nil
}

// allocateKey draws keys until one is not already indexed
func (m *Manager) allocateKey(ctx context.Context) (string, error) {
	for i := 0; i < keyAllocRetries; i++ {
		key, err := m.NewKey()
		if err != nil {
			return "", err
		}
		_, err = m.store.Get(ctx, keyIndex(key))
		if errors.Is(err, kvstore.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", fmt.Errorf("check license key: %w", err)
		}
	}
	return "", fmt.Errorf("could not allocate a unique license key")
}

func (m *Manager) record(cause string, err error) {
	metrics.LicenseMutations.WithLabelValues(cause, metrics.Result(err)).Inc()
}

// UpsertFromCheckout creates or overwrites the License for a completed
// checkout. An existing License keeps its key and creation time, so duplicate
// deliveries of the same checkout converge on one record with one key. A
// redelivery for the same customer and subscription keeps the status and
// expiry later billing events wrote, and a subscription checkout never
// downgrades a lifetime License.
func (m *Manager) UpsertFromCheckout(ctx context.Context, in CheckoutInput) (lic *License, err error) {
	ctx, span := tracer.Start(ctx, "license.UpsertFromCheckout")
	defer span.End()
	defer func() { m.record("checkout", err) }()

	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	plan := in.Plan
	if !plan.Valid() {
		plan = PlanPro
	}

	existing, err := m.get(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.now()
	lic = &License{
		Email:                email,
		Plan:                 plan,
		Status:               initialStatus(plan),
		StripeCustomerID:     in.CustomerID,
		StripeSubscriptionID: strPtr(in.SubscriptionID),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing != nil {
		switch {
		case existing.Plan == PlanLifetime && plan != PlanLifetime:
			kept := *existing
			kept.UpdatedAt = now
			lic = &kept
		case existing.Plan == plan && existing.sameBilling(in.CustomerID, in.SubscriptionID):
			lic.Status = existing.Status
			lic.ExpiresAt = existing.ExpiresAt
		}
	}
	if existing != nil && existing.LicenseKey != "" {
		lic.LicenseKey = existing.LicenseKey
		lic.CreatedAt = existing.CreatedAt
	} else {
		if lic.LicenseKey, err = m.allocateKey(ctx); err != nil {
			return nil, err
		}
	}

	if err := m.putIndex(ctx, keyIndex(lic.LicenseKey), email); err != nil {
		return nil, err
	}
	if in.CustomerID != "" {
		if err := m.putIndex(ctx, customerIndex(in.CustomerID), email); err != nil {
			return nil, err
		}
	}
	if in.SubscriptionID != "" {
		if err := m.putIndex(ctx, subscriptionIndex(in.SubscriptionID), email); err != nil {
			return nil, err
		}
	}
	if err := m.put(ctx, lic); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("license.existing", existing != nil), attribute.String("license.plan", string(lic.Plan)))
	l := logging.LicenseContext(m.logger, email, lic.LicenseKey)
	l.Info().
		Bool("existing", existing != nil).
		Str("plan", string(lic.Plan)).
		Msg("License upserted from checkout")
	return lic, nil
}

// resolveRef follows the subscription index, then the customer index. The
// returned License must agree with the index that found it; a License that
// has since moved to another subscription or customer is not touched.
func (m *Manager) resolveRef(ctx context.Context, ref Ref) (*License, error) {
	try := func(index, id string, match func(*License) bool) (*License, error) {
		email, err := kvstore.GetString(ctx, m.store, index)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read index %s: %w", index, err)
		}
		lic, err := m.get(ctx, email)
		if err != nil {
			return nil, err
		}
		if !match(lic) {
			m.logger.Debug().Str("index", index).Msg("Index no longer matches license, ignoring")
			return nil, ErrNotFound
		}
		return lic, nil
	}

	if ref.SubscriptionID != "" {
		lic, err := try(subscriptionIndex(ref.SubscriptionID), ref.SubscriptionID, func(l *License) bool {
			return l.StripeSubscriptionID != nil && *l.StripeSubscriptionID == ref.SubscriptionID
		})
		if err == nil || !errors.Is(err, ErrNotFound) {
			return lic, err
		}
	}
	if ref.CustomerID != "" {
		return try(customerIndex(ref.CustomerID), ref.CustomerID, func(l *License) bool {
			return l.StripeCustomerID == ref.CustomerID
		})
	}
	return nil, ErrNotFound
}

// ApplyStatusTransition folds a provider status change into the License found
// through ref. It returns (nil, false, nil) when nothing is indexed under ref,
// which happens when the event overtakes the checkout that creates the index.
// periodEnd, when set, replaces expiresAt. changed is false when the License
// already had the resulting status and expiry and nothing was written.
func (m *Manager) ApplyStatusTransition(ctx context.Context, ref Ref, providerStatus string, periodEnd *time.Time) (lic *License, changed bool, err error) {
	ctx, span := tracer.Start(ctx, "license.ApplyStatusTransition")
	defer span.End()

	lic, err = m.resolveRef(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		m.logger.Info().
			Str("customer", ref.CustomerID).
			Str("subscription", ref.SubscriptionID).
			Str("provider_status", providerStatus).
			Msg("No license indexed for billing event, skipping")
		m.record("status_noop", nil)
		return nil, false, nil
	}
	if err != nil {
		m.record("status", err)
		return nil, false, err
	}

	// lifetime licenses are not driven by a subscription
	if lic.Plan == PlanLifetime && lic.StripeSubscriptionID == nil {
		m.record("status_noop", nil)
		return lic, false, nil
	}

	status := MapProviderStatus(providerStatus)
	expiresAt := lic.ExpiresAt
	if periodEnd != nil {
		t := periodEnd.UTC()
		expiresAt = &t
	}
	if lic.Status == status && sameTime(lic.ExpiresAt, expiresAt) {
		m.record("status_noop", nil)
		return lic, false, nil
	}

	previous := lic.Status
	lic.Status = status
	lic.ExpiresAt = expiresAt
	lic.UpdatedAt = m.now()
	if err := m.put(ctx, lic); err != nil {
		m.record("status", err)
		return nil, false, err
	}
	m.record("status", nil)

	span.SetAttributes(attribute.String("license.status", string(status)))
	l := logging.LicenseContext(m.logger, lic.Email, lic.LicenseKey)
	l.Info().
		Str("from", string(previous)).
		Str("to", string(status)).
		Str("provider_status", providerStatus).
		Msg("License status changed")
	return lic, true, nil
}

// Lookup resolves a License by exactly one identifier. An index whose License
// is missing, or whose License no longer carries that identifier, is NotFound.
func (m *Manager) Lookup(ctx context.Context, by LookupBy) (*License, error) {
	switch {
	case by.Email != "":
		return m.get(ctx, NormalizeEmail(by.Email))
	case by.LicenseKey != "":
		key := NormalizeKey(by.LicenseKey)
		email, err := kvstore.GetString(ctx, m.store, keyIndex(key))
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read key index: %w", err)
		}
		lic, err := m.get(ctx, email)
		if err != nil {
			return nil, err
		}
		if lic.LicenseKey != key {
			return nil, ErrNotFound
		}
		return lic, nil
	case by.CustomerID != "":
		return m.resolveRef(ctx, Ref{CustomerID: by.CustomerID})
	default:
		return nil, ErrNotFound
	}
}

// Verify checks that licenseKey belongs to email and grants paid features
func (m *Manager) Verify(ctx context.Context, email, licenseKey string) (Verification, error) {
	email = NormalizeEmail(email)
	key := NormalizeKey(licenseKey)
	if email == "" || key == "" {
		return Verification{}, ErrEmailRequired.WithMessage("email and licenseKey required")
	}

	owner, err := kvstore.GetString(ctx, m.store, keyIndex(key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Verification{Reason: "License key not found", Code: "invalid_key"}, nil
	}
	if err != nil {
		return Verification{}, fmt.Errorf("read key index: %w", err)
	}
	if NormalizeEmail(owner) != email {
		return Verification{Reason: "Email does not match", Code: "email_mismatch"}, nil
	}

	lic, err := m.get(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return Verification{Reason: "License data not found", Code: "invalid_key"}, nil
	}
	if err != nil {
		return Verification{}, err
	}
	if lic.LicenseKey != key {
		return Verification{Reason: "License key not found", Code: "invalid_key"}, nil
	}

	v := Verification{Plan: lic.Plan, Status: lic.Status, ExpiresAt: lic.ExpiresAt}
	if !lic.Status.Entitled() {
		v.Reason = "License status: " + string(lic.Status)
		v.Code = "inactive"
		return v, nil
	}
	v.Valid = true
	return v, nil
}

// GrantLifetime gives email a lifetime License outside of billing. An existing
// License is upgraded in place and keeps its key; otherwise a new key is
// minted. Used for referral rewards.
func (m *Manager) GrantLifetime(ctx context.Context, email, source string) (lic *License, err error) {
	ctx, span := tracer.Start(ctx, "license.GrantLifetime")
	defer span.End()
	defer func() { m.record("grant_lifetime", err) }()

	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if source == "" {
		source = CustomerReferral
	}

	existing, err := m.get(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Plan == PlanLifetime && existing.Status == StatusActive {
		return existing, nil
	}

	now := m.now()
	if existing != nil && existing.LicenseKey != "" {
		lic = existing
		lic.Plan = PlanLifetime
		lic.Status = StatusActive
		lic.StripeSubscriptionID = nil
		lic.ExpiresAt = nil
		lic.UpdatedAt = now
		if lic.StripeCustomerID == "" {
			lic.StripeCustomerID = source
		}
	} else {
		key, err := m.allocateKey(ctx)
		if err != nil {
			return nil, err
		}
		lic = &License{
			Email:            email,
			Plan:             PlanLifetime,
			Status:           StatusActive,
			StripeCustomerID: source,
			LicenseKey:       key,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	if err := m.putIndex(ctx, keyIndex(lic.LicenseKey), email); err != nil {
		return nil, err
	}
	if err := m.put(ctx, lic); err != nil {
		return nil, err
	}

	l := logging.LicenseContext(m.logger, email, lic.LicenseKey)
	l.Info().
		Str("source", source).
		Bool("upgraded", existing != nil).
		Msg("Lifetime license granted")
	return lic, nil
}

// SetPlan is the operator override. plan is pro, lifetime or free; free marks
// an existing License expired and is a no-op when there is none.
func (m *Manager) SetPlan(ctx context.Context, email, plan string) (lic *License, err error) {
	ctx, span := tracer.Start(ctx, "license.SetPlan")
	defer span.End()
	defer func() { m.record("admin_set_plan", err) }()

	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrEmailRequired
	}

	existing, err := m.get(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := m.now()

	if plan == "free" {
		if existing == nil {
			return nil, nil
		}
		existing.Status = StatusExpired
		existing.UpdatedAt = now
		if err := m.put(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	p := Plan(plan)
	if !p.Valid() {
		return nil, ErrInvalidPlan
	}

	if existing != nil && existing.LicenseKey != "" {
		lic = existing
	} else {
		key, err := m.allocateKey(ctx)
		if err != nil {
			return nil, err
		}
		lic = &License{Email: email, LicenseKey: key, CreatedAt: now, StripeCustomerID: CustomerAdminGrant}
	}
	lic.Plan = p
	lic.Status = StatusActive
	lic.ExpiresAt = nil
	lic.UpdatedAt = now
	if p == PlanLifetime {
		lic.StripeSubscriptionID = nil
	}

	if err := m.putIndex(ctx, keyIndex(lic.LicenseKey), email); err != nil {
		return nil, err
	}
	if err := m.put(ctx, lic); err != nil {
		return nil, err
	}
	return lic, nil
}

// List returns every License, skipping records that vanish mid-scan
func (m *Manager) List(ctx context.Context) ([]License, error) {
	keys, err := kvstore.ListAll(ctx, m.store, "license:")
	if err != nil {
		return nil, err
	}
	out := make([]License, 0, len(keys))
	err = kvstore.FetchBatch(ctx, m.store, keys, 50, func(key string, value []byte) error {
		var lic License
		if err := json.Unmarshal(value, &lic); err != nil {
			m.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable license record")
			return nil
		}
		out = append(out, lic)
		return nil
	})
	return out, err
}
