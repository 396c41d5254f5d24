// Package license owns the License record and its secondary indices (by
// license key, by billing customer id, by subscription id). Every mutation
// re-reads the current record and writes back a merged copy; indices are
// written before the primary so a reader following an index either finds the
// License or treats the miss as not-found.
package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"patapim-server/internal/apperr"
)

// SchemaVersion is the current License record layout. Records written before
// versioning decode with SchemaVersion 0 and are upgraded on their next write.
const SchemaVersion = 1

// Plan is the entitlement a License grants
type Plan string

const (
	PlanPro      Plan = "pro"
	PlanLifetime Plan = "lifetime"
)

func (p Plan) Valid() bool {
	return p == PlanPro || p == PlanLifetime
}

// Status is the License lifecycle state, independent of its plan
type Status string

const (
	StatusActive        Status = "active"
	StatusTrialing      Status = "trialing"
	StatusPastDue       Status = "past_due"
	StatusCanceled      Status = "canceled"
	StatusExpired       Status = "expired"
	StatusPaymentFailed Status = "payment_failed"
)

// Entitled reports whether the status grants paid features
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// License is the entitlement record stored under license:{email}
type License struct {
	SchemaVersion        int        `json:"schemaVersion"`
	Email                string     `json:"email"`
	Plan                 Plan       `json:"plan"`
	Status               Status     `json:"status"`
	StripeCustomerID     string     `json:"stripeCustomerId"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId"`
	LicenseKey           string     `json:"licenseKey"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt"`
}

// Customer ids recorded for licenses that did not come from a checkout
const (
	CustomerReferral   = "referral"
	CustomerAdminGrant = "admin-grant"
)

// Key layout: PTPM- followed by KeyGroups groups of four symbols
const (
	KeyPrefix    = "PTPM"
	KeyAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	KeyGroups    = 4
	keyGroupSize = 4
)

// keyPattern also accepts the three-group form issued by older tooling
var keyPattern = regexp.MustCompile(`^PTPM(-[A-HJ-NP-Z2-9]{4}){3,4}$`)

var (
	ErrNotFound      = apperr.NotFound("LICENSE_NOT_FOUND", "license not found")
	ErrEmailRequired = apperr.Validation("EMAIL_REQUIRED", "email is required")
	ErrInvalidPlan   = apperr.Validation("INVALID_PLAN", "plan must be pro, lifetime or free")
)

// GenerateKey returns a new random license key. The alphabet has 32 symbols
// so each random byte maps onto it without bias.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyGroups*keyGroupSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	for i, b := range buf {
		if i%keyGroupSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(KeyAlphabet[b&31])
	}
	return sb.String(), nil
}

// NormalizeKey upper-cases and trims a user-supplied key
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key has the PTPM-XXXX-XXXX-XXXX-XXXX shape
// or the older three-group one
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(NormalizeKey(key))
}

// NormalizeEmail is applied to every email before it becomes part of a key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MapProviderStatus maps a billing provider subscription status onto Status.
// Unknown values map to active so a new provider status never locks a paying
// customer out.
func MapProviderStatus(providerStatus string) Status {
	switch strings.ToLower(providerStatus) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	case "incomplete_expired", "expired":
		return StatusExpired
	case "payment_failed":
		return StatusPaymentFailed
	default:
		return StatusActive
	}
}

func initialStatus(plan Plan) Status {
	if plan == PlanPro {
		return StatusTrialing
	}
	return StatusActive
}

func licenseKeyOf(email string) string   { return "license:" + email }
func keyIndex(licenseKey string) string  { return "key:" + licenseKey }
func customerIndex(id string) string     { return "customer:" + id }
func subscriptionIndex(id string) string { return "subscription:" + id }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sameBilling reports whether the License is tied to this customer and
// subscription
func (l *License) sameBilling(customerID, subscriptionID string) bool {
	if l.StripeCustomerID != customerID {
		return false
	}
	if l.StripeSubscriptionID == nil {
		return subscriptionID == ""
	}
	return *l.StripeSubscriptionID == subscriptionID
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
