// Package users stores identity-provider accounts under user:{googleId} with
// a user-email:{email} index.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
)

const SchemaVersion = 1

var ErrNotFound = apperr.NotFound("USER_NOT_FOUND", "user not found")

// User is one signed-in account. Plan, LicenseKey and StripeCustomerID mirror
// the License for display and are not authoritative.
type User struct {
	SchemaVersion    int       `json:"schemaVersion"`
	GoogleID         string    `json:"googleId"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Picture          string    `json:"picture"`
	CreatedAt        time.Time `json:"createdAt"`
	LastLogin        time.Time `json:"lastLogin"`
	Plan             string    `json:"plan,omitempty"`
	LicenseKey       string    `json:"licenseKey,omitempty"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
}

// Profile is what the identity provider returns
type Profile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type Store struct {
	kv     kvstore.Store
	logger zerolog.Logger
	Clock  func() time.Time
}

func NewStore(kv kvstore.Store, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.With().Str("component", "Users").Logger(),
		Clock:  time.Now,
	}
}

func userKey(googleID string) string { return "user:" + googleID }
func emailKey(email string) string   { return "user-email:" + email }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Get returns the user with googleID
func (s *Store) Get(ctx context.Context, googleID string) (*User, error) {
	var u User
	err := kvstore.GetJSON(ctx, s.kv, userKey(googleID), &u)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	return &u, nil
}

// GetByEmail follows the email index. An index whose user is missing or now
// carries another email is NotFound.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	email = normalizeEmail(email)
	id, err := kvstore.GetString(ctx, s.kv, emailKey(email))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read email index: %w", err)
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if normalizeEmail(u.Email) != email {
		return nil, ErrNotFound
	}
	return u, nil
}

// UpsertFromProfile records a login. created reports a first login.
// The email index is written before the user record; when the email changed
// the old index entry is removed only after the record points at the new one.
func (s *Store) UpsertFromProfile(ctx context.Context, p Profile) (u *User, created bool, err error) {
	if p.ID == "" || p.Email == "" {
		return nil, false, apperr.Validation("INVALID_PROFILE", "profile is missing id or email")
	}

	existing, err := s.Get(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := s.Clock().UTC()
	email := normalizeEmail(p.Email)
	u = &User{
		GoogleID:  p.ID,
		Email:     email,
		Name:      p.Name,
		Picture:   p.Picture,
		CreatedAt: now,
		LastLogin: now,
	}
	if existing != nil {
		u.CreatedAt = existing.CreatedAt
		u.Plan = existing.Plan
		u.LicenseKey = existing.LicenseKey
		u.StripeCustomerID = existing.StripeCustomerID
	}

	if err := kvstore.PutString(ctx, s.kv, emailKey(email), p.ID, 0); err != nil {
		return nil, false, fmt.Errorf("write email index: %w", err)
	}
	if err := s.put(ctx, u); err != nil {
		return nil, false, err
	}

	if existing != nil && normalizeEmail(existing.Email) != email {
		if err := s.kv.Delete(ctx, emailKey(normalizeEmail(existing.Email))); err != nil {
			s.logger.Warn().Err(err).Str("google_id", p.ID).Msg("Failed to remove stale email index")
		}
	}
	return u, existing == nil, nil
}

// LinkLicense mirrors license fields onto the user
func (s *Store) LinkLicense(ctx context.Context, googleID, plan, licenseKey, customerID string) (*User, error) {
	u, err := s.Get(ctx, googleID)
	if err != nil {
		return nil, err
	}
	u.Plan = plan
	u.LicenseKey = licenseKey
	if customerID != "" {
		u.StripeCustomerID = customerID
	}
	if err := s.put(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ClearLicense removes the license mirror, used when an operator sets plan free
func (s *Store) ClearLicense(ctx context.Context, googleID string) error {
	u, err := s.Get(ctx, googleID)
	if err != nil {
		return err
	}
	u.Plan = ""
	u.LicenseKey = ""
	return s.put(ctx, u)
}

// List returns every user, skipping records that vanish mid-scan
func (s *Store) List(ctx context.Context) ([]User, error) {
	keys, err := kvstore.ListAll(ctx, s.kv, "user:")
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(keys))
	err = kvstore.FetchBatch(ctx, s.kv, keys, 50, func(key string, value []byte) error {
		var u User
		if err := json.Unmarshal(value, &u); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable user record")
			return nil
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

func (s *Store) put(ctx context.Context, u *User) error {
	u.SchemaVersion = SchemaVersion
	if err := kvstore.PutJSON(ctx, s.kv, userKey(u.GoogleID), u, 0); err != nil {
		return fmt.Errorf("write user: %w", err)
	}
	return nil
}
