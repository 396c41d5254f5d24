package auth

import (
	"time"

	"patapim-server/internal/apperr"
)

const (
	// CookieName carries the signed session id
	CookieName = "__patapim_session"
	// PairCookieName carries the desktop pairing session through the OAuth round trip
	PairCookieName = "__patapim_pair"

	// UserInfoURL returns the signed-in Google profile
	UserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	sessionPrefix = "session:"
)

var (
	ErrMissingCode   = apperr.Validation("missing_code", "Missing code or state")
	ErrInvalidState  = apperr.Validation("invalid_state", "Invalid or expired state")
	ErrTokenExchange = apperr.Upstream("token_exchange_failed", "Token exchange failed", nil)
	ErrProfileFetch  = apperr.Upstream("profile_fetch_failed", "Failed to fetch user info", nil)
	ErrUnauthorized  = apperr.Unauthorized("UNAUTHORIZED", "authentication required")
	ErrInvalidToken  = apperr.Unauthorized("INVALID_SESSION", "invalid session")
	ErrTokenExpired  = apperr.Unauthorized("SESSION_EXPIRED", "session expired")
	ErrForbidden     = apperr.Forbidden("FORBIDDEN", "admin access required")
)

// Session is what a signed-in browser resolves to
type Session struct {
	ID        string    `json:"id"`
	GoogleID  string    `json:"googleId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionUser is the public part of a session
type SessionUser struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

func (s *Session) User() SessionUser {
	return SessionUser{Name: s.Name, Email: s.Email, Picture: s.Picture}
}

// LoginOptions travel inside the OAuth state
type LoginOptions struct {
	PairSession string `json:"pairSession,omitempty"`
}

type loginState struct {
	LoginOptions
	CreatedAt time.Time `json:"createdAt"`
}
