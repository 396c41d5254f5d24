package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"patapim-server/config"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/tokens"
	"patapim-server/internal/users"
)

var tracer = otel.Tracer("patapim-server/internal/auth")

const profileBodyLimit = 64 << 10

// Login is the outcome of a completed OAuth round trip
type Login struct {
	User        *users.User
	Created     bool
	Session     *Session
	Token       string
	PairSession string
}

// Service runs Google sign-in and resolves browser sessions
type Service struct {
	vault       *tokens.Vault
	sessions    kvstore.Store
	users       *users.Store
	oauth       *oauth2.Config
	jwt         *JWTManager
	cfg         config.AuthConfig
	client      *http.Client
	userInfoURL string
	logger      zerolog.Logger
	Clock       func() time.Time
}

// NewService creates the auth service. sessions holds session:{id} records.
func NewService(cfg config.AuthConfig, google config.GoogleConfig, vault *tokens.Vault, sessions kvstore.Store, u *users.Store, logger zerolog.Logger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = tokens.OAuthStateTTL
	}
	return &Service{
		vault:    vault,
		sessions: sessions,
		users:    u,
		oauth: &oauth2.Config{
			ClientID:     google.ClientID,
			ClientSecret: google.ClientSecret,
			RedirectURL:  google.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoints.Google,
		},
		jwt:         NewJWTManager(cfg.JWTSecret, cfg.SessionTTL),
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		userInfoURL: UserInfoURL,
		logger:      logger.With().Str("component", "Auth").Logger(),
		Clock:       time.Now,
	}
}

// BeginLogin stores a one-time state and returns the provider consent URL
func (s *Service) BeginLogin(ctx context.Context, opts LoginOptions) (string, error) {
	state, err := s.vault.Issue(ctx, tokens.NamespaceOAuthState, loginState{
		LoginOptions: opts,
		CreatedAt:    s.Clock().UTC(),
	}, s.cfg.StateTTL)
	if err != nil {
		return "", fmt.Errorf("issue oauth state: %w", err)
	}
	return s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

// CompleteLogin consumes state, exchanges code, records the user and opens a
// session. The state is consumed before the exchange so it cannot be replayed
// even when the exchange fails.
func (s *Service) CompleteLogin(ctx context.Context, state, code string) (*Login, error) {
	if state == "" || code == "" {
		return nil, ErrMissingCode
	}

	ctx, span := tracer.Start(ctx, "auth.CompleteLogin")
	defer span.End()

	var st loginState
	if err := s.vault.Consume(ctx, tokens.NamespaceOAuthState, state, &st); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, ErrTokenExchange.Wrap(err)
	}

	profile, err := s.fetchProfile(ctx, tok)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.google_id", profile.ID))

	u, created, err := s.users.UpsertFromProfile(ctx, *profile)
	if err != nil {
		return nil, err
	}

	sess, signed, err := s.createSession(ctx, u)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("google_id", u.GoogleID).
		Bool("created", created).
		Bool("pairing", st.PairSession != "").
		Msg("User signed in")

	return &Login{
		User:        u,
		Created:     created,
		Session:     sess,
		Token:       signed,
		PairSession: st.PairSession,
	}, nil
}

func (s *Service) fetchProfile(ctx context.Context, tok *oauth2.Token) (*users.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, ErrProfileFetch.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrProfileFetch.Wrap(fmt.Errorf("userinfo returned %d", resp.StatusCode))
	}

	var p users.Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, profileBodyLimit)).Decode(&p); err != nil {
		return nil, ErrProfileFetch.Wrap(err)
	}
	if p.ID == "" || p.Email == "" {
		return nil, ErrProfileFetch.Wrap(errors.New("profile is missing id or email"))
	}
	return &p, nil
}

func (s *Service) createSession(ctx context.Context, u *users.User) (*Session, string, error) {
	now := s.Clock().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		GoogleID:  u.GoogleID,
		Email:     u.Email,
		Name:      u.Name,
		Picture:   u.Picture,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := kvstore.PutJSON(ctx, s.sessions, sessionPrefix+sess.ID, sess, s.cfg.SessionTTL); err != nil {
		return nil, "", fmt.Errorf("write session: %w", err)
	}
	signed, err := s.jwt.Sign(sess.ID)
	if err != nil {
		return nil, "", err
	}
	return sess, signed, nil
}

// Session resolves a signed cookie value
func (s *Service) Session(ctx context.Context, token string) (*Session, error) {
	id, err := s.jwt.Parse(token)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := kvstore.GetJSON(ctx, s.sessions, sessionPrefix+id, &sess); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !sess.ExpiresAt.IsZero() && !s.Clock().Before(sess.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &sess, nil
}

// SessionFromRequest resolves the session cookie of r
func (s *Service) SessionFromRequest(r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil, ErrUnauthorized
	}
	return s.Session(r.Context(), c.Value)
}

// Logout deletes the session named by r's cookie, if any
func (s *Service) Logout(r *http.Request) error {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	id, err := s.jwt.Parse(c.Value)
	if err != nil {
		return nil
	}
	return s.sessions.Delete(r.Context(), sessionPrefix+id)
}

// SessionCookie builds the Set-Cookie for a signed session token
func (s *Service) SessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie
func (s *Service) ClearCookie() *http.Cookie {
	c := s.SessionCookie("")
	c.MaxAge = -1
	return c
}

// IsAdmin reports whether email is an operator account
func (s *Service) IsAdmin(email string) bool {
	for _, admin := range s.cfg.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(admin), email) {
			return true
		}
	}
	return false
}

// VerifyAdminToken checks a bearer token against the configured hash
func (s *Service) VerifyAdminToken(token string) bool {
	return VerifyAdminToken(token, s.cfg.AdminTokenHash)
}
