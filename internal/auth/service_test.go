package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"patapim-server/config"
	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/tokens"
	"patapim-server/internal/users"
)

const adminToken = "operator-token-0123456789abcdef"

type fakeGoogle struct {
	*httptest.Server
	profile users.Profile
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{profile: users.Profile{ID: "g-100", Email: "Ann@Example.com", Name: "Ann", Picture: "https://img/ann"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.profile)
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func newTestService(t *testing.T) (*Service, *fakeGoogle) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)

	s := NewService(config.AuthConfig{
		JWTSecret:      "test-secret",
		AdminEmails:    []string{"boss@example.com"},
		AdminTokenHash: string(hash),
	}, config.GoogleConfig{
		ClientID:     "client-1",
		ClientSecret: "shh",
		RedirectURL:  "https://patapim.test/api/auth/callback",
	}, tokens.NewVault(store), store, users.NewStore(store, zerolog.Nop()), zerolog.Nop())

	g := newFakeGoogle(t)
	s.oauth.Endpoint = oauth2.Endpoint{
		AuthURL:   g.URL + "/auth",
		TokenURL:  g.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	s.userInfoURL = g.URL + "/userinfo"
	return s, g
}

func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "client-1", u.Query().Get("client_id"))
	assert.Equal(t, "select_account", u.Query().Get("prompt"))
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func login(t *testing.T, s *Service) *Login {
	t.Helper()
	ctx := context.Background()
	authURL, err := s.BeginLogin(ctx, LoginOptions{})
	require.NoError(t, err)
	l, err := s.CompleteLogin(ctx, stateFrom(t, authURL), "good-code")
	require.NoError(t, err)
	return l
}

func requestWithCookie(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	}
	return req
}

func TestCompleteLoginCreatesUserAndSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	authURL, err := s.BeginLogin(ctx, LoginOptions{PairSession: "pair-123"})
	require.NoError(t, err)
	state := stateFrom(t, authURL)

	l, err := s.CompleteLogin(ctx, state, "good-code")
	require.NoError(t, err)
	assert.True(t, l.Created)
	assert.Equal(t, "pair-123", l.PairSession)
	assert.Equal(t, "ann@example.com", l.User.Email)

	sess, err := s.SessionFromRequest(requestWithCookie(l.Token))
	require.NoError(t, err)
	assert.Equal(t, "g-100", sess.GoogleID)
	assert.Equal(t, SessionUser{Name: "Ann", Email: "ann@example.com", Picture: "https://img/ann"}, sess.User())

	_, err = s.CompleteLogin(ctx, state, "good-code")
	assert.ErrorIs(t, err, ErrInvalidState, "state is single use")

	again := login(t, s)
	assert.False(t, again.Created)
	assert.NotEqual(t, l.Session.ID, again.Session.ID)
}

func TestCompleteLoginFailures(t *testing.T) {
	ctx := context.Background()
	s, g := newTestService(t)

	_, err := s.CompleteLogin(ctx, "", "code")
	assert.ErrorIs(t, err, ErrMissingCode)

	_, err = s.CompleteLogin(ctx, "never-issued", "good-code")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))

	authURL, err := s.BeginLogin(ctx, LoginOptions{})
	require.NoError(t, err)
	_, err = s.CompleteLogin(ctx, stateFrom(t, authURL), "bad-code")
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))

	g.profile.Email = ""
	authURL, err = s.BeginLogin(ctx, LoginOptions{})
	require.NoError(t, err)
	_, err = s.CompleteLogin(ctx, stateFrom(t, authURL), "good-code")
	assert.ErrorIs(t, err, ErrProfileFetch)
}

func TestSessionResolution(t *testing.T) {
	s, _ := newTestService(t)
	l := login(t, s)

	_, err := s.SessionFromRequest(requestWithCookie(""))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = s.SessionFromRequest(requestWithCookie(l.Token + "x"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged, err := NewJWTManager("other-secret", time.Hour).Sign(l.Session.ID)
	require.NoError(t, err)
	_, err = s.SessionFromRequest(requestWithCookie(forged))
	assert.ErrorIs(t, err, ErrInvalidToken)

	s.Clock = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = s.SessionFromRequest(requestWithCookie(l.Token))
	assert.True(t, apperr.IsUnauthorized(err), "session past its expiry")
}

func TestLogoutRevokesSession(t *testing.T) {
	s, _ := newTestService(t)
	l := login(t, s)

	require.NoError(t, s.Logout(requestWithCookie(l.Token)))
	_, err := s.SessionFromRequest(requestWithCookie(l.Token))
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.NoError(t, s.Logout(requestWithCookie("")), "logout without a session is a no-op")
	assert.Equal(t, -1, s.ClearCookie().MaxAge)
}

func TestJWTExpiry(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := m.Sign("sess-1")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	fresh, err := m.Sign("sess-1")
	require.NoError(t, err)
	id, err := m.Parse(fresh)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, g := newTestService(t)
	user := login(t, s)

	g.profile = users.Profile{ID: "g-boss", Email: "boss@example.com", Name: "Boss"}
	boss := login(t, s)

	r := gin.New()
	r.GET("/me", Middleware(s), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"email": GetSession(c).Email})
	})
	r.GET("/maybe", OptionalMiddleware(s), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"authenticated": GetSession(c) != nil})
	})
	r.GET("/admin", RequireAdmin(s), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})

	serve := func(path, token, bearer string) *httptest.ResponseRecorder {
		req := requestWithCookie(token)
		req.URL.Path = path
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"UNAUTHORIZED","message":"authentication required"}`, rec.Body.String())

	rec = serve("/me", user.Token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"email":"ann@example.com"}`, rec.Body.String())

	assert.JSONEq(t, `{"authenticated":false}`, serve("/maybe", "", "").Body.String())
	assert.JSONEq(t, `{"authenticated":true}`, serve("/maybe", user.Token, "").Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve("/admin", "", "").Code)
	assert.Equal(t, http.StatusForbidden, serve("/admin", user.Token, "").Code)
	assert.Equal(t, http.StatusOK, serve("/admin", boss.Token, "").Code)
	assert.Equal(t, http.StatusOK, serve("/admin", "", adminToken).Code)
	assert.Equal(t, http.StatusUnauthorized, serve("/admin", boss.Token, "wrong-token").Code)
}

func TestAdminTokenHashing(t *testing.T) {
	_, err := HashAdminToken("short", bcrypt.MinCost)
	assert.Error(t, err)

	tok, err := GenerateAdminToken()
	require.NoError(t, err)
	hash, err := HashAdminToken(tok, bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, VerifyAdminToken(tok, hash))
	assert.False(t, VerifyAdminToken(tok+"x", hash))
	assert.False(t, VerifyAdminToken(tok, ""))
}
