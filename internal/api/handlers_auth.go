package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/auth"
	"patapim-server/internal/devices"
	"patapim-server/internal/logging"
)

const pairCookieMaxAge = 600

// handleGoogleLogin redirects to the Google consent screen. A pair query
// carries the desktop app's pairing session through the round trip.
func (s *Server) handleGoogleLogin(c *gin.Context) {
	pair := strings.TrimSpace(c.Query("pair"))
	if pair != "" {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     auth.PairCookieName,
			Value:    pair,
			Path:     "/",
			MaxAge:   pairCookieMaxAge,
			HttpOnly: true,
			Secure:   s.config.Production,
			SameSite: http.SameSiteLaxMode,
		})
	}

	target, err := s.svc.Auth.BeginLogin(c.Request.Context(), auth.LoginOptions{PairSession: pair})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

// handleAuthCallback finishes sign-in. Referral activation and auto-pairing
// are best effort and never fail the login.
func (s *Server) handleAuthCallback(c *gin.Context) {
	if c.Query("error") != "" {
		c.Redirect(http.StatusFound, s.siteURL+"/pricing")
		return
	}

	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	login, err := s.svc.Auth.CompleteLogin(ctx, c.Query("state"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	http.SetCookie(c.Writer, s.svc.Auth.SessionCookie(login.Token))

	if login.Created && s.svc.Bus != nil {
		s.svc.Bus.PublishUserSignedUp(login.User.GoogleID, login.User.Email)
	}

	if s.svc.Referrals != nil {
		if res, err := s.svc.Referrals.Activate(ctx, login.User.Email); err != nil {
			logger.Warn().Err(err).Msg("Referral activation on login failed")
		} else if res.Activated {
			logger.Info().Bool("reward_granted", res.RewardGranted).Msg("Referral activated on login")
		}
	}

	pair := login.PairSession
	if pair == "" {
		if ck, err := c.Request.Cookie(auth.PairCookieName); err == nil {
			pair = ck.Value
		}
	}
	if pair != "" {
		http.SetCookie(c.Writer, &http.Cookie{Name: auth.PairCookieName, Value: "", Path: "/", MaxAge: -1})
		owner := devices.Owner{GoogleID: login.User.GoogleID, Email: login.User.Email}
		if _, err := s.svc.Devices.AutoPair(ctx, owner, pair); err != nil {
			logger.Warn().Err(err).Msg("Auto-pair on login failed")
		} else {
			c.Redirect(http.StatusFound, s.siteURL+"/go?paired=1")
			return
		}
	}

	c.Redirect(http.StatusFound, s.siteURL+"/go")
}

func (s *Server) handleSession(c *gin.Context) {
	sess := currentSession(c)
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "user": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": sess.User()})
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.svc.Auth.Logout(c.Request); err != nil {
		reqLog := logging.FromContext(c.Request.Context())
		reqLog.Warn().Err(err).Msg("Failed to delete session")
	}
	http.SetCookie(c.Writer, s.svc.Auth.ClearCookie())
	c.JSON(http.StatusOK, gin.H{"success": true})
}
