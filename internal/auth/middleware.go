package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/apperr"
)

const (
	ContextKeySession = "auth_session"
	ContextKeyIsAdmin = "auth_is_admin"
)

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.CodeOf(err),
		"message": apperr.MessageOf(err),
	})
}

// Middleware requires a valid session cookie
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.SessionFromRequest(c.Request)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(ContextKeySession, sess)
		c.Next()
	}
}

// OptionalMiddleware sets the session if one is present
func OptionalMiddleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess, err := s.SessionFromRequest(c.Request); err == nil {
			c.Set(ContextKeySession, sess)
		}
		c.Next()
	}
}

// RequireAdmin accepts an operator session or an admin bearer token
func RequireAdmin(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c.GetHeader("Authorization")); token != "" {
			if s.VerifyAdminToken(token) {
				c.Set(ContextKeyIsAdmin, true)
				c.Next()
				return
			}
			abort(c, ErrInvalidToken)
			return
		}

		sess, err := s.SessionFromRequest(c.Request)
		if err != nil {
			abort(c, err)
			return
		}
		if !s.IsAdmin(sess.Email) {
			abort(c, ErrForbidden)
			return
		}

		c.Set(ContextKeySession, sess)
		c.Set(ContextKeyIsAdmin, true)
		c.Next()
	}
}

func bearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// BearerToken extracts the token of an Authorization: Bearer header
func BearerToken(r *http.Request) string {
	return bearer(r.Header.Get("Authorization"))
}

// GetSession returns the session set by Middleware, or nil
func GetSession(c *gin.Context) *Session {
	if v, exists := c.Get(ContextKeySession); exists {
		if sess, ok := v.(*Session); ok {
			return sess
		}
	}
	return nil
}

// IsAdmin reports whether RequireAdmin admitted the request
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyIsAdmin)
}
