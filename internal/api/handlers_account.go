package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"patapim-server/internal/devices"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/users"
)

type accountUser struct {
	GoogleID   string `json:"googleId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Picture    string `json:"picture"`
	Plan       string `json:"plan,omitempty"`
	LicenseKey string `json:"licenseKey,omitempty"`
}

type accountStatus struct {
	User     accountUser      `json:"user"`
	License  *license.License `json:"license"`
	Referral referral.Summary `json:"referral"`
	Devices  []devices.Status `json:"devices"`
}

// handleAccountStatus gathers everything the dashboard shows in one call
func (s *Server) handleAccountStatus(c *gin.Context) {
	sess := currentSession(c)
	out := accountStatus{
		User: accountUser{
			GoogleID: sess.GoogleID,
			Email:    sess.Email,
			Name:     sess.Name,
			Picture:  sess.Picture,
		},
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		u, err := s.svc.Users.Get(ctx, sess.GoogleID)
		if errors.Is(err, users.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.User.Plan = u.Plan
		out.User.LicenseKey = u.LicenseKey
		return nil
	})
	g.Go(func() error {
		lic, err := s.svc.Licenses.Lookup(ctx, license.LookupBy{Email: sess.Email})
		if errors.Is(err, license.ErrNotFound) {
			return nil
		}
		out.License = lic
		return err
	})
	g.Go(func() error {
		sum, err := s.svc.Referrals.Status(ctx, sess.Email)
		out.Referral = sum
		return err
	})
	g.Go(func() error {
		list, err := s.svc.Devices.List(ctx, ownerOf(sess))
		out.Devices = list
		return err
	})
	if err := g.Wait(); err != nil {
		respondError(c, err)
		return
	}

	if out.Devices == nil {
		out.Devices = []devices.Status{}
	}
	c.JSON(http.StatusOK, out)
}
