package api

import (
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"patapim-server/internal/devices"
	"patapim-server/internal/events"
	"patapim-server/internal/feedback"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/users"
)

const adminPageSize = 50

func (s *Server) handleAdminStats(c *gin.Context) {
	days, _ := strconv.Atoi(c.Query("days"))
	snap, err := s.svc.Stats.Snapshot(c.Request.Context(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type adminUser struct {
	GoogleID      string    `json:"googleId"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
	Plan          string    `json:"plan"`
	LicenseStatus *string   `json:"licenseStatus"`
	LicenseKey    *string   `json:"licenseKey"`
	DeviceCount   int       `json:"deviceCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastLogin     time.Time `json:"lastLogin"`
}

// handleAdminUsers joins users with their license and device count. The
// cursor is an offset into the filtered, newest-first list.
func (s *Server) handleAdminUsers(c *gin.Context) {
	search := strings.ToLower(strings.TrimSpace(c.Query("search")))
	planFilter := c.DefaultQuery("plan", "all")
	start, _ := strconv.Atoi(c.Query("cursor"))
	if start < 0 {
		start = 0
	}

	var (
		userList []users.User
		licenses []license.License
		devs     []devices.Device
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) { userList, err = s.svc.Users.List(ctx); return })
	g.Go(func() (err error) { licenses, err = s.svc.Licenses.List(ctx); return })
	g.Go(func() (err error) { devs, err = s.svc.Devices.All(ctx); return })
	if err := g.Wait(); err != nil {
		respondError(c, err)
		return
	}

	byEmail := make(map[string]*license.License, len(licenses))
	for i := range licenses {
		byEmail[licenses[i].Email] = &licenses[i]
	}
	deviceCount := make(map[string]int)
	for _, d := range devs {
		deviceCount[d.GoogleID]++
	}

	filtered := make([]adminUser, 0, len(userList))
	for _, u := range userList {
		entry := adminUser{
			GoogleID:    u.GoogleID,
			Email:       u.Email,
			Name:        u.Name,
			Picture:     u.Picture,
			Plan:        u.Plan,
			DeviceCount: deviceCount[u.GoogleID],
			CreatedAt:   u.CreatedAt,
			LastLogin:   u.LastLogin,
		}
		if lic := byEmail[license.NormalizeEmail(u.Email)]; lic != nil {
			entry.Plan = string(lic.Plan)
			status, key := string(lic.Status), lic.LicenseKey
			entry.LicenseStatus, entry.LicenseKey = &status, &key
		}
		if entry.Plan == "" {
			entry.Plan = devices.PlanFree
		}

		if search != "" && !strings.Contains(strings.ToLower(u.Email), search) && !strings.Contains(strings.ToLower(u.Name), search) {
			continue
		}
		if planFilter != "all" && entry.Plan != planFilter {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	page := []adminUser{}
	if start < len(filtered) {
		page = filtered[start:min(start+adminPageSize, len(filtered))]
	}
	var next *string
	if start+adminPageSize < len(filtered) {
		n := strconv.Itoa(start + adminPageSize)
		next = &n
	}
	c.JSON(http.StatusOK, gin.H{"users": page, "total": len(filtered), "nextCursor": next})
}

type referrerRow struct {
	Email           string           `json:"email"`
	Invited         int              `json:"invited"`
	Activated       int              `json:"activated"`
	ConversionRate  float64          `json:"conversionRate"`
	RewardGranted   bool             `json:"rewardGranted"`
	RewardGrantedAt *time.Time       `json:"rewardGrantedAt"`
	Referrals       []referral.Entry `json:"referrals"`
}

func conversion(activated, invited int) float64 {
	if invited == 0 {
		return 0
	}
	return math.Round(float64(activated)/float64(invited)*1000) / 10
}

func (s *Server) handleAdminReferrals(c *gin.Context) {
	ledgers, err := s.svc.Referrals.Ledgers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	rows := make([]referrerRow, 0, len(ledgers))
	invitations, activations, rewards := 0, 0, 0
	for _, l := range ledgers {
		invited := len(l.Referrals)
		invitations += invited
		activations += l.ActivatedCount
		if l.RewardGranted {
			rewards++
		}
		refs := l.Referrals
		if refs == nil {
			refs = []referral.Entry{}
		}
		rows = append(rows, referrerRow{
			Email:           l.ReferrerEmail,
			Invited:         invited,
			Activated:       l.ActivatedCount,
			ConversionRate:  conversion(l.ActivatedCount, invited),
			RewardGranted:   l.RewardGranted,
			RewardGrantedAt: l.RewardGrantedAt,
			Referrals:       refs,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Activated > rows[j].Activated })

	c.JSON(http.StatusOK, gin.H{
		"summary": gin.H{
			"totalReferrers":   len(rows),
			"totalInvitations": invitations,
			"totalActivations": activations,
			"conversionRate":   conversion(activations, invitations),
			"totalRewards":     rewards,
		},
		"referrers": rows,
	})
}

func (s *Server) handleAdminBugs(c *gin.Context) {
	bugs, err := s.svc.Feedback.ListBugs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bugs": bugs, "total": len(bugs)})
}

func (s *Server) handleAdminFeedback(c *gin.Context) {
	entries, err := s.svc.Feedback.ListFeedback(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": entries, "total": len(entries)})
}

func (s *Server) handleAdminAudit(c *gin.Context) {
	log, err := s.svc.Feedback.AuditLog(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": log, "total": len(log)})
}

type updatePlanRequest struct {
	Email    string `json:"email"`
	GoogleID string `json:"googleId"`
	Plan     string `json:"plan"`
}

// handleAdminUpdatePlan overrides a user's plan, mirrors it onto the user
// record and writes an audit entry
func (s *Server) handleAdminUpdatePlan(c *gin.Context) {
	var req updatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}
	switch req.Plan {
	case string(license.PlanPro), string(license.PlanLifetime), devices.PlanFree:
	default:
		req.Plan = ""
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.GoogleID) == "" || req.Plan == "" {
		badRequest(c, "INVALID_FIELDS", "Missing or invalid fields")
		return
	}

	ctx := c.Request.Context()
	lic, err := s.svc.Licenses.SetPlan(ctx, req.Email, req.Plan)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Plan == devices.PlanFree {
		err = s.svc.Users.ClearLicense(ctx, req.GoogleID)
	} else {
		_, err = s.svc.Users.LinkLicense(ctx, req.GoogleID, req.Plan, lic.LicenseKey, license.CustomerAdminGrant)
	}
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		respondError(c, err)
		return
	}

	admin := "admin-token"
	if sess := currentSession(c); sess != nil {
		admin = sess.Email
	}
	entry := feedback.AuditEntry{
		Action:         "plan-change",
		AdminEmail:     admin,
		TargetEmail:    license.NormalizeEmail(req.Email),
		TargetGoogleID: req.GoogleID,
		NewPlan:        req.Plan,
	}
	if err := s.svc.Feedback.Audit(ctx, entry); err != nil {
		respondError(c, err)
		return
	}

	if s.svc.Bus != nil {
		s.svc.Bus.Publish(events.Event{
			Type:  events.EventAdminPlanOverride,
			Owner: entry.TargetEmail,
			Data:  map[string]interface{}{"email": entry.TargetEmail, "plan": req.Plan, "admin": admin},
		})
		if lic != nil {
			s.svc.Bus.PublishLicenseUpdated(lic.Email, string(lic.Plan), string(lic.Status), "admin_override")
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "plan": req.Plan})
}
