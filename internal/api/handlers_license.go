package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/apperr"
	"patapim-server/internal/events"
	"patapim-server/internal/license"
)

type verifyLicenseRequest struct {
	Email      string `json:"email"`
	LicenseKey string `json:"licenseKey"`
}

func (s *Server) handleVerifyLicense(c *gin.Context) {
	var req verifyLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	v, err := s.svc.Licenses.Verify(c.Request.Context(), req.Email, req.LicenseKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type extendTrialRequest struct {
	Email     string                 `json:"email"`
	MachineID string                 `json:"machineId"`
	Feedback  *license.TrialFeedback `json:"feedback"`
}

// handleExtendTrial trades a questionnaire for TrialExtensionDays more days.
// Failures answer {success:false, error} like the desktop client expects.
func (s *Server) handleExtendTrial(c *gin.Context) {
	fail := func(status int, msg string) {
		c.JSON(status, gin.H{"success": false, "error": msg})
	}

	var req extendTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Feedback == nil {
		fail(http.StatusBadRequest, "Missing required fields: email, machineId, feedback.")
		return
	}

	trial, err := s.svc.Trials.ExtendTrial(c.Request.Context(), req.Email, req.MachineID, clientIP(c), *req.Feedback)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && apperr.HTTPStatus(err) < http.StatusInternalServerError {
			fail(apperr.HTTPStatus(err), ae.Message)
			return
		}
		respondError(c, err)
		return
	}

	if s.svc.Bus != nil {
		s.svc.Bus.Publish(events.Event{
			Type:  events.EventTrialExtended,
			Owner: trial.Email,
			Data: map[string]interface{}{
				"email":    trial.Email,
				"trialEnd": trial.TrialEnd.Format(time.RFC3339),
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"trialEnd": trial.TrialEnd,
		"message":  "Trial extended by 14 days. Enjoy PATAPIM Pro!",
	})
}
