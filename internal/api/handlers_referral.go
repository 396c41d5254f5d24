package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/apperr"
)

func (s *Server) handleReferralCode(c *gin.Context) {
	sess := currentSession(c)
	code, url, err := s.svc.Referrals.CodeFor(c.Request.Context(), sess.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "url": url})
}

type claimRequest struct {
	Code string `json:"code"`
}

// handleReferralClaim attaches the signed-in user to a referral code. An
// unknown code is a soft failure, not an error status.
func (s *Server) handleReferralClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	sess := currentSession(c)
	res, err := s.svc.Referrals.Claim(c.Request.Context(), req.Code, sess.Email)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && apperr.HTTPStatus(err) < http.StatusInternalServerError {
			c.JSON(http.StatusOK, gin.H{"claimed": false, "reason": ae.Message})
			return
		}
		respondError(c, err)
		return
	}
	if !res.Activated {
		c.JSON(http.StatusOK, gin.H{"claimed": false, "reason": res.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": true, "rewardGranted": res.RewardGranted})
}

type inviteRequest struct {
	FriendEmail string `json:"friendEmail"`
}

func (s *Server) handleReferralInvite(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	sess := currentSession(c)
	if err := s.svc.Referrals.Invite(c.Request.Context(), sess.Email, req.FriendEmail); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && apperr.HTTPStatus(err) == http.StatusBadRequest {
			c.JSON(http.StatusBadRequest, gin.H{"error": ae.Message})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleReferralStatus(c *gin.Context) {
	sess := currentSession(c)
	sum, err := s.svc.Referrals.Status(c.Request.Context(), sess.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
