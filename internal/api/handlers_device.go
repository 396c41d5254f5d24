package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/auth"
	"patapim-server/internal/devices"
	"patapim-server/internal/logging"
	"patapim-server/internal/tokens"
)

// deviceToken reads the device credential from the Authorization header,
// falling back to the deviceToken field older desktop builds put in the body
func deviceToken(c *gin.Context, fallback string) string {
	if t := auth.BearerToken(c.Request); t != "" {
		return t
	}
	return strings.TrimSpace(fallback)
}

func requireDeviceToken(c *gin.Context, token string) bool {
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "DEVICE_TOKEN_REQUIRED", "message": "device token required"})
		return false
	}
	return true
}

func (s *Server) handlePairCode(c *gin.Context) {
	code, _, err := s.svc.Devices.CreatePairingCode(c.Request.Context(), ownerOf(currentSession(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "expiresIn": int(tokens.PairCodeTTL.Seconds())})
}

type pairExchangeRequest struct {
	Code       string `json:"code"`
	DeviceName string `json:"deviceName"`
	MachineID  string `json:"machineId"`
}

func (s *Server) handlePairExchange(c *gin.Context) {
	var req pairExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	res, err := s.svc.Devices.ExchangePairingCode(c.Request.Context(), req.Code, req.DeviceName, req.MachineID)
	if err != nil {
		respondError(c, err)
		return
	}

	var lic interface{}
	if res.LicenseKey != "" {
		lic = gin.H{"licenseKey": res.LicenseKey, "plan": res.Plan, "status": res.LicenseStatus}
	}
	c.JSON(http.StatusOK, gin.H{"deviceToken": res.DeviceToken, "email": res.Email, "license": lic})
}

type pollRequest struct {
	SessionID string `json:"sessionId"`
}

// handlePollPairing accepts the session id as ?session= or a JSON body
func (s *Server) handlePollPairing(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" && c.Request.Method == http.MethodPost {
		var req pollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "INVALID_JSON", "Invalid JSON")
			return
		}
		sessionID = req.SessionID
	}

	res, ready, err := s.svc.Devices.PollPairing(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ready {
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ready",
		"deviceToken":   res.DeviceToken,
		"email":         res.Email,
		"plan":          res.Plan,
		"licenseStatus": res.LicenseStatus,
		"licenseKey":    res.LicenseKey,
	})
}

type heartbeatRequest struct {
	DeviceToken string `json:"deviceToken"`
	devices.HeartbeatInput
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}
	token := deviceToken(c, req.DeviceToken)
	if !requireDeviceToken(c, token) {
		return
	}

	in := req.HeartbeatInput
	in.IP = clientIP(c)
	in.City = c.GetHeader("CF-IPCity")
	in.Country = countryOf(c)

	wrote, err := s.svc.Devices.Heartbeat(c.Request.Context(), token, in)
	if err != nil {
		respondError(c, err)
		return
	}
	reqLog := logging.FromContext(c.Request.Context())
	reqLog.Debug().Bool("wrote", wrote).Msg("Heartbeat")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListDevices(c *gin.Context) {
	list, err := s.svc.Devices.List(c.Request.Context(), ownerOf(currentSession(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []devices.Status{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": list})
}

type renameRequest struct {
	DeviceToken string `json:"deviceToken"`
	DeviceName  string `json:"deviceName"`
}

func (s *Server) handleRenameDevice(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	name, err := s.svc.Devices.Rename(c.Request.Context(), ownerOf(currentSession(c)), req.DeviceToken, req.DeviceName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deviceName": name})
}

type deviceRequest struct {
	DeviceToken string `json:"deviceToken"`
}

func (s *Server) handleUnlinkDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	if err := s.svc.Devices.Unlink(c.Request.Context(), ownerOf(currentSession(c)), req.DeviceToken); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleConnectToken(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	token, tunnelURL, _, err := s.svc.Devices.CreateConnectToken(c.Request.Context(), ownerOf(currentSession(c)), req.DeviceToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connectToken": token,
		"tunnelUrl":    tunnelURL,
		"expiresIn":    int(tokens.ConnectTTL.Seconds()),
	})
}

type verifyConnectRequest struct {
	DeviceToken  string `json:"deviceToken"`
	ConnectToken string `json:"connectToken"`
}

// handleVerifyConnect answers 200 for a rejected token; only a missing
// device is an error status
func (s *Server) handleVerifyConnect(c *gin.Context) {
	var req verifyConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}
	token := deviceToken(c, req.DeviceToken)
	if !requireDeviceToken(c, token) {
		return
	}

	v, err := s.svc.Devices.VerifyConnect(c.Request.Context(), token, req.ConnectToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleVerifyDevice(c *gin.Context) {
	fallback := c.Query("deviceToken")
	if fallback == "" && c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		var req deviceRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			fallback = req.DeviceToken
		}
	}
	token := deviceToken(c, fallback)
	if !requireDeviceToken(c, token) {
		return
	}

	view, err := s.svc.Devices.VerifyDevice(c.Request.Context(), token)
	if errors.Is(err, devices.ErrDeviceNotFound) {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": "Device not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// countryOf reads the two-letter country the edge attached to the request
func countryOf(c *gin.Context) string {
	if v := c.GetHeader("CF-IPCountry"); v != "" {
		return v
	}
	return c.GetHeader("X-Country")
}
