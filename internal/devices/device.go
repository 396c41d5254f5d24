// Package devices pairs desktop installations with an account and tracks
// whether they are reachable.
//
// A device lives under device:{token}; the owner's list devices:{googleId}
// is its index and is always written after the record. Listing drops list
// entries whose record is gone and evicts devices that have not been seen
// for a week.
package devices

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"patapim-server/internal/apperr"
)

const (
	SchemaVersion = 1

	// PlaceholderName is given to devices created by the browser auto-pair
	// flow before the desktop app reports its own name
	PlaceholderName   = "PATAPIM Desktop"
	AutoPairMachineID = "auto-pair"
	MaxNameLength     = 50

	PlanFree        = "free"
	StatusNoLicense = "no_license"
)

var (
	ErrDeviceNotFound     = apperr.NotFound("DEVICE_NOT_FOUND", "Device not found")
	ErrNotOwner           = apperr.Forbidden("DEVICE_FORBIDDEN", "Device does not belong to this user")
	ErrInvalidPairingCode = apperr.Validation("INVALID_PAIRING_CODE", "Invalid or expired pairing code")
	ErrPairingInput       = apperr.Validation("PAIRING_INPUT", "code, deviceName, and machineId required")
	ErrNameRequired       = apperr.Validation("DEVICE_NAME_REQUIRED", "deviceName required")
	ErrNameTooLong        = apperr.Validation("DEVICE_NAME_TOO_LONG", "deviceName too long (max 50 chars)")
	ErrSessionRequired    = apperr.Validation("SESSION_REQUIRED", "sessionId required")
	ErrNoTunnel           = apperr.Validation("DEVICE_OFFLINE", "Device is not online or tunnel not available")
	ErrInvalidTunnelURL   = apperr.Validation("INVALID_TUNNEL_URL", "tunnelUrl must be an http(s) URL")
)

// Device is the stored record of a paired installation
type Device struct {
	SchemaVersion int       `json:"schemaVersion"`
	Token         string    `json:"token"`
	GoogleID      string    `json:"googleId"`
	Email         string    `json:"email"`
	DeviceName    string    `json:"deviceName"`
	MachineID     string    `json:"machineId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSeen      time.Time `json:"lastSeen"`
	TunnelURL     *string   `json:"tunnelUrl"`
	TerminalCount int       `json:"terminalCount"`
	IP            string    `json:"ip,omitempty"`
	City          string    `json:"city,omitempty"`
	Country       string    `json:"country,omitempty"`
	Renamed       bool      `json:"renamed,omitempty"`
}

// placeholder reports an auto-paired record the desktop app never claimed
func (d *Device) placeholder() bool {
	return d.DeviceName == PlaceholderName && !d.Renamed && d.TunnelURL == nil
}

// Ref is one entry of an owner's device list
type Ref struct {
	Token      string    `json:"token"`
	DeviceName string    `json:"deviceName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Owner identifies the account a device is paired to
type Owner struct {
	GoogleID string `json:"googleId"`
	Email    string `json:"email"`
}

// PairingResult is what the desktop app receives once pairing completes
type PairingResult struct {
	DeviceToken   string `json:"deviceToken"`
	Email         string `json:"email"`
	Plan          string `json:"plan"`
	LicenseStatus string `json:"licenseStatus,omitempty"`
	LicenseKey    string `json:"licenseKey,omitempty"`
}

// Status is a device as shown in the owner's dashboard
type Status struct {
	Token      string `json:"token"`
	DeviceName string `json:"deviceName"`
	Online     bool   `json:"online"`
	// HeartbeatAlive is set from lastSeen alone, before any tunnel ping
	HeartbeatAlive bool      `json:"heartbeatAlive"`
	LastSeen       time.Time `json:"lastSeen"`
	TunnelURL      *string   `json:"tunnelUrl"`
	TerminalCount  int       `json:"terminalCount"`
	IP             string    `json:"ip,omitempty"`
	City           string    `json:"city,omitempty"`
	Country        string    `json:"country,omitempty"`
}

// LicenseView is the license summary a device token can read
type LicenseView struct {
	Valid      bool       `json:"valid"`
	Email      string     `json:"email"`
	Plan       string     `json:"plan"`
	Status     string     `json:"status"`
	LicenseKey string     `json:"licenseKey,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// ConnectVerification is the outcome of checking a connect token on the
// device side. A rejected token is Valid=false with a Reason, not an error.
type ConnectVerification struct {
	Valid    bool   `json:"valid"`
	Reason   string `json:"error,omitempty"`
	GoogleID string `json:"googleId,omitempty"`
	Email    string `json:"email,omitempty"`
}

const (
	ReasonConnectInvalid       = "Invalid or expired connect token"
	ReasonConnectOwnerMismatch = "Token does not match device owner"
	ReasonConnectWrongDevice   = "Token was not issued for this device"
)

func deviceKey(token string) string        { return "device:" + token }
func deviceListKey(googleID string) string { return "devices:" + googleID }

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// validateTunnelURL accepts absolute http(s) URLs; the prober requests
// {tunnelUrl}/ping so anything else is refused at heartbeat time
func validateTunnelURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidTunnelURL
	}
	return raw, nil
}
