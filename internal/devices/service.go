package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"patapim-server/config"
	"patapim-server/internal/apperr"
	"patapim-server/internal/events"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/logging"
	"patapim-server/internal/metrics"
	"patapim-server/internal/tokens"
)

var tracer = otel.Tracer("patapim-server/internal/devices")

// LicenseLookup is the part of the license manager devices read from
type LicenseLookup interface {
	Lookup(ctx context.Context, by license.LookupBy) (*license.License, error)
}

// Pinger checks a tunnel; *Prober in production
type Pinger interface {
	Ping(ctx context.Context, tunnelURL string) (PingResult, error)
}

// Service implements pairing, heartbeats and the device dashboard
type Service struct {
	store    kvstore.Store
	vault    *tokens.Vault
	licenses LicenseLookup
	prober   Pinger
	events   events.Publisher
	config   config.DevicesConfig
	logger   zerolog.Logger
	Clock    func() time.Time
}

// NewService wires a device service. Zero durations in cfg fall back to
// 15m online threshold, 7d eviction and 10m heartbeat write interval.
func NewService(store kvstore.Store, vault *tokens.Vault, licenses LicenseLookup, prober Pinger, publisher events.Publisher, cfg config.DevicesConfig, logger zerolog.Logger) *Service {
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = 15 * time.Minute
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = 7 * 24 * time.Hour
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = 10 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:    store,
		vault:    vault,
		licenses: licenses,
		prober:   prober,
		events:   publisher,
		config:   cfg,
		logger:   logger.With().Str("component", "DeviceService").Logger(),
		Clock:    time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.Clock().UTC()
}

type pairPayload struct {
	GoogleID  string    `json:"googleId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type connectPayload struct {
	GoogleID    string    `json:"googleId"`
	Email       string    `json:"email"`
	DeviceToken string    `json:"deviceToken"`
	TunnelURL   string    `json:"tunnelUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Service) get(ctx context.Context, token string) (*Device, error) {
	if token == "" {
		return nil, ErrDeviceNotFound
	}
	var d Device
	err := kvstore.GetJSON(ctx, s.store, deviceKey(token), &d)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	if d.Token == "" {
		d.Token = token
	}
	return &d, nil
}

func (s *Service) put(ctx context.Context, d *Device) error {
	d.SchemaVersion = SchemaVersion
	if err := kvstore.PutJSON(ctx, s.store, deviceKey(d.Token), d, 0); err != nil {
		return fmt.Errorf("write device: %w", err)
	}
	return nil
}

func (s *Service) owned(ctx context.Context, owner Owner, token string) (*Device, error) {
	d, err := s.get(ctx, token)
	if err != nil {
		return nil, err
	}
	if d.GoogleID != owner.GoogleID {
		return nil, ErrNotOwner
	}
	return d, nil
}

func (s *Service) refs(ctx context.Context, googleID string) ([]Ref, error) {
	var refs []Ref
	err := kvstore.GetJSON(ctx, s.store, deviceListKey(googleID), &refs)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	return refs, nil
}

// updateList rewrites the owner's list when fn reports a change
func (s *Service) updateList(ctx context.Context, googleID string, fn func([]Ref) ([]Ref, bool)) error {
	refs, err := s.refs(ctx, googleID)
	if err != nil {
		return err
	}
	refs, changed := fn(refs)
	if !changed {
		return nil
	}
	if refs == nil {
		refs = []Ref{}
	}
	if err := kvstore.PutJSON(ctx, s.store, deviceListKey(googleID), refs, 0); err != nil {
		return fmt.Errorf("write device list: %w", err)
	}
	return nil
}

// CreatePairingCode issues a short code the owner types into the desktop app
func (s *Service) CreatePairingCode(ctx context.Context, owner Owner) (string, time.Time, error) {
	code, err := s.vault.IssueCode(ctx, pairPayload{GoogleID: owner.GoogleID, Email: owner.Email, CreatedAt: s.now()}, tokens.PairCodeTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return code, s.now().Add(tokens.PairCodeTTL), nil
}

// ExchangePairingCode consumes a pairing code and creates the device it was
// issued for
func (s *Service) ExchangePairingCode(ctx context.Context, code, deviceName, machineID string) (PairingResult, error) {
	ctx, span := tracer.Start(ctx, "devices.ExchangePairingCode")
	defer span.End()

	code, machineID = strings.TrimSpace(code), strings.TrimSpace(machineID)
	if code == "" || strings.TrimSpace(deviceName) == "" || machineID == "" {
		return PairingResult{}, ErrPairingInput
	}
	name, err := validateName(deviceName)
	if err != nil {
		return PairingResult{}, err
	}

	var p pairPayload
	if err := s.vault.Consume(ctx, tokens.NamespacePairCode, code, &p); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return PairingResult{}, ErrInvalidPairingCode
		}
		return PairingResult{}, err
	}

	d, err := s.create(ctx, Owner{GoogleID: p.GoogleID, Email: p.Email}, name, machineID)
	if err != nil {
		return PairingResult{}, err
	}
	return s.pairingResult(ctx, d), nil
}

// AutoPair creates a placeholder device for an owner who signed in from the
// desktop app and leaves the result for the app to poll under sessionID
func (s *Service) AutoPair(ctx context.Context, owner Owner, sessionID string) (PairingResult, error) {
	ctx, span := tracer.Start(ctx, "devices.AutoPair")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return PairingResult{}, ErrSessionRequired
	}
	d, err := s.create(ctx, owner, PlaceholderName, AutoPairMachineID)
	if err != nil {
		return PairingResult{}, err
	}
	res := s.pairingResult(ctx, d)
	if err := s.vault.Store(ctx, tokens.NamespacePairPoll, sessionID, res, tokens.PairPollTTL); err != nil {
		return PairingResult{}, err
	}
	return res, nil
}

// PollPairing returns the auto-pair result for sessionID once, with ready
// false while there is none yet
func (s *Service) PollPairing(ctx context.Context, sessionID string) (PairingResult, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return PairingResult{}, false, ErrSessionRequired
	}
	var res PairingResult
	err := s.vault.Consume(ctx, tokens.NamespacePairPoll, sessionID, &res)
	if errors.Is(err, tokens.ErrNotFound) {
		return PairingResult{}, false, nil
	}
	if err != nil {
		return PairingResult{}, false, err
	}
	return res, true, nil
}

// create writes the device record and then appends it to the owner's list
func (s *Service) create(ctx context.Context, owner Owner, name, machineID string) (*Device, error) {
	now := s.now()
	d := &Device{
		Token:      uuid.NewString(),
		GoogleID:   owner.GoogleID,
		Email:      license.NormalizeEmail(owner.Email),
		DeviceName: name,
		MachineID:  machineID,
		CreatedAt:  now,
		LastSeen:   now,
	}
	if err := s.put(ctx, d); err != nil {
		return nil, err
	}
	err := s.updateList(ctx, owner.GoogleID, func(refs []Ref) ([]Ref, bool) {
		return append(refs, Ref{Token: d.Token, DeviceName: name, CreatedAt: now}), true
	})
	if err != nil {
		return nil, err
	}

	l := logging.DeviceContext(s.logger, d.Token, d.GoogleID)
	l.Info().Str("device_name", name).Str("machine_id", machineID).Msg("Device paired")
	s.events.Publish(events.Event{
		Type:  events.EventDevicePaired,
		Owner: d.GoogleID,
		Data:  map[string]interface{}{"token": d.Token, "device_name": name},
	})
	return d, nil
}

func (s *Service) pairingResult(ctx context.Context, d *Device) PairingResult {
	res := PairingResult{DeviceToken: d.Token, Email: d.Email, Plan: PlanFree}
	lic, err := s.licenses.Lookup(ctx, license.LookupBy{Email: d.Email})
	if err != nil {
		if !errors.Is(err, license.ErrNotFound) {
			s.logger.Warn().Err(err).Str("email", d.Email).Msg("License lookup failed while pairing")
		}
		return res
	}
	res.Plan = string(lic.Plan)
	res.LicenseStatus = string(lic.Status)
	res.LicenseKey = lic.LicenseKey
	return res
}

// HeartbeatInput carries what the desktop app reports. Nil fields are left
// unchanged; geo fields come from the edge and are ignored when empty.
type HeartbeatInput struct {
	TunnelURL     *string `json:"tunnelUrl"`
	TerminalCount *int    `json:"terminalCount"`
	DeviceName    *string `json:"deviceName"`
	IP            string  `json:"-"`
	City          string  `json:"-"`
	Country       string  `json:"-"`
}

// Heartbeat records that a device is alive. The record is rewritten only
// when a reported field changed or the stored lastSeen is older than the
// write interval, which keeps a steady device under one write per interval
// while its lastSeen stays inside the online threshold.
func (s *Service) Heartbeat(ctx context.Context, token string, in HeartbeatInput) (wrote bool, err error) {
	d, err := s.get(ctx, token)
	if err != nil {
		return false, err
	}

	changed, renamed := false, false
	if in.TunnelURL != nil {
		if strings.TrimSpace(*in.TunnelURL) == "" {
			if d.TunnelURL != nil {
				d.TunnelURL = nil
				changed = true
			}
		} else {
			u, err := validateTunnelURL(*in.TunnelURL)
			if err != nil {
				return false, err
			}
			if d.TunnelURL == nil || *d.TunnelURL != u {
				d.TunnelURL = &u
				changed = true
			}
		}
	}
	if in.TerminalCount != nil && *in.TerminalCount != d.TerminalCount {
		d.TerminalCount = *in.TerminalCount
		changed = true
	}
	if in.DeviceName != nil {
		name, err := validateName(*in.DeviceName)
		if err != nil {
			return false, err
		}
		if name != d.DeviceName {
			d.DeviceName = name
			d.Renamed = true
			changed, renamed = true, true
		}
	}
	for _, f := range []struct {
		in  string
		out *string
	}{{in.IP, &d.IP}, {in.City, &d.City}, {in.Country, &d.Country}} {
		if f.in != "" && f.in != *f.out {
			*f.out = f.in
			changed = true
		}
	}

	now := s.now()
	due := now.Sub(d.LastSeen) >= s.config.WriteInterval
	d.LastSeen = now
	if !changed && !due {
		metrics.DeviceHeartbeats.WithLabelValues("skipped").Inc()
		return false, nil
	}

	if err := s.put(ctx, d); err != nil {
		metrics.DeviceHeartbeats.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.DeviceHeartbeats.WithLabelValues("written").Inc()

	if renamed {
		if err := s.renameRef(ctx, d.GoogleID, d.Token, d.DeviceName); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to propagate device name to list")
		}
	}
	return true, nil
}

func (s *Service) renameRef(ctx context.Context, googleID, token, name string) error {
	return s.updateList(ctx, googleID, func(refs []Ref) ([]Ref, bool) {
		for i := range refs {
			if refs[i].Token == token {
				if refs[i].DeviceName == name {
					return refs, false
				}
				refs[i].DeviceName = name
				return refs, true
			}
		}
		return refs, false
	})
}

// Rename sets a device's display name
func (s *Service) Rename(ctx context.Context, owner Owner, token, name string) (string, error) {
	name, err := validateName(name)
	if err != nil {
		return "", err
	}
	d, err := s.owned(ctx, owner, token)
	if err != nil {
		return "", err
	}

	d.DeviceName = name
	d.Renamed = true
	if err := s.put(ctx, d); err != nil {
		return "", err
	}
	if err := s.renameRef(ctx, owner.GoogleID, token, name); err != nil {
		return "", err
	}

	s.events.Publish(events.Event{
		Type:  events.EventDeviceRenamed,
		Owner: owner.GoogleID,
		Data:  map[string]interface{}{"token": token, "device_name": name},
	})
	return name, nil
}

// Unlink removes a device. The list entry goes first so a failure between
// the two writes leaves an unlisted record rather than a listed ghost.
func (s *Service) Unlink(ctx context.Context, owner Owner, token string) error {
	if _, err := s.owned(ctx, owner, token); err != nil {
		return err
	}
	if err := s.updateList(ctx, owner.GoogleID, func(refs []Ref) ([]Ref, bool) {
		return removeRef(refs, token)
	}); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, deviceKey(token)); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	l := logging.DeviceContext(s.logger, token, owner.GoogleID)
	l.Info().Msg("Device unlinked")
	s.events.Publish(events.Event{
		Type:  events.EventDeviceUnlinked,
		Owner: owner.GoogleID,
		Data:  map[string]interface{}{"token": token},
	})
	return nil
}

func removeRef(refs []Ref, token string) ([]Ref, bool) {
	out := refs[:0]
	removed := false
	for _, r := range refs {
		if r.Token == token {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}

// CreateConnectToken issues a one-time token the owner's browser presents to
// the device tunnel
func (s *Service) CreateConnectToken(ctx context.Context, owner Owner, deviceToken string) (token, tunnelURL string, expiresAt time.Time, err error) {
	d, err := s.owned(ctx, owner, deviceToken)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if d.TunnelURL == nil || *d.TunnelURL == "" {
		return "", "", time.Time{}, ErrNoTunnel
	}

	token, err = s.vault.Issue(ctx, tokens.NamespaceConnect, connectPayload{
		GoogleID:    owner.GoogleID,
		Email:       owner.Email,
		DeviceToken: deviceToken,
		TunnelURL:   *d.TunnelURL,
		CreatedAt:   s.now(),
	}, tokens.ConnectTTL)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, *d.TunnelURL, s.now().Add(tokens.ConnectTTL), nil
}

// VerifyConnect is called by the device with its own token and the connect
// token it was shown. The connect token is consumed whether or not it
// matches.
func (s *Service) VerifyConnect(ctx context.Context, deviceToken, connectToken string) (ConnectVerification, error) {
	d, err := s.get(ctx, deviceToken)
	if err != nil {
		return ConnectVerification{}, err
	}
	if strings.TrimSpace(connectToken) == "" {
		return ConnectVerification{}, apperr.Validation("CONNECT_TOKEN_REQUIRED", "connectToken required")
	}

	var p connectPayload
	err = s.vault.Consume(ctx, tokens.NamespaceConnect, connectToken, &p)
	if errors.Is(err, tokens.ErrNotFound) {
		return ConnectVerification{Reason: ReasonConnectInvalid}, nil
	}
	if err != nil {
		return ConnectVerification{}, err
	}

	if p.GoogleID != d.GoogleID {
		return ConnectVerification{Reason: ReasonConnectOwnerMismatch}, nil
	}
	if p.DeviceToken != d.Token {
		return ConnectVerification{Reason: ReasonConnectWrongDevice}, nil
	}
	return ConnectVerification{Valid: true, GoogleID: p.GoogleID, Email: p.Email}, nil
}

// VerifyDevice returns the license state of the account a device belongs to
func (s *Service) VerifyDevice(ctx context.Context, deviceToken string) (LicenseView, error) {
	d, err := s.get(ctx, deviceToken)
	if err != nil {
		return LicenseView{}, err
	}

	lic, err := s.licenses.Lookup(ctx, license.LookupBy{Email: d.Email})
	if errors.Is(err, license.ErrNotFound) {
		return LicenseView{Email: d.Email, Plan: PlanFree, Status: StatusNoLicense}, nil
	}
	if err != nil {
		return LicenseView{}, err
	}
	return LicenseView{
		Valid:      lic.Status.Entitled(),
		Email:      d.Email,
		Plan:       string(lic.Plan),
		Status:     string(lic.Status),
		LicenseKey: lic.LicenseKey,
		ExpiresAt:  lic.ExpiresAt,
	}, nil
}

// Count returns how many devices are listed for googleID
func (s *Service) Count(ctx context.Context, googleID string) (int, error) {
	refs, err := s.refs(ctx, googleID)
	return len(refs), err
}

// All returns every stored device record across owners
func (s *Service) All(ctx context.Context) ([]Device, error) {
	keys, err := kvstore.ListAll(ctx, s.store, deviceKey(""))
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(keys))
	err = kvstore.FetchBatch(ctx, s.store, keys, 50, func(key string, value []byte) error {
		var d Device
		if err := json.Unmarshal(value, &d); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable device record")
			return nil
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// List returns the owner's devices with live status. Stale devices are
// evicted and entries without a record are dropped from the stored list.
// Devices that heartbeated recently and have a tunnel are pinged
// concurrently; only a successful ping marks a device online.
func (s *Service) List(ctx context.Context, owner Owner) ([]Status, error) {
	ctx, span := tracer.Start(ctx, "devices.List")
	defer span.End()

	refs, err := s.refs(ctx, owner.GoogleID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	kept := make([]Ref, 0, len(refs))
	var live []*Device
	for _, ref := range refs {
		d, err := s.get(ctx, ref.Token)
		if errors.Is(err, ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.GoogleID != owner.GoogleID {
			continue
		}
		if now.Sub(d.LastSeen) > s.config.EvictAfter {
			s.evict(ctx, d)
			continue
		}
		kept = append(kept, ref)
		live = append(live, d)
	}

	if len(kept) != len(refs) {
		err := s.updateList(ctx, owner.GoogleID, func(current []Ref) ([]Ref, bool) {
			return pruneRefs(current, refs, kept)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("owner", owner.GoogleID).Msg("Failed to prune device list")
		}
	}

	statuses := s.probe(ctx, now, live)
	out := make([]Status, 0, len(statuses))
	for i, st := range statuses {
		// unclaimed auto-pair records stay hidden even while heartbeat-alive
		if live[i].placeholder() {
			continue
		}
		out = append(out, st)
	}
	span.SetAttributes(attribute.Int("devices.listed", len(out)), attribute.Int("devices.dropped", len(refs)-len(kept)))
	return out, nil
}

// pruneRefs removes from current the entries that were in seen but not kept,
// so devices paired while the listing ran survive the rewrite
func pruneRefs(current, seen, kept []Ref) ([]Ref, bool) {
	keep := make(map[string]bool, len(kept))
	for _, r := range kept {
		keep[r.Token] = true
	}
	drop := make(map[string]bool)
	for _, r := range seen {
		if !keep[r.Token] {
			drop[r.Token] = true
		}
	}
	out := make([]Ref, 0, len(current))
	for _, r := range current {
		if !drop[r.Token] {
			out = append(out, r)
		}
	}
	return out, len(out) != len(current)
}

func (s *Service) evict(ctx context.Context, d *Device) {
	l := logging.DeviceContext(s.logger, d.Token, d.GoogleID)
	if err := s.store.Delete(ctx, deviceKey(d.Token)); err != nil {
		l.Warn().Err(err).Msg("Failed to evict stale device")
		return
	}
	metrics.DevicesEvicted.Inc()
	l.Info().Time("last_seen", d.LastSeen).Msg("Evicted stale device")
	s.events.Publish(events.Event{
		Type:  events.EventDeviceEvicted,
		Owner: d.GoogleID,
		Data:  map[string]interface{}{"token": d.Token},
	})
}
