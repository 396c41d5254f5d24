package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/internal/circuit"
	"patapim-server/internal/metrics"
)

// DefaultProbeTimeout bounds a single tunnel ping
const DefaultProbeTimeout = 4 * time.Second

// PingResult is the body a desktop tunnel answers /ping with
type PingResult struct {
	OK            bool `json:"ok"`
	TerminalCount int  `json:"terminalCount"`
}

// Prober pings device tunnels. Each tunnel host has its own breaker so a
// dead tunnel is skipped for the cooldown instead of costing every listing
// the full timeout.
type Prober struct {
	client   *http.Client
	breakers *circuit.Group
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewProber creates a prober with the given per-request timeout
func NewProber(timeout time.Duration, logger zerolog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		breakers: circuit.NewGroup(circuit.Config{MaxFailures: 2, Cooldown: time.Minute}, 5000),
		timeout:  timeout,
		logger:   logger.With().Str("component", "TunnelProber").Logger(),
	}
}

// Ping requests {tunnelURL}/ping. An error means the tunnel could not be
// reached or answered garbage; a reachable tunnel reporting ok=false is not
// an error.
func (p *Prober) Ping(ctx context.Context, tunnelURL string) (PingResult, error) {
	u, err := url.Parse(tunnelURL)
	if err != nil {
		metrics.DeviceProbes.WithLabelValues("error").Inc()
		return PingResult{}, fmt.Errorf("parse tunnel url: %w", err)
	}

	breaker := p.breakers.Get(u.Host)
	if err := breaker.Allow(); err != nil {
		metrics.DeviceProbes.WithLabelValues("skipped").Inc()
		return PingResult{}, err
	}

	res, err := p.ping(ctx, tunnelURL)
	if err != nil {
		breaker.RecordFailure()
		metrics.DeviceProbes.WithLabelValues("error").Inc()
		p.logger.Debug().Err(err).Str("host", u.Host).Msg("Tunnel ping failed")
		return PingResult{}, err
	}
	breaker.RecordSuccess()

	if res.OK {
		metrics.DeviceProbes.WithLabelValues("online").Inc()
	} else {
		metrics.DeviceProbes.WithLabelValues("offline").Inc()
	}
	return res, nil
}

func (p *Prober) ping(ctx context.Context, tunnelURL string) (PingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tunnelURL+"/ping", nil)
	if err != nil {
		return PingResult{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return PingResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PingResult{}, fmt.Errorf("tunnel ping: HTTP %d", resp.StatusCode)
	}

	var out PingResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return PingResult{}, fmt.Errorf("decode ping: %w", err)
	}
	return out, nil
}
