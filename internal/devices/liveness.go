package devices

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxConcurrentProbes = 8

// probe builds the status of each device. Heartbeat-alive devices with a
// tunnel are pinged in parallel and go offline when the ping fails. Without
// a tunnel or a prober the heartbeat alone decides. Statuses keep the order
// of devices.
func (s *Service) probe(ctx context.Context, now time.Time, devices []*Device) []Status {
	out := make([]Status, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for i, d := range devices {
		out[i] = Status{
			Token:         d.Token,
			DeviceName:    d.DeviceName,
			LastSeen:      d.LastSeen,
			TunnelURL:     d.TunnelURL,
			TerminalCount: d.TerminalCount,
			IP:            d.IP,
			City:          d.City,
			Country:       d.Country,
		}
		out[i].HeartbeatAlive = now.Sub(d.LastSeen) < s.config.OnlineThreshold
		if !out[i].HeartbeatAlive {
			continue
		}
		if s.prober == nil || d.TunnelURL == nil {
			out[i].Online = true
			continue
		}

		tunnel := *d.TunnelURL
		g.Go(func() error {
			res, err := s.prober.Ping(gctx, tunnel)
			if err != nil || !res.OK {
				return nil
			}
			out[i].Online = true
			if res.TerminalCount > 0 {
				out[i].TerminalCount = res.TerminalCount
			}
			return nil
		})
	}

	// probe goroutines never return errors; an unreachable tunnel is offline
	_ = g.Wait()
	return out
}
