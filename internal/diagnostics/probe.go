// Package diagnostics probes extensions for toggle problems and explains
// why groups fail to toggle.
package diagnostics

import (
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"

	"go.uber.org/zap"
)

// DefaultPause separates the disable and enable legs of a probe.
const DefaultPause = 100 * time.Millisecond

// Setter is the host call a probe exercises.
type Setter interface {
	SetEnabled(id string, enabled bool) error
}

// Leg is one host call made by a probe.
type Leg struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latencyNs"`
}

// ProbeResult is the outcome of disabling then enabling one extension.
type ProbeResult struct {
	Extension *host.ExtensionRecord `json:"extension"`
	Disable   Leg                   `json:"disable"`
	Enable    Leg                   `json:"enable"`
	Restored  *Leg                  `json:"restored,omitempty"`
}

// Failed reports whether either leg failed.
func (r ProbeResult) Failed() bool {
	return !r.Disable.Success || !r.Enable.Success
}

// Prober runs toggle probes. It calls the host directly, without the
// engine's retries, so failures show up as they happen.
type Prober struct {
	host   Setter
	clock  clock.Clock
	pause  time.Duration
	logger *zap.Logger
}

// NewProber creates a prober. A non-positive pause uses DefaultPause.
func NewProber(h Setter, clk clock.Clock, pause time.Duration, logger *zap.Logger) *Prober {
	if pause <= 0 {
		pause = DefaultPause
	}
	return &Prober{host: h, clock: clk, pause: pause, logger: logger.Named("diagnostics")}
}

// Probe disables then enables each extension in ids that is present in
// snap, one at a time, and restores the original state when the probe
// left it changed. Unknown IDs are ignored.
func (p *Prober) Probe(snap registry.Snapshot, ids []string) []ProbeResult {
	results := make([]ProbeResult, 0, len(ids))
	for i, id := range ids {
		rec, ok := snap[id]
		if !ok {
			p.logger.Warn("Extension not found, not probing", zap.String("extension_id", id))
			continue
		}

		p.logger.Info("Probing extension",
			zap.String("extension_id", id),
			zap.String("name", rec.Name),
			zap.Int("index", i+1),
			zap.Int("total", len(ids)))

		r := ProbeResult{Extension: rec}
		r.Disable = p.leg(id, false)
		p.clock.Sleep(p.pause)
		r.Enable = p.leg(id, true)

		final := rec.Enabled
		switch {
		case r.Enable.Success:
			final = true
		case r.Disable.Success:
			final = false
		}
		if final != rec.Enabled {
			leg := p.leg(id, rec.Enabled)
			r.Restored = &leg
		}
		results = append(results, r)
	}
	return results
}

func (p *Prober) leg(id string, enable bool) Leg {
	start := p.clock.Now()
	err := p.host.SetEnabled(id, enable)
	l := Leg{Success: err == nil, Latency: p.clock.Since(start)}
	if err != nil {
		l.Error = err.Error()
		p.logger.Warn("Probe toggle failed",
			zap.String("extension_id", id),
			zap.Bool("enable", enable),
			zap.Error(err))
	}
	return l
}
