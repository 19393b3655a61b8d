// Package toggle drives extensions to a desired enabled state with batching,
// bounded retries and failure journaling.
package toggle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/journal"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"

	"go.uber.org/zap"
)

// Config holds the throttling and retry knobs.
type Config struct {
	// BatchSize is how many extensions are toggled concurrently.
	BatchSize int
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
	// MaxRetries is the number of attempts per extension.
	MaxRetries int
	// BackoffStep scales the pause after a failed attempt: attempt i
	// (zero based) is followed by (i+1)*BackoffStep.
	BackoffStep time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   2,
		BatchDelay:  100 * time.Millisecond,
		MaxRetries:  3,
		BackoffStep: 100 * time.Millisecond,
	}
}

// Setter is the host primitive the engine drives.
type Setter interface {
	SetEnabled(id string, enabled bool) error
}

// Recorder receives failures once retries are exhausted.
type Recorder interface {
	Record(entry journal.Entry) error
}

// Engine applies desired states. It is the only component that retries
// host calls.
type Engine struct {
	host    Setter
	journal Recorder
	clock   clock.Clock
	config  Config
	logger  *zap.Logger
}

// NewEngine creates an engine. Zero config fields fall back to the defaults.
func NewEngine(h Setter, j Recorder, clk clock.Clock, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Engine{
		host:    h,
		journal: j,
		clock:   clk,
		config:  cfg,
		logger:  logger.Named("toggle"),
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// ApplyDesiredState drives every ID in ids to desired and returns one
// result per input ID. IDs missing from snap are skipped without a host
// call. Batches run in input order; within a batch calls are concurrent and
// results are appended as they complete. The registry is not refreshed.
func (e *Engine) ApplyDesiredState(snap registry.Snapshot, ids []string, desired bool) []Result {
	results := make([]Result, 0, len(ids))
	if len(ids) == 0 {
		return results
	}

	e.logger.Info("Applying desired state",
		zap.Int("extensions", len(ids)),
		zap.Bool("enabled", desired),
		zap.Int("batch_size", e.config.BatchSize))

	var mu sync.Mutex
	for start := 0; start < len(ids); start += e.config.BatchSize {
		if start > 0 && e.config.BatchDelay > 0 {
			e.clock.Sleep(e.config.BatchDelay)
		}

		end := min(start+e.config.BatchSize, len(ids))
		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				r := e.apply(snap[id], id, desired)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}(id)
		}
		wg.Wait()
	}

	s := Summarize(results)
	e.logger.Info("Desired state applied",
		zap.Bool("enabled", desired),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped))
	return results
}

func (e *Engine) apply(rec *host.ExtensionRecord, id string, desired bool) Result {
	if rec == nil {
		e.logger.Warn("Extension not found, skipping", zap.String("extension_id", id))
		return Result{
			ExtensionID: id,
			Skipped:     true,
			Err:         fmt.Errorf("%w: %s", ErrNotFound, id),
		}
	}

	log := e.logger.With(
		zap.String("extension_id", id),
		zap.String("name", rec.Name),
		zap.Bool("target", desired))

	start := e.clock.Now()
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		log.Debug("Toggle attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.config.MaxRetries),
			zap.Bool("current", rec.Enabled),
			zap.String("install_type", rec.InstallType),
			zap.String("disabled_reason", rec.DisabledReason),
			zap.Int("permissions", len(rec.Permissions)),
			zap.Int("host_permissions", len(rec.HostPermissions)),
			zap.String("update_url", rec.UpdateURL))

		lastErr = e.host.SetEnabled(id, desired)
		if lastErr == nil {
			latency := e.clock.Since(start)
			log.Debug("Toggled extension", zap.Int("attempts", attempt+1), zap.Duration("latency", latency))
			return Result{ExtensionID: id, Success: true, Attempts: attempt + 1, Latency: latency}
		}

		log.Warn("Toggle attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		if attempt < e.config.MaxRetries-1 {
			e.clock.Sleep(time.Duration(attempt+1) * e.config.BackoffStep)
		}
	}

	latency := e.clock.Since(start)
	log.Error("Failed to toggle extension after all attempts",
		zap.Int("attempts", e.config.MaxRetries),
		zap.Error(lastErr))
	e.recordFailure(rec, desired, lastErr)

	return Result{
		ExtensionID: id,
		Err:         fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, e.config.MaxRetries, lastErr),
		Attempts:    e.config.MaxRetries,
		Latency:     latency,
	}
}

func (e *Engine) recordFailure(rec *host.ExtensionRecord, desired bool, cause error) {
	if e.journal == nil {
		return
	}

	entry := journal.Entry{
		ExtensionID:      rec.ID,
		ExtensionName:    rec.Name,
		TargetState:      desired,
		ErrorMessage:     cause.Error(),
		Timestamp:        e.clock.Now(),
		ExtensionDetails: rec,
	}
	var hostErr *host.Error
	if errors.As(cause, &hostErr) {
		entry.ErrorCode = hostErr.Code
		entry.ErrorMessage = hostErr.Message
	}

	if err := e.journal.Record(entry); err != nil {
		e.logger.Error("Failed to record toggle failure",
			zap.String("extension_id", rec.ID),
			zap.Error(err))
	}
}
