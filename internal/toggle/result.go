package toggle

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound marks a skipped target: the ID is not in the registry
	// snapshot, so the host was never called.
	ErrNotFound = errors.New("extension not found")

	// ErrRetriesExhausted wraps the last host error once every attempt
	// has failed.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrStateDiverged marks a residual failure: the host reported success
	// but the refreshed registry still shows the old state.
	ErrStateDiverged = errors.New("extension state did not change")
)

// Result is the outcome of driving one extension to the desired state.
// Results are not in input order; correlate by ExtensionID.
type Result struct {
	ExtensionID string
	Success     bool
	Skipped     bool
	Residual    bool
	Err         error
	Attempts    int
	Latency     time.Duration
}

// MarkResidual turns a reported success into a residual failure.
func (r *Result) MarkResidual() {
	r.Success = false
	r.Residual = true
	r.Err = ErrStateDiverged
}

// MarshalJSON renders Err as a message and Latency in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		ExtensionID string `json:"extensionId"`
		Success     bool   `json:"success"`
		Skipped     bool   `json:"skipped"`
		Residual    bool   `json:"residual,omitempty"`
		Error       string `json:"error,omitempty"`
		Attempts    int    `json:"attempts"`
		LatencyMS   int64  `json:"latencyMs"`
	}{
		ExtensionID: r.ExtensionID,
		Success:     r.Success,
		Skipped:     r.Skipped,
		Residual:    r.Residual,
		Attempts:    r.Attempts,
		LatencyMS:   r.Latency.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Summary counts results by outcome.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Residual  int `json:"residual"`
}

// Summarize counts results. Skipped targets are not failures and residual
// failures are counted as failures as well as separately.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Success:
			s.Succeeded++
		default:
			s.Failed++
			if r.Residual {
				s.Residual++
			}
		}
	}
	return s
}
