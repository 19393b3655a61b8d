// Package organizer coordinates the registry, the group store and the
// toggle engine for the operations user surfaces invoke.
package organizer

import (
	"fmt"

	"github.com/kelseywhytock/extension-wrangler/internal/groups"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/journal"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"
	"github.com/kelseywhytock/extension-wrangler/internal/toggle"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Host is the part of the host platform used directly, outside the engine.
type Host interface {
	ListExtensions() ([]*host.ExtensionRecord, error)
	SetEnabled(id string, enabled bool) error
}

// LoadReport summarises a Load.
type LoadReport struct {
	Extensions      int  `json:"extensions"`
	Groups          int  `json:"groups"`
	Pruned          int  `json:"pruned"`
	RegistryTrusted bool `json:"registryTrusted"`
	PriorFailures   int  `json:"priorFailures"`
}

// ToggleReport is the outcome of a bulk toggle.
type ToggleReport struct {
	GroupID   string          `json:"groupId,omitempty"`
	GroupName string          `json:"groupName,omitempty"`
	Enabled   bool            `json:"enabled"`
	Results   []toggle.Result `json:"results"`
	Summary   toggle.Summary  `json:"summary"`
}

// Failed returns the results that are neither successes nor skips.
func (r ToggleReport) Failed() []toggle.Result {
	var out []toggle.Result
	for _, res := range r.Results {
		if !res.Success && !res.Skipped {
			out = append(out, res)
		}
	}
	return out
}

// Organizer owns the process-wide state. Components are passed in so tests
// can build isolated instances.
type Organizer struct {
	host     Host
	registry *registry.Registry
	groups   *groups.Store
	engine   *toggle.Engine
	journal  *journal.Journal
	logger   *zap.Logger
}

// New creates an organizer.
func New(h Host, reg *registry.Registry, gs *groups.Store, eng *toggle.Engine, j *journal.Journal, logger *zap.Logger) *Organizer {
	return &Organizer{
		host:     h,
		registry: reg,
		groups:   gs,
		engine:   eng,
		journal:  j,
		logger:   logger.Named("organizer"),
	}
}

// Registry returns the extension registry.
func (o *Organizer) Registry() *registry.Registry { return o.registry }

// Groups returns the group store.
func (o *Organizer) Groups() *groups.Store { return o.groups }

// Journal returns the failure journal.
func (o *Organizer) Journal() *journal.Journal { return o.journal }

// Load refreshes the registry, loads groups and prunes orphaned members
// when the registry can be trusted. Load errors are returned combined; the
// organizer stays usable on the fallback state either way.
func (o *Organizer) Load() (LoadReport, error) {
	var errs error

	_, err := o.registry.Refresh()
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, o.groups.Load())

	report := LoadReport{
		Extensions:      len(o.registry.Snapshot()),
		RegistryTrusted: o.registry.Trusted(),
		PriorFailures:   o.journal.Len(),
	}

	switch {
	case o.registry.LoadFailed():
		o.logger.Warn("Skipping orphan cleanup due to extension load error")
	case !report.RegistryTrusted:
		o.logger.Warn("No extensions loaded, skipping orphan cleanup to prevent data loss")
	default:
		pruned, err := o.groups.PruneOrphans(o.registry.Snapshot())
		report.Pruned = pruned
		errs = multierr.Append(errs, err)
	}
	report.Groups = len(o.groups.Groups())

	o.logger.Info("Loaded",
		zap.Int("extensions", report.Extensions),
		zap.Int("groups", report.Groups),
		zap.Int("pruned", report.Pruned),
		zap.Int("prior_failures", report.PriorFailures))
	return report, errs
}

// ToggleGroup drives every member of a group to enable. Disabling the
// always-on group is rejected.
func (o *Organizer) ToggleGroup(groupID string, enable bool) (ToggleReport, error) {
	g, err := o.groups.Group(groupID)
	if err != nil {
		return ToggleReport{}, err
	}
	if g.IsDefault && !enable {
		return ToggleReport{}, groups.ErrProtectedGroup
	}

	o.logger.Info("Toggling group",
		zap.String("group_id", g.ID),
		zap.String("name", g.Name),
		zap.Bool("enabled", enable),
		zap.Int("members", len(g.Extensions)))

	report := o.run(g.Extensions, enable)
	report.GroupID = g.ID
	report.GroupName = g.Name
	return report, nil
}

// ToggleExtensions drives ids to enable through the engine.
func (o *Organizer) ToggleExtensions(ids []string, enable bool) ToggleReport {
	return o.run(ids, enable)
}

// EnableAll enables every managed extension.
func (o *Organizer) EnableAll() ToggleReport {
	o.refresh()
	return o.apply(o.registry.Snapshot().IDs(), true)
}

// DisableAll disables every managed extension. The guardian re-enables
// always-on members afterwards.
func (o *Organizer) DisableAll() ToggleReport {
	o.refresh()
	return o.apply(o.registry.Snapshot().IDs(), false)
}

func (o *Organizer) run(ids []string, enable bool) ToggleReport {
	o.refresh()
	return o.apply(ids, enable)
}

// apply runs the engine over the current snapshot, then refreshes and marks
// successes whose observed state still differs as residual failures.
func (o *Organizer) apply(ids []string, enable bool) ToggleReport {
	results := o.engine.ApplyDesiredState(o.registry.Snapshot(), ids, enable)

	if snap, err := o.registry.Refresh(); err != nil {
		o.logger.Warn("Could not verify terminal state", zap.Error(err))
	} else {
		for i := range results {
			r := &results[i]
			if !r.Success {
				continue
			}
			rec, ok := snap[r.ExtensionID]
			if ok && rec.Enabled != enable {
				o.logger.Error("Extension still in previous state after toggle",
					zap.String("extension_id", r.ExtensionID),
					zap.String("name", rec.Name),
					zap.Bool("enabled", rec.Enabled))
				r.MarkResidual()
			}
		}
	}

	return ToggleReport{
		Enabled: enable,
		Results: results,
		Summary: toggle.Summarize(results),
	}
}

// ToggleExtension makes a single host call for one extension, then
// refreshes and verifies. It does not retry.
func (o *Organizer) ToggleExtension(id string, enable bool) error {
	log := o.logger.With(zap.String("extension_id", id), zap.Bool("enabled", enable))

	if err := o.host.SetEnabled(id, enable); err != nil {
		log.Error("Failed to toggle extension", zap.Error(err))
		o.refresh()
		return err
	}

	snap, err := o.registry.Refresh()
	if err != nil {
		log.Warn("Could not verify toggle", zap.Error(err))
		return nil
	}
	if rec, ok := snap[id]; ok && rec.Enabled != enable {
		log.Error("Toggle did not take effect", zap.String("name", rec.Name))
		return fmt.Errorf("%w: %s", toggle.ErrStateDiverged, id)
	}
	log.Info("Toggled extension")
	return nil
}

// ListAll returns the host's unfiltered listing, as the messaging
// protocol's getExtensions does.
func (o *Organizer) ListAll() ([]*host.ExtensionRecord, error) {
	records, err := o.host.ListExtensions()
	if err != nil {
		o.logger.Error("Failed to list extensions", zap.Error(err))
		return nil, err
	}
	return records, nil
}

// Extensions refreshes the registry and returns it sorted by name. On a
// load failure the previous snapshot is returned with the error.
func (o *Organizer) Extensions() ([]*host.ExtensionRecord, error) {
	_, err := o.registry.Refresh()
	return o.registry.Sorted(), err
}

// Import replaces the groups from an export file, then prunes members that
// are not installed when the registry is trusted.
func (o *Organizer) Import(data []byte) (int, error) {
	n, err := o.groups.Import(data)
	if err != nil {
		return 0, err
	}
	if o.registry.Trusted() {
		if _, err := o.groups.PruneOrphans(o.registry.Snapshot()); err != nil {
			return n, err
		}
	}
	return n, nil
}

// refresh keeps the previous snapshot on failure; Refresh logs it.
func (o *Organizer) refresh() {
	_, _ = o.registry.Refresh()
}
