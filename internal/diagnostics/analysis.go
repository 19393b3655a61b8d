package diagnostics

import (
	"sort"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/groups"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"
)

// Characteristics counts traits shared by a set of extensions.
type Characteristics struct {
	Permissions     map[string]int `json:"permissions"`
	HostPermissions map[string]int `json:"hostPermissions"`
	Types           map[string]int `json:"types"`
	InstallTypes    map[string]int `json:"installTypes"`
	DisabledReasons map[string]int `json:"disabledReasons"`
	UpdateURLs      int            `json:"updateUrls"`
}

// Analysis summarises a probe run.
type Analysis struct {
	Tested        int                 `json:"tested"`
	Failed        int                 `json:"failed"`
	SuccessRate   float64             `json:"successRate"`
	AverageToggle time.Duration       `json:"averageToggleNs"`
	ErrorPatterns map[string][]string `json:"errorPatterns"`
	FailingTraits Characteristics     `json:"failingTraits"`
	FailedIDs     []string            `json:"failedIds"`
}

// Analyze groups failures by error message and characterises the failing
// extensions. SuccessRate and AverageToggle cover the disable and enable
// legs of every probe.
func Analyze(results []ProbeResult) Analysis {
	a := Analysis{
		Tested:        len(results),
		ErrorPatterns: make(map[string][]string),
	}

	var (
		failing   []*host.ExtensionRecord
		legs      int
		succeeded int
		total     time.Duration
	)
	for _, r := range results {
		for _, leg := range []Leg{r.Disable, r.Enable} {
			legs++
			total += leg.Latency
			if leg.Success {
				succeeded++
				continue
			}
			a.ErrorPatterns[leg.Error] = append(a.ErrorPatterns[leg.Error], r.Extension.Name)
		}
		if r.Failed() {
			failing = append(failing, r.Extension)
			a.FailedIDs = append(a.FailedIDs, r.Extension.ID)
		}
	}

	a.Failed = len(failing)
	a.FailingTraits = Characterize(failing)
	if legs > 0 {
		a.SuccessRate = float64(succeeded) / float64(legs)
		a.AverageToggle = total / time.Duration(legs)
	}
	sort.Strings(a.FailedIDs)
	return a
}

// Characterize counts permissions, types, install types, disabled reasons
// and update URLs across recs.
func Characterize(recs []*host.ExtensionRecord) Characteristics {
	c := Characteristics{
		Permissions:     make(map[string]int),
		HostPermissions: make(map[string]int),
		Types:           make(map[string]int),
		InstallTypes:    make(map[string]int),
		DisabledReasons: make(map[string]int),
	}
	for _, rec := range recs {
		for _, p := range rec.Permissions {
			c.Permissions[p]++
		}
		for _, p := range rec.HostPermissions {
			c.HostPermissions[p]++
		}
		c.Types[rec.Type]++
		c.InstallTypes[rec.InstallType]++
		if rec.DisabledReason != "" {
			c.DisabledReasons[rec.DisabledReason]++
		}
		if rec.UpdateURL != "" {
			c.UpdateURLs++
		}
	}
	return c
}

// MemberIssue names a problematic group member.
type MemberIssue struct {
	ExtensionID string `json:"extensionId"`
	Name        string `json:"name"`
	Reason      string `json:"reason"`
}

// GroupHealth is the diagnosis of one group.
type GroupHealth struct {
	GroupID      string        `json:"groupId"`
	Name         string        `json:"name"`
	Members      int           `json:"members"`
	Missing      []string      `json:"missing,omitempty"`
	Unmodifiable []MemberIssue `json:"unmodifiable,omitempty"`
	KnownFailing []MemberIssue `json:"knownFailing,omitempty"`
	Healthy      bool          `json:"healthy"`
}

// Unmodifiable reports whether the host will refuse to enable rec without
// user action.
func Unmodifiable(rec *host.ExtensionRecord) bool {
	return rec.DisabledReason == host.DisabledReasonUnknown ||
		rec.DisabledReason == host.DisabledReasonPermissionsIncrease
}

// AnalyzeGroups diagnoses each group against the registry snapshot and the
// set of extension IDs known to have failed. Missing members do not make a
// group unhealthy; they are pruned on the next trusted load.
func AnalyzeGroups(gs []*groups.Group, snap registry.Snapshot, failed map[string]bool) []GroupHealth {
	out := make([]GroupHealth, 0, len(gs))
	for _, g := range gs {
		h := GroupHealth{GroupID: g.ID, Name: g.Name, Members: len(g.Extensions)}
		for _, id := range g.Extensions {
			rec, ok := snap[id]
			switch {
			case !ok:
				h.Missing = append(h.Missing, id)
			case Unmodifiable(rec):
				h.Unmodifiable = append(h.Unmodifiable, MemberIssue{ExtensionID: id, Name: rec.Name, Reason: rec.DisabledReason})
			case failed[id]:
				h.KnownFailing = append(h.KnownFailing, MemberIssue{ExtensionID: id, Name: rec.Name, Reason: "known to fail"})
			}
		}
		h.Healthy = len(h.Unmodifiable) == 0 && len(h.KnownFailing) == 0
		out = append(out, h)
	}
	return out
}
