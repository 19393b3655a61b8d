package groups

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// ExportVersion is written into every export file.
const ExportVersion = "1.0"

// ExportFile is the import/export document.
type ExportFile struct {
	Groups     map[string]*Group `json:"groups"`
	ExportDate string            `json:"exportDate"`
	Version    string            `json:"version"`
}

type importFile struct {
	Groups  json.RawMessage `json:"groups"`
	Version string          `json:"version"`
}

// Export returns every group stamped with now.
func (s *Store) Export(now time.Time) ExportFile {
	return ExportFile{
		Groups:     s.Groups(),
		ExportDate: now.UTC().Format(time.RFC3339Nano),
		Version:    ExportVersion,
	}
}

// Import replaces all groups with the ones in data. The existing always-on
// group is kept regardless of the file's copy, isDefault is cleared on every
// other group, removed groups leave the order and new ones are appended.
// Malformed input is rejected with a *ValidationError before anything
// changes, and the in-memory groups only change once the import is saved.
// It returns the number of groups imported.
func (s *Store) Import(data []byte) (int, error) {
	groups, err := parseImport(data)
	if err != nil {
		return 0, err
	}

	err = s.update(func(st *snapshot) ([]string, error) {
		groups[AlwaysOnID] = st.groups[AlwaysOnID]

		order := make([]string, 0, len(groups))
		for _, id := range st.order {
			if _, ok := groups[id]; ok {
				order = append(order, id)
			}
		}
		for _, id := range sortedIDs(groups) {
			if indexOf(order, id) == -1 {
				order = append(order, id)
			}
		}
		st.groups, st.order = groups, order
		return []string{storage.KeyGroups, storage.KeyGroupOrder}, nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Imported groups", zap.Int("groups", len(groups)-1))
	return len(groups) - 1, nil
}

func parseImport(data []byte) (map[string]*Group, error) {
	var file importFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &ValidationError{Field: "file", Reason: fmt.Sprintf("not a JSON document: %v", err)}
	}

	if len(file.Groups) == 0 || bytes.Equal(bytes.TrimSpace(file.Groups), []byte("null")) {
		return nil, &ValidationError{Field: "groups", Reason: "missing"}
	}
	var groups map[string]*Group
	if err := json.Unmarshal(file.Groups, &groups); err != nil {
		return nil, &ValidationError{Field: "groups", Reason: "must be an object keyed by group ID"}
	}

	if file.Version != "" {
		v := "v" + file.Version
		if !semver.IsValid(v) {
			return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("%q is not a version", file.Version)}
		}
		if semver.Major(v) != semver.Major("v"+ExportVersion) {
			return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("unsupported version %s", file.Version)}
		}
	}

	out := make(map[string]*Group, len(groups))
	for id, g := range groups {
		if id == "" {
			return nil, &ValidationError{Field: "groups", Reason: "empty group ID"}
		}
		if id == AlwaysOnID {
			continue
		}
		if g == nil {
			return nil, &ValidationError{Field: "groups", Reason: fmt.Sprintf("group %s is null", id)}
		}
		name, err := ValidateName(g.Name)
		if err != nil {
			return nil, &ValidationError{Field: "groups", Reason: fmt.Sprintf("group %s: empty name", id)}
		}
		out[id] = &Group{ID: id, Name: name, Extensions: dedupe(g.Extensions)}
	}
	return out, nil
}
