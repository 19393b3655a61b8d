// Package groups owns the persisted extension groups and their display
// order, including the reserved always-on group.
package groups

import (
	"errors"
	"fmt"
)

// Reserved always-on group.
const (
	AlwaysOnID   = "always-on"
	AlwaysOnName = "Fixed"
)

// IDPrefix starts every user-created group ID.
const IDPrefix = "group-"

var (
	// ErrProtectedGroup is returned when deleting or disabling the
	// always-on group.
	ErrProtectedGroup = errors.New("the Fixed group is protected")

	// ErrGroupNotFound is returned for an unknown group ID.
	ErrGroupNotFound = errors.New("group not found")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError rejects input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Group is a named set of extension IDs.
type Group struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
	IsDefault  bool     `json:"isDefault"`
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Extensions = append([]string{}, g.Extensions...)
	return &c
}

// Has reports whether extID is a member.
func (g *Group) Has(extID string) bool {
	for _, id := range g.Extensions {
		if id == extID {
			return true
		}
	}
	return false
}

func newAlwaysOnGroup() *Group {
	return &Group{
		ID:         AlwaysOnID,
		Name:       AlwaysOnName,
		Extensions: []string{},
		IsDefault:  true,
	}
}

// dedupe keeps the first occurrence of each ID.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
