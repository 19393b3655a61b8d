package testutil

import "time"

// SetEnabledCall records a set_enabled request for verification
type SetEnabledCall struct {
	Timestamp   time.Time
	ExtensionID string
	Enabled     bool
}

// FilterCalls keeps the calls for id with the given target state
func FilterCalls(calls []SetEnabledCall, id string, enabled bool) []SetEnabledCall {
	var filtered []SetEnabledCall
	for _, call := range calls {
		if call.ExtensionID == id && call.Enabled == enabled {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// CallsFor keeps every call for id, in order
func CallsFor(calls []SetEnabledCall, id string) []SetEnabledCall {
	var filtered []SetEnabledCall
	for _, call := range calls {
		if call.ExtensionID == id {
			filtered = append(filtered, call)
		}
	}
	return filtered
}
