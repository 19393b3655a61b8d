package groups

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength caps group names, counted in runes.
const MaxNameLength = 50

var namePolicy = bluemonday.StrictPolicy()

// ValidateName returns the cleaned group name. Markup is removed, the
// characters < > " ' ` are stripped and the result is capped at
// MaxNameLength runes. An empty result is a *ValidationError.
func ValidateName(name string) (string, error) {
	cleaned := strings.TrimSpace(name)
	cleaned = html.UnescapeString(namePolicy.Sanitize(cleaned))
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '"', '\'', '`':
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if runes := []rune(cleaned); len(runes) > MaxNameLength {
		cleaned = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	if cleaned == "" {
		return "", &ValidationError{Field: "name", Reason: "group name is empty after sanitising"}
	}
	return cleaned, nil
}
