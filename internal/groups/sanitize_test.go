package groups

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Work", "Work"},
		{"trimmed", "   Work  ", "Work"},
		{"markup removed", "<b>Work</b> tools", "Work tools"},
		{"quotes stripped", `Dev "tools" 'n' stuff`, "Dev tools n stuff"},
		{"backticks stripped", "`rm`", "rm"},
		{"ampersand kept", "Work & Play", "Work & Play"},
		{"unicode kept", "Recherche à faire", "Recherche à faire"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateName(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateName_CapsLength(t *testing.T) {
	got, err := ValidateName(strings.Repeat("é", 80))
	require.NoError(t, err)
	assert.Equal(t, MaxNameLength, len([]rune(got)))
}

func TestValidateName_RejectsEmpty(t *testing.T) {
	for _, input := range []string{"", "   ", `<>"'`, "<br>"} {
		_, err := ValidateName(input)
		assert.ErrorIs(t, err, ErrValidation, "input %q", input)
	}
}
