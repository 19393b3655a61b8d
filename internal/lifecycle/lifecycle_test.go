package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockComponent records start and stop into a shared log
type mockComponent struct {
	name     string
	log      *[]string
	startErr error
	stopErr  error
}

func (m *mockComponent) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	*m.log = append(*m.log, "start "+m.name)
	return nil
}

func (m *mockComponent) Stop() error {
	*m.log = append(*m.log, "stop "+m.name)
	return m.stopErr
}

func TestManager_Register(t *testing.T) {
	tests := []struct {
		name        string
		entry       Entry
		wantErr     bool
		errContains string
	}{
		{
			name:  "valid registration",
			entry: Entry{Name: "guardian", Component: &mockComponent{}},
		},
		{
			name:        "empty name",
			entry:       Entry{Component: &mockComponent{}},
			wantErr:     true,
			errContains: "name cannot be empty",
		},
		{
			name:        "nil component",
			entry:       Entry{Name: "api"},
			wantErr:     true,
			errContains: "cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewManager(zap.NewNop()).Register(tt.entry)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_StartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(Entry{Name: "api", Order: 20, Component: &mockComponent{name: "api", log: &log}}))
	require.NoError(t, m.Register(Entry{Name: "guardian", Order: 10, Component: &mockComponent{name: "guardian", log: &log}}))
	require.NoError(t, m.Register(Entry{Name: "metrics", Component: &mockComponent{name: "metrics", log: &log}}))

	names := []string{}
	for _, e := range m.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"guardian", "api", "metrics"}, names)
	assert.Equal(t, DefaultOrder, m.List()[2].Order)

	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	assert.Equal(t, []string{
		"start guardian", "start api", "start metrics",
		"stop metrics", "stop api", "stop guardian",
	}, log)
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(Entry{Name: "guardian", Order: 10, Component: &mockComponent{name: "guardian", log: &log}}))
	require.NoError(t, m.Register(Entry{Name: "api", Order: 20, Component: &mockComponent{name: "api", log: &log, startErr: errors.New("port in use")}}))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start api")
	assert.Equal(t, []string{"start guardian", "stop guardian"}, log)

	assert.NoError(t, m.Stop(), "nothing left running")
}

func TestManager_StopCombinesErrors(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	errA := errors.New("a broke")
	errB := errors.New("b broke")
	require.NoError(t, m.Register(Entry{Name: "a", Order: 1, Component: &mockComponent{name: "a", log: &log, stopErr: errA}}))
	require.NoError(t, m.Register(Entry{Name: "b", Order: 2, Component: &mockComponent{name: "b", log: &log, stopErr: errB}}))

	require.NoError(t, m.Start())
	err := m.Stop()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestManager_RejectsDoubleStartAndLateRegistration(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(Entry{Name: "a", Component: &mockComponent{name: "a", log: &log}}))
	require.NoError(t, m.Start())

	assert.Error(t, m.Start())
	assert.Error(t, m.Register(Entry{Name: "b", Component: &mockComponent{name: "b", log: &log}}))

	require.NoError(t, m.Stop())
	assert.NoError(t, m.Register(Entry{Name: "b", Component: &mockComponent{name: "b", log: &log}}))
}
