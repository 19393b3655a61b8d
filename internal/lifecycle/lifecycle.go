// Package lifecycle starts and stops the long-running components of the
// daemon in a fixed order.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Component is a long-running part of the daemon.
type Component interface {
	Start() error
	Stop() error
}

// DefaultOrder is used when an Entry leaves Order unset.
const DefaultOrder = 50

// Entry describes a registered component.
type Entry struct {
	// Name identifies the component in logs. Names are unique.
	Name string

	// Order determines startup order. Lower values start first and stop
	// last.
	Order int

	Component Component
}

// Manager owns a set of components.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
	running []Entry
	logger  *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		entries: make(map[string]Entry),
		logger:  logger.Named("lifecycle"),
	}
}

// Register adds a component. Registering a name twice replaces the earlier
// entry. Registration after Start is rejected.
func (m *Manager) Register(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	if e.Component == nil {
		return fmt.Errorf("component %s: component cannot be nil", e.Name)
	}
	if e.Order == 0 {
		e.Order = DefaultOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) > 0 {
		return fmt.Errorf("component %s: manager already started", e.Name)
	}
	if _, exists := m.entries[e.Name]; exists {
		m.logger.Warn("Component replaced", zap.String("name", e.Name))
	}
	m.entries[e.Name] = e
	return nil
}

// List returns the registered entries in startup order.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Start starts every component in order. If one fails, the components
// already started are stopped in reverse order and the combined error is
// returned.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.running) > 0 {
		return fmt.Errorf("manager already started")
	}

	for _, e := range m.sortedLocked() {
		if err := e.Component.Start(); err != nil {
			err = fmt.Errorf("failed to start %s: %w", e.Name, err)
			m.logger.Error("Component failed to start", zap.String("name", e.Name), zap.Error(err))
			return multierr.Append(err, m.stopLocked())
		}
		m.logger.Info("Component started", zap.String("name", e.Name), zap.Int("order", e.Order))
		m.running = append(m.running, e)
	}
	return nil
}

// Stop stops the running components in reverse order. Every component is
// stopped even when an earlier one fails.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	var errs error
	for i := len(m.running) - 1; i >= 0; i-- {
		e := m.running[i]
		if err := e.Component.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop %s: %w", e.Name, err))
			continue
		}
		m.logger.Info("Component stopped", zap.String("name", e.Name))
	}
	m.running = nil
	return errs
}
