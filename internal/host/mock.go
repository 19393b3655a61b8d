package host

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SetEnabledCall records a SetEnabled call for testing
type SetEnabledCall struct {
	ExtensionID string
	Enabled     bool
	Time        time.Time
}

// MockHost implements Host for tests. SetEnabled updates the stored record
// and notifies subscribers the way the browser does, unless a failure or a
// silent extension has been scripted.
type MockHost struct {
	selfID string

	extMu      sync.RWMutex
	extensions map[string]*ExtensionRecord
	listErr    error
	listEmpty  int

	failMu    sync.Mutex
	failures  map[string]*scriptedFailure
	silent    map[string]bool
	callsMu   sync.Mutex
	calls     []SetEnabledCall
	listCalls int

	subs *subscriberRegistry
}

type scriptedFailure struct {
	remaining int // -1 fails forever
	err       error
}

// NewMockHost creates an empty mock host whose own ID is selfID.
func NewMockHost(selfID string) *MockHost {
	return &MockHost{
		selfID:     selfID,
		extensions: make(map[string]*ExtensionRecord),
		failures:   make(map[string]*scriptedFailure),
		silent:     make(map[string]bool),
		subs:       newSubscriberRegistry(),
	}
}

// AddExtension installs a record. Type defaults to "extension".
func (m *MockHost) AddExtension(rec *ExtensionRecord) {
	c := rec.Clone()
	if c.Type == "" {
		c.Type = TypeExtension
	}
	m.extMu.Lock()
	m.extensions[c.ID] = c
	m.extMu.Unlock()
}

// RemoveExtension uninstalls a record.
func (m *MockHost) RemoveExtension(id string) {
	m.extMu.Lock()
	delete(m.extensions, id)
	m.extMu.Unlock()
}

// Extension returns a copy of the stored record, or nil.
func (m *MockHost) Extension(id string) *ExtensionRecord {
	m.extMu.RLock()
	defer m.extMu.RUnlock()
	return m.extensions[id].Clone()
}

// FailListing makes ListExtensions return err until cleared with nil.
func (m *MockHost) FailListing(err error) {
	m.extMu.Lock()
	m.listErr = err
	m.extMu.Unlock()
}

// ReturnEmptyListings makes the next n ListExtensions calls return no records.
func (m *MockHost) ReturnEmptyListings(n int) {
	m.extMu.Lock()
	m.listEmpty = n
	m.extMu.Unlock()
}

// FailTimes makes the next n SetEnabled calls for id fail with err.
func (m *MockHost) FailTimes(id string, n int, err error) {
	m.failMu.Lock()
	m.failures[id] = &scriptedFailure{remaining: n, err: err}
	m.failMu.Unlock()
}

// AlwaysFail makes every SetEnabled call for id fail with err.
func (m *MockHost) AlwaysFail(id string, err error) {
	m.FailTimes(id, -1, err)
}

// Silence makes SetEnabled report success for id without changing its state.
func (m *MockHost) Silence(id string) {
	m.failMu.Lock()
	m.silent[id] = true
	m.failMu.Unlock()
}

// ListExtensions implements Host.
func (m *MockHost) ListExtensions() ([]*ExtensionRecord, error) {
	m.extMu.Lock()
	defer m.extMu.Unlock()

	m.callsMu.Lock()
	m.listCalls++
	m.callsMu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listEmpty > 0 {
		m.listEmpty--
		return []*ExtensionRecord{}, nil
	}

	out := make([]*ExtensionRecord, 0, len(m.extensions))
	for _, rec := range m.extensions {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListCalls returns how many times ListExtensions was called.
func (m *MockHost) ListCalls() int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.listCalls
}

// SetEnabled implements Host.
func (m *MockHost) SetEnabled(id string, enabled bool) error {
	m.callsMu.Lock()
	m.calls = append(m.calls, SetEnabledCall{ExtensionID: id, Enabled: enabled, Time: time.Now()})
	m.callsMu.Unlock()

	m.failMu.Lock()
	if f, ok := m.failures[id]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		err := f.err
		m.failMu.Unlock()
		return err
	}
	silent := m.silent[id]
	m.failMu.Unlock()

	m.extMu.Lock()
	rec, ok := m.extensions[id]
	if !ok {
		m.extMu.Unlock()
		return &Error{Code: "not_found", Message: fmt.Sprintf("no extension with id %s", id)}
	}
	changed := !silent && rec.Enabled != enabled
	if changed {
		rec.Enabled = enabled
	}
	snapshot := rec.Clone()
	m.extMu.Unlock()

	if changed {
		m.notify(enabled, snapshot)
	}
	return nil
}

// Calls returns every recorded SetEnabled call.
func (m *MockHost) Calls() []SetEnabledCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	out := make([]SetEnabledCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded SetEnabled calls for one extension.
func (m *MockHost) CallsFor(id string) []SetEnabledCall {
	var out []SetEnabledCall
	for _, c := range m.Calls() {
		if c.ExtensionID == id {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls forgets recorded calls.
func (m *MockHost) ClearCalls() {
	m.callsMu.Lock()
	m.calls = nil
	m.callsMu.Unlock()
}

// OnEnabled implements Host.
func (m *MockHost) OnEnabled(handler ExtensionEventHandler) (Subscription, error) {
	return m.subs.add(EventEnabled, handler), nil
}

// OnDisabled implements Host.
func (m *MockHost) OnDisabled(handler ExtensionEventHandler) (Subscription, error) {
	return m.subs.add(EventDisabled, handler), nil
}

// SubscriberCount returns the number of handlers registered for eventType.
func (m *MockHost) SubscriberCount(eventType string) int {
	return m.subs.count(eventType)
}

// SelfID implements Host.
func (m *MockHost) SelfID() string {
	return m.selfID
}

// SimulateDisabled flips the stored state to disabled (as a user or policy
// would) and delivers the disabled notification synchronously.
func (m *MockHost) SimulateDisabled(id string) {
	m.simulate(id, false)
}

// SimulateEnabled flips the stored state to enabled and notifies.
func (m *MockHost) SimulateEnabled(id string) {
	m.simulate(id, true)
}

func (m *MockHost) simulate(id string, enabled bool) {
	m.extMu.Lock()
	rec, ok := m.extensions[id]
	if !ok {
		rec = &ExtensionRecord{ID: id, Name: id, Type: TypeExtension}
		m.extensions[id] = rec
	}
	rec.Enabled = enabled
	snapshot := rec.Clone()
	m.extMu.Unlock()

	m.notify(enabled, snapshot)
}

func (m *MockHost) notify(enabled bool, rec *ExtensionRecord) {
	eventType := EventDisabled
	if enabled {
		eventType = EventEnabled
	}
	m.subs.notify(eventType, rec)
}
