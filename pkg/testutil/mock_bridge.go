// Package testutil provides testing utilities for the extension organizer.
// It contains a mock host bridge WebSocket server and a harness that wires
// the real client, storage and organizer against it.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/host"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg any) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

type scriptedFailure struct {
	remaining int // -1 fails forever
	err       host.Error
}

// MockBridge simulates the host bridge: it authenticates clients, lists
// extensions, applies set_enabled requests and pushes enabled/disabled
// events to every connection.
type MockBridge struct {
	server      *httptest.Server
	token       string
	selfID      string
	hostVersion string

	extensions map[string]*host.ExtensionRecord
	extMu      sync.RWMutex

	connections []*connWrapper
	connsMu     sync.Mutex

	failures map[string]*scriptedFailure
	failMu   sync.Mutex

	calls   []SetEnabledCall
	callsMu sync.Mutex
}

// NewMockBridge creates a bridge that accepts token and reports selfID as
// the organizer's own extension ID.
func NewMockBridge(token, selfID string) *MockBridge {
	return &MockBridge{
		token:       token,
		selfID:      selfID,
		hostVersion: "mock-1.0",
		extensions:  make(map[string]*host.ExtensionRecord),
		failures:    make(map[string]*scriptedFailure),
	}
}

// Start starts the mock server on a free local port.
func (b *MockBridge) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", b.handleWebSocket)
	b.server = httptest.NewServer(mux)
	return nil
}

// URL returns the WebSocket URL clients dial.
func (b *MockBridge) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/websocket"
}

// Stop closes every connection and the server.
func (b *MockBridge) Stop() error {
	b.connsMu.Lock()
	for _, wrapper := range b.connections {
		wrapper.conn.Close()
	}
	b.connections = nil
	b.connsMu.Unlock()

	if b.server != nil {
		b.server.Close()
	}
	return nil
}

// AddExtension installs a record. An empty type becomes "extension".
func (b *MockBridge) AddExtension(rec *host.ExtensionRecord) {
	c := rec.Clone()
	if c.Type == "" {
		c.Type = host.TypeExtension
	}
	b.extMu.Lock()
	b.extensions[c.ID] = c
	b.extMu.Unlock()
}

// RemoveExtension uninstalls a record.
func (b *MockBridge) RemoveExtension(id string) {
	b.extMu.Lock()
	delete(b.extensions, id)
	b.extMu.Unlock()
}

// Extension returns a copy of the current record, or nil.
func (b *MockBridge) Extension(id string) *host.ExtensionRecord {
	b.extMu.RLock()
	defer b.extMu.RUnlock()
	return b.extensions[id].Clone()
}

// IsEnabled reports the bridge's view of an extension.
func (b *MockBridge) IsEnabled(id string) bool {
	rec := b.Extension(id)
	return rec != nil && rec.Enabled
}

// FailSetEnabled makes the next n set_enabled requests for id fail with
// code and message. A negative n fails every request.
func (b *MockBridge) FailSetEnabled(id string, n int, code, message string) {
	b.failMu.Lock()
	b.failures[id] = &scriptedFailure{remaining: n, err: host.Error{Code: code, Message: message}}
	b.failMu.Unlock()
}

// ClearFailures removes every scripted failure.
func (b *MockBridge) ClearFailures() {
	b.failMu.Lock()
	b.failures = make(map[string]*scriptedFailure)
	b.failMu.Unlock()
}

// SetExternally changes an extension's state outside the organizer, as the
// user or browser policy would, and pushes the matching event.
func (b *MockBridge) SetExternally(id string, enabled bool) {
	if rec, changed := b.apply(id, enabled); changed {
		b.broadcast(enabled, rec)
	}
}

// handleWebSocket handles WebSocket connections
func (b *MockBridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer func() {
		b.connsMu.Lock()
		for i, c := range b.connections {
			if c == wrapper {
				b.connections = append(b.connections[:i], b.connections[i+1:]...)
				break
			}
		}
		b.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(host.Message{Type: "auth_required"})

	var auth host.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != b.token {
		wrapper.write(host.Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(host.Message{Type: "auth_ok", HostVersion: b.hostVersion, SelfID: b.selfID})

	b.connsMu.Lock()
	b.connections = append(b.connections, wrapper)
	b.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			wrapper.write(result(base.ID, nil))
		case "get_all":
			wrapper.write(result(base.ID, b.list()))
		case "set_enabled":
			b.handleSetEnabled(wrapper, raw)
		default:
			wrapper.write(failure(base.ID, host.Error{Code: "unknown_type", Message: base.Type}))
		}
	}
}

func (b *MockBridge) list() []*host.ExtensionRecord {
	b.extMu.RLock()
	out := make([]*host.ExtensionRecord, 0, len(b.extensions))
	for _, rec := range b.extensions {
		out = append(out, rec.Clone())
	}
	b.extMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *MockBridge) handleSetEnabled(wrapper *connWrapper, raw json.RawMessage) {
	var req host.SetEnabledRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	b.callsMu.Lock()
	b.calls = append(b.calls, SetEnabledCall{Timestamp: time.Now(), ExtensionID: req.ExtensionID, Enabled: req.Enabled})
	b.callsMu.Unlock()

	b.failMu.Lock()
	if f, ok := b.failures[req.ExtensionID]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		err := f.err
		b.failMu.Unlock()
		wrapper.write(failure(req.ID, err))
		return
	}
	b.failMu.Unlock()

	rec, changed := b.apply(req.ExtensionID, req.Enabled)
	if rec == nil {
		wrapper.write(failure(req.ID, host.Error{Code: "not_found", Message: "no extension with id " + req.ExtensionID}))
		return
	}
	wrapper.write(result(req.ID, nil))
	if changed {
		b.broadcast(req.Enabled, rec)
	}
}

// apply sets the state and returns a copy of the record and whether it
// changed. The record is nil for unknown IDs.
func (b *MockBridge) apply(id string, enabled bool) (*host.ExtensionRecord, bool) {
	b.extMu.Lock()
	defer b.extMu.Unlock()
	rec, ok := b.extensions[id]
	if !ok {
		return nil, false
	}
	changed := rec.Enabled != enabled
	rec.Enabled = enabled
	return rec.Clone(), changed
}

// broadcast pushes an enabled or disabled event to all connections
func (b *MockBridge) broadcast(enabled bool, rec *host.ExtensionRecord) {
	eventType := host.EventDisabled
	if enabled {
		eventType = host.EventEnabled
	}
	msg := host.Message{
		Type:  "event",
		Event: &host.Event{EventType: eventType, Data: rec, TimeFired: time.Now()},
	}

	b.connsMu.Lock()
	wrappers := make([]*connWrapper, len(b.connections))
	copy(wrappers, b.connections)
	b.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

func result(id int, payload any) host.Message {
	success := true
	msg := host.Message{ID: id, Type: "result", Success: &success}
	if payload != nil {
		data, _ := json.Marshal(payload)
		msg.Result = data
	}
	return msg
}

func failure(id int, err host.Error) host.Message {
	success := false
	return host.Message{ID: id, Type: "result", Success: &success, Error: &err}
}

// GetCalls returns every set_enabled request since the last clear.
func (b *MockBridge) GetCalls() []SetEnabledCall {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	calls := make([]SetEnabledCall, len(b.calls))
	copy(calls, b.calls)
	return calls
}

// ClearCalls resets the call log.
func (b *MockBridge) ClearCalls() {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	b.calls = nil
}

// CountCalls counts set_enabled requests for id with the given target.
func (b *MockBridge) CountCalls(id string, enabled bool) int {
	return len(FilterCalls(b.GetCalls(), id, enabled))
}
