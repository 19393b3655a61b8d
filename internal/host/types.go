package host

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeExtension is the only record type the organizer manages. Themes,
// hosted apps and the like are reported by the host but ignored.
const TypeExtension = "extension"

// Disabled reasons reported by the host.
const (
	DisabledReasonUnknown             = "unknown"
	DisabledReasonPermissionsIncrease = "permissions_increase"
)

// Icon is one icon entry of an extension record.
type Icon struct {
	Size int    `json:"size"`
	URL  string `json:"url"`
}

// ExtensionRecord is the host's view of one installed extension.
type ExtensionRecord struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Enabled               bool     `json:"enabled"`
	Type                  string   `json:"type"`
	InstallType           string   `json:"installType,omitempty"`
	DisabledReason        string   `json:"disabledReason,omitempty"`
	MayDisable            bool     `json:"mayDisable,omitempty"`
	MayRequireUserGesture bool     `json:"mayRequireUserGesture,omitempty"`
	Permissions           []string `json:"permissions,omitempty"`
	HostPermissions       []string `json:"hostPermissions,omitempty"`
	Icons                 []Icon   `json:"icons,omitempty"`
	UpdateURL             string   `json:"updateUrl,omitempty"`
	Version               string   `json:"version,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ExtensionRecord) Clone() *ExtensionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Permissions = append([]string(nil), r.Permissions...)
	c.HostPermissions = append([]string(nil), r.HostPermissions...)
	c.Icons = append([]Icon(nil), r.Icons...)
	return &c
}

// WithoutIcons returns a copy of the record with the icon list dropped.
func (r *ExtensionRecord) WithoutIcons() *ExtensionRecord {
	c := r.Clone()
	if c != nil {
		c.Icons = nil
	}
	return c
}

// Error is a failure reported by the host for a single call.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes produced by the bridge client itself.
const (
	CodeNotConnected = "not_connected"
	CodeTimeout      = "timeout"
	CodeDisconnected = "disconnected"
	CodeSendFailed   = "send_failed"
	CodeRequest      = "request_failed"
)

// Message is the envelope of every frame exchanged with the bridge.
type Message struct {
	ID          int             `json:"id,omitempty"`
	Type        string          `json:"type"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Event       *Event          `json:"event,omitempty"`
	HostVersion string          `json:"host_version,omitempty"`
	SelfID      string          `json:"self_id,omitempty"`
}

// AuthMessage authenticates the client after auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is a pushed state-change notification.
type Event struct {
	EventType string           `json:"event_type"`
	Data      *ExtensionRecord `json:"data"`
	TimeFired time.Time        `json:"time_fired"`
}

// Event types pushed by the bridge.
const (
	EventEnabled  = "enabled"
	EventDisabled = "disabled"
)

// GetAllRequest lists every installed extension.
type GetAllRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SetEnabledRequest enables or disables one extension.
type SetEnabledRequest struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	ExtensionID string `json:"extension_id"`
	Enabled     bool   `json:"enabled"`
}

// SubscribeEventsRequest asks the bridge to push enabled/disabled events.
type SubscribeEventsRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// ExtensionEventHandler receives a host notification about one extension.
type ExtensionEventHandler func(info *ExtensionRecord)

// Subscription is an active notification registration.
type Subscription interface {
	Unsubscribe() error
}
