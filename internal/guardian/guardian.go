// Package guardian keeps the members of the always-on group enabled by
// reacting to host enable/disable notifications.
package guardian

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultReassertDelay is the pause between observing a disable and
// re-enabling, leaving the host's own state change time to settle.
const DefaultReassertDelay = 100 * time.Millisecond

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("guardian already started")

// State is the per-extension reassertion state.
type State string

const (
	StateEnabled          State = "enabled"
	StateDisabledObserved State = "disabled_observed"
	StateReassertPending  State = "reassert_pending"
)

// Host is the part of the host platform the guardian uses.
type Host interface {
	SetEnabled(id string, enabled bool) error
	OnEnabled(handler host.ExtensionEventHandler) (host.Subscription, error)
	OnDisabled(handler host.ExtensionEventHandler) (host.Subscription, error)
}

// Membership yields the current members of the always-on group. It is
// consulted on every notification.
type Membership interface {
	AlwaysOnMembers() ([]string, error)
}

// Status describes one tracked extension.
type Status struct {
	ExtensionID  string    `json:"extensionId"`
	Name         string    `json:"name,omitempty"`
	State        State     `json:"state"`
	LastChange   time.Time `json:"lastChange"`
	Reassertions int       `json:"reassertions"`
	LastError    string    `json:"lastError,omitempty"`
}

type tracked struct {
	Status
	timer clock.Timer
	gen   uint64
	// inFlight is set while the enable call is outstanding.
	inFlight bool
}

// Guardian re-enables always-on members that get disabled. It makes a
// single enable call per disable notification and never retries; the next
// notification restarts the cycle.
type Guardian struct {
	host    Host
	members Membership
	clock   clock.Clock
	delay   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	subs    []host.Subscription
	entries map[string]*tracked
}

// New creates a guardian. A non-positive delay uses DefaultReassertDelay.
func New(h Host, members Membership, clk clock.Clock, delay time.Duration, logger *zap.Logger) *Guardian {
	if delay <= 0 {
		delay = DefaultReassertDelay
	}
	return &Guardian{
		host:    h,
		members: members,
		clock:   clk,
		delay:   delay,
		logger:  logger.Named("guardian"),
		entries: make(map[string]*tracked),
	}
}

// Start subscribes to host notifications. It may only be called once per
// running guardian.
func (g *Guardian) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}

	disabledSub, err := g.host.OnDisabled(g.handleDisabled)
	if err != nil {
		return err
	}
	enabledSub, err := g.host.OnEnabled(g.handleEnabled)
	if err != nil {
		return multierr.Append(err, disabledSub.Unsubscribe())
	}

	g.subs = []host.Subscription{disabledSub, enabledSub}
	g.started = true
	g.logger.Info("Guardian started", zap.Duration("reassert_delay", g.delay))
	return nil
}

// Stop unsubscribes and cancels pending reassertions.
func (g *Guardian) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}

	var err error
	for _, sub := range g.subs {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	for _, t := range g.entries {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		if t.State == StateReassertPending {
			t.State = StateDisabledObserved
		}
	}
	g.subs = nil
	g.started = false
	g.logger.Info("Guardian stopped")
	return err
}

// States returns every tracked extension sorted by ID.
func (g *Guardian) States() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Status, 0, len(g.entries))
	for _, t := range g.entries {
		out = append(out, t.Status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out
}

func (g *Guardian) handleDisabled(rec *host.ExtensionRecord) {
	if rec == nil {
		return
	}

	members, err := g.members.AlwaysOnMembers()
	if err != nil {
		g.logger.Error("Failed to read Fixed group members", zap.String("extension_id", rec.ID), zap.Error(err))
		return
	}
	if !contains(members, rec.ID) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return
	}

	t := g.entry(rec)
	if t.State == StateReassertPending && t.timer != nil {
		g.logger.Debug("Reassertion already pending", zap.String("extension_id", rec.ID))
		return
	}

	g.logger.Info("Fixed extension was disabled, scheduling re-enable",
		zap.String("extension_id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("disabled_reason", rec.DisabledReason),
		zap.Bool("call_in_flight", t.inFlight))

	now := g.clock.Now()
	t.State = StateDisabledObserved
	t.LastChange = now

	t.gen++
	gen := t.gen
	t.State = StateReassertPending
	t.timer = g.clock.AfterFunc(g.delay, func() { g.reassert(rec.ID, gen) })
}

func (g *Guardian) handleEnabled(rec *host.ExtensionRecord) {
	if rec == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.entries[rec.ID]
	if !ok {
		return
	}
	if t.inFlight {
		// Echo of our own enable call; its result settles the state.
		return
	}
	if t.State == StateReassertPending && t.timer != nil {
		t.timer.Stop()
		g.logger.Debug("Extension re-enabled externally, reassertion cancelled", zap.String("extension_id", rec.ID))
	}
	t.timer = nil
	t.State = StateEnabled
	t.LastChange = g.clock.Now()
}

func (g *Guardian) reassert(id string, gen uint64) {
	g.mu.Lock()
	t, ok := g.entries[id]
	if !ok || !g.started || t.gen != gen || t.State != StateReassertPending {
		g.mu.Unlock()
		return
	}
	t.timer = nil
	t.inFlight = true
	t.Reassertions++
	g.mu.Unlock()

	err := g.host.SetEnabled(id, true)

	g.mu.Lock()
	defer g.mu.Unlock()
	t.inFlight = false
	t.LastChange = g.clock.Now()
	if err != nil {
		g.logger.Error("Failed to re-enable Fixed extension", zap.String("extension_id", id), zap.Error(err))
		t.LastError = err.Error()
		if t.gen == gen {
			t.State = StateDisabledObserved
		}
		return
	}

	g.logger.Info("Re-enabled Fixed extension", zap.String("extension_id", id))
	t.LastError = ""
	if t.gen == gen {
		t.State = StateEnabled
	}
}

func (g *Guardian) entry(rec *host.ExtensionRecord) *tracked {
	t, ok := g.entries[rec.ID]
	if !ok {
		t = &tracked{Status: Status{ExtensionID: rec.ID, State: StateEnabled}}
		g.entries[rec.ID] = t
	}
	if rec.Name != "" {
		t.Name = rec.Name
	}
	return t
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
