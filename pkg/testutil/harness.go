package testutil

import (
	"fmt"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/groups"
	"github.com/kelseywhytock/extension-wrangler/internal/guardian"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/journal"
	"github.com/kelseywhytock/extension-wrangler/internal/organizer"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"
	"github.com/kelseywhytock/extension-wrangler/internal/storage"
	"github.com/kelseywhytock/extension-wrangler/internal/toggle"

	"go.uber.org/zap"
)

// SelfID is the organizer's own extension ID on the mock bridge.
const SelfID = "wrangler-self"

// FastToggle keeps the engine's shape but shortens every pause.
var FastToggle = toggle.Config{
	BatchSize:   2,
	BatchDelay:  time.Millisecond,
	MaxRetries:  3,
	BackoffStep: time.Millisecond,
}

// TestEnv is a complete organizer wired to a mock bridge over a real
// WebSocket connection, with in-memory storage and a real clock.
type TestEnv struct {
	Bridge   *MockBridge
	Client   *host.Client
	Store    *storage.MemoryStore
	Groups   *groups.Store
	Journal  *journal.Journal
	Org      *organizer.Organizer
	Guardian *guardian.Guardian
	Clock    clock.Clock
	Logger   *zap.Logger
}

// NewTestEnv starts a bridge seeded with extensions, connects a client and
// loads the organizer.
//
//	env, err := testutil.NewTestEnv("token", extensions...)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string, extensions ...*host.ExtensionRecord) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	bridge := NewMockBridge(token, SelfID)
	bridge.AddExtension(&host.ExtensionRecord{ID: SelfID, Name: "Extension Wrangler", Enabled: true})
	for _, rec := range extensions {
		bridge.AddExtension(rec)
	}
	if err := bridge.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock bridge: %w", err)
	}

	client := host.NewClient(bridge.URL(), token, logger)
	if err := client.Connect(); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	clk := clock.NewRealClock()
	store := storage.NewMemoryStore()
	j := journal.Open(store, journal.DefaultCapacity, clk, logger)
	gs := groups.NewStore(store, logger)
	engine := toggle.NewEngine(client, j, clk, FastToggle, logger)
	org := organizer.New(client, registry.New(client, clk, logger), gs, engine, j, logger)

	if _, err := org.Load(); err != nil {
		client.Disconnect()
		bridge.Stop()
		return nil, fmt.Errorf("failed to load organizer: %w", err)
	}

	return &TestEnv{
		Bridge:  bridge,
		Client:  client,
		Store:   store,
		Groups:  gs,
		Journal: j,
		Org:     org,
		Clock:   clk,
		Logger:  logger,
	}, nil
}

// StartGuardian starts the always-on guardian with the given reassert delay.
func (e *TestEnv) StartGuardian(delay time.Duration) error {
	e.Guardian = guardian.New(e.Client, e.Groups, e.Clock, delay, e.Logger)
	return e.Guardian.Start()
}

// GuardianStatus returns the guardian's status for id, if tracked.
func (e *TestEnv) GuardianStatus(id string) (guardian.Status, bool) {
	if e.Guardian == nil {
		return guardian.Status{}, false
	}
	for _, s := range e.Guardian.States() {
		if s.ExtensionID == id {
			return s, true
		}
	}
	return guardian.Status{}, false
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Guardian != nil {
		e.Guardian.Stop()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Bridge != nil {
		e.Bridge.Stop()
	}
}
