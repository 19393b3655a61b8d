package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/config"
	"github.com/kelseywhytock/extension-wrangler/internal/groups"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/journal"
	"github.com/kelseywhytock/extension-wrangler/internal/organizer"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"
	"github.com/kelseywhytock/extension-wrangler/internal/storage"
	"github.com/kelseywhytock/extension-wrangler/internal/toggle"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	debug      bool
	jsonOutput bool
}

// app is the wired process: config, logger, bridge client, storage and
// the organizer built on top of them.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	client  *host.Client
	store   *storage.SQLiteStore
	groups  *groups.Store
	journal *journal.Journal
	org     *organizer.Organizer
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openApp loads configuration, connects to the bridge, opens storage and
// loads the organizer.
func openApp(opts *options) (*app, error) {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load(opts.configPath, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, clock: clock.NewRealClock()}

	a.store, err = storage.OpenSQLite(cfg.Storage.Path, logger)
	if err != nil {
		return nil, err
	}

	a.client = host.NewClient(cfg.Bridge.URL, cfg.Bridge.Token, logger)
	if err := a.client.Connect(); err != nil {
		return nil, multierr.Append(err, a.store.Close())
	}

	a.journal = journal.Open(a.store, cfg.Journal.Capacity, a.clock, logger)
	a.groups = groups.NewStore(a.store, logger)
	engine := toggle.NewEngine(a.client, a.journal, a.clock, cfg.Engine(), logger)
	a.org = organizer.New(a.client, registry.New(a.client, a.clock, logger), a.groups, engine, a.journal, logger)

	report, err := a.org.Load()
	if err != nil {
		logger.Warn("Loaded with errors", zap.Error(err))
	}
	if report.PriorFailures > 0 {
		logger.Warn("Failure journal has entries from earlier runs",
			zap.Int("entries", report.PriorFailures))
	}
	return a, nil
}

// Close disconnects from the bridge and closes storage.
func (a *app) Close() error {
	err := multierr.Combine(a.client.Disconnect(), a.store.Close())
	_ = a.logger.Sync()
	return err
}

func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
