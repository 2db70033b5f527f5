package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"marcut/internal/config"
	"marcut/internal/lease"
	"marcut/internal/logging"
	"marcut/internal/orchestrator"
	"marcut/internal/queue"
	"marcut/internal/services"
	"marcut/internal/services/marcut"
	"marcut/internal/workflow"
)

// appContext carries lazily built process state across commands. Read-only
// commands stop at the config and store; mutating commands additionally
// take the process lease and build the orchestrator.
type appContext struct {
	configPath string
	logLevel   string

	cfg       *config.Config
	cfgPath   string
	cfgExists bool
	logger    *slog.Logger

	store   *queue.Store
	held    *lease.Lease
	engine  marcut.Engine
	orch    *orchestrator.Orchestrator
	monitor *orchestrator.StallMonitor
	batch   *workflow.Manager
}

// setup loads configuration and builds the logger. Idempotent.
func (a *appContext) setup() error {
	if a.cfg != nil {
		return nil
	}
	cfg, path, exists, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.cfgPath = path
	a.cfgExists = exists
	return a.buildLogger()
}

// setupWithoutValidation loads defaults only; used by config init so it can
// run before any file exists.
func (a *appContext) setupWithoutValidation() error {
	if a.cfg != nil {
		return nil
	}
	cfg := config.Default()
	a.cfg = &cfg
	path, err := config.DefaultConfigPath()
	if err != nil {
		return err
	}
	if a.configPath != "" {
		if path, err = config.ExpandPath(a.configPath); err != nil {
			return err
		}
	}
	a.cfgPath = path
	a.logger = logging.NewNop()
	return nil
}

func (a *appContext) buildLogger() error {
	level := a.cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := logging.New(logging.Options{
		Level:  level,
		Format: a.cfg.Logging.Format,
		OutputPaths: []string{
			"stderr",
			filepath.Join(a.cfg.Paths.LogDir, "marcut.log"),
		},
	})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// openStore opens the registry without taking the lease. Safe for
// read-only commands.
func (a *appContext) openStore() error {
	if a.store != nil {
		return nil
	}
	store, err := queue.Open(a.cfg)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// openRegistry takes the process lease and wires the orchestrator stack.
// withEngine controls whether the external engine client is constructed;
// intake-only commands run without one.
func (a *appContext) openRegistry(withEngine bool) error {
	if err := a.openStore(); err != nil {
		return err
	}
	if a.held == nil {
		held, inUse, err := lease.NewManager(a.cfg.Paths.LeaseDir).TryAcquire()
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("another marcut instance is already running")
		}
		a.held = held
	}
	if withEngine && a.engine == nil {
		a.engine = marcut.NewCLI(marcut.WithBinary(a.cfg.Engine.Binary))
	}
	if a.orch == nil {
		a.orch = orchestrator.New(a.cfg, a.store, a.engine, a.logger)
		a.monitor = orchestrator.NewStallMonitor(a.cfg, a.store, a.logger)
		a.monitor.Start()
		a.batch = workflow.NewManager(a.cfg, a.store, a.orch, a.logger)
	}
	return nil
}

func (a *appContext) reportError(err error) {
	if a.logger != nil {
		a.logger.Error("command failed", logging.Error(err))
		return
	}
	fmt.Fprintln(os.Stderr, "marcut:", services.UserMessage(err))
}

// shutdown releases everything in reverse order. The lease drops exactly
// once regardless of how many paths call this.
func (a *appContext) shutdown() {
	if a.orch != nil {
		_ = a.orch.Close()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.held != nil {
		_ = a.held.Release()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
