package main

import (
	"flag"
	"fmt"
	"os"

	"gorm.io/driver/sqlite"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/logging"
	"github.com/atelier-dev/atelier/internal/observability"
	"github.com/atelier-dev/atelier/internal/reaper"
	"github.com/atelier-dev/atelier/internal/server"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/syncer"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "atelierd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := defaultAppConfig()
	if configPath != "" {
		loaded, err := loadAppConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logging.ConfigureRuntime()
	logger := observability.InitLogger("atelierd")
	observability.RegisterMetrics()

	store, err := workspace.Open(sqlite.Open(cfg.DatabasePath))
	if err != nil {
		return err
	}

	plane, err := unit.NewHTTPControlPlane(unit.HTTPConfig{
		BaseURL:     cfg.ControlPlaneURL,
		CallTimeout: cfg.ControlPlaneTimeout,
	})
	if err != nil {
		return err
	}

	engine := syncer.NewEngine(store, plane, syncer.DefaultConfig())
	hub := stream.NewHub(stream.Config{ReplayBufferBytes: cfg.ReplayBufferBytes})

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.UnitSpec.Image = cfg.UnitImage
	lifecycleCfg.UnitSpec.ShellPath = cfg.UnitShellPath
	lifecycleCfg.ProvisionTimeout = cfg.ProvisionTimeout
	lifecycleCfg.ProvisionAttempts = cfg.ProvisionAttempts
	lifecycleCfg.StopSyncTimeout = cfg.StopSyncTimeout
	manager := lifecycle.NewManager(store, plane, engine, hub, lifecycleCfg)

	rpr := reaper.New(store, manager, reaper.Config{
		Interval:      cfg.ReapInterval,
		IdleThreshold: cfg.IdleThreshold,
	})

	svc := server.NewService(server.ServiceConfig{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, store, manager, engine, hub, plane, rpr, logger)

	return svc.Run()
}
