package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/reaper"
	"github.com/atelier-dev/atelier/internal/server"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/unit"
)

// appConfig gathers the tunables of every subsystem behind one TOML file.
type appConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	DatabasePath   string

	ControlPlaneURL     string
	ControlPlaneTimeout time.Duration

	UnitImage         string
	UnitShellPath     string
	ProvisionTimeout  time.Duration
	ProvisionAttempts int
	StopSyncTimeout   time.Duration

	IdleThreshold time.Duration
	ReapInterval  time.Duration

	ReplayBufferBytes int
}

func defaultAppConfig() appConfig {
	return appConfig{
		ListenAddr:          server.DefaultServiceConfig().ListenAddr,
		AllowedOrigins:      []string{"*"},
		DatabasePath:        "atelier.db",
		ControlPlaneURL:     unit.DefaultHTTPConfig().BaseURL,
		ControlPlaneTimeout: unit.DefaultHTTPConfig().CallTimeout,
		UnitImage:           lifecycle.DefaultConfig().UnitSpec.Image,
		UnitShellPath:       lifecycle.DefaultConfig().UnitSpec.ShellPath,
		ProvisionTimeout:    lifecycle.DefaultConfig().ProvisionTimeout,
		ProvisionAttempts:   lifecycle.DefaultConfig().ProvisionAttempts,
		StopSyncTimeout:     lifecycle.DefaultConfig().StopSyncTimeout,
		IdleThreshold:       reaper.DefaultConfig().IdleThreshold,
		ReapInterval:        reaper.DefaultConfig().Interval,
		ReplayBufferBytes:   stream.DefaultConfig().ReplayBufferBytes,
	}
}

type fileConfig struct {
	ListenAddr          string   `toml:"listen_addr"`
	AllowedOrigins      []string `toml:"allowed_origins"`
	DatabasePath        string   `toml:"database_path"`
	ControlPlaneURL     string   `toml:"control_plane_url"`
	ControlPlaneTimeout string   `toml:"control_plane_timeout"`
	UnitImage           string   `toml:"unit_image"`
	UnitShellPath       string   `toml:"unit_shell_path"`
	ProvisionTimeout    string   `toml:"provision_timeout"`
	ProvisionAttempts   int      `toml:"provision_attempts"`
	StopSyncTimeout     string   `toml:"stop_sync_timeout"`
	IdleThreshold       string   `toml:"idle_threshold"`
	ReapInterval        string   `toml:"reap_interval"`
	ReplayBufferBytes   int      `toml:"replay_buffer_bytes"`
}

// loadAppConfig overlays a TOML file on defaults; keys absent from the file
// keep their default values.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load atelier config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		if addr := strings.TrimSpace(raw.ListenAddr); addr != "" {
			cfg.ListenAddr = addr
		}
	}
	if meta.IsDefined("allowed_origins") {
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	}
	if meta.IsDefined("database_path") {
		if p := strings.TrimSpace(raw.DatabasePath); p != "" {
			cfg.DatabasePath = p
		}
	}
	if meta.IsDefined("control_plane_url") {
		cfg.ControlPlaneURL = strings.TrimSpace(raw.ControlPlaneURL)
	}
	if meta.IsDefined("control_plane_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ControlPlaneTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse control_plane_timeout: %w", err)
		}
		cfg.ControlPlaneTimeout = d
	}
	if meta.IsDefined("unit_image") {
		cfg.UnitImage = strings.TrimSpace(raw.UnitImage)
	}
	if meta.IsDefined("unit_shell_path") {
		cfg.UnitShellPath = strings.TrimSpace(raw.UnitShellPath)
	}
	if meta.IsDefined("provision_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ProvisionTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse provision_timeout: %w", err)
		}
		cfg.ProvisionTimeout = d
	}
	if meta.IsDefined("provision_attempts") {
		cfg.ProvisionAttempts = raw.ProvisionAttempts
	}
	if meta.IsDefined("stop_sync_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StopSyncTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse stop_sync_timeout: %w", err)
		}
		cfg.StopSyncTimeout = d
	}
	if meta.IsDefined("idle_threshold") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleThreshold))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse idle_threshold: %w", err)
		}
		cfg.IdleThreshold = d
	}
	if meta.IsDefined("reap_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReapInterval))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse reap_interval: %w", err)
		}
		cfg.ReapInterval = d
	}
	if meta.IsDefined("replay_buffer_bytes") {
		cfg.ReplayBufferBytes = raw.ReplayBufferBytes
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
