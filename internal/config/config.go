// Package config resolves, parses, validates, and defaults arandu
// configuration. Configuration is optional: a missing file yields the
// defaults plus a warning, never an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/arandu-app/arandu/internal/logging"
)

// Config holds the runtime settings read from config.toml. Zero values are
// replaced by Default before the file is decoded, so partial files work.
type Config struct {
	// SocketPath overrides the unix socket location. Empty means the
	// XDG runtime default.
	SocketPath string `toml:"socket_path"`

	// TCPPort is the loopback fallback listener port. 0 disables the
	// loopback transport entirely.
	TCPPort int `toml:"tcp_port"`

	// HistoryPath overrides the recent-files database location. Empty
	// means the XDG state default.
	HistoryPath string `toml:"history_path"`

	// HistoryLimit caps how many recent files are retained.
	HistoryLimit int `toml:"history_limit"`

	LogLevel string `toml:"log_level"`

	// WatchDebounceMS is the quiet period applied to file change
	// notifications before the viewer reloads.
	WatchDebounceMS int `toml:"watch_debounce_ms"`
}

// Warning is a non-fatal problem found while loading configuration.
type Warning struct {
	Message string
}

// Loaded is the result of resolving and reading a config file.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

func Default() Config {
	return Config{
		TCPPort:         7474,
		HistoryLimit:    20,
		LogLevel:        "info",
		WatchDebounceMS: 100,
	}
}

// ResolvePath returns the config file location: the explicit path when
// given, otherwise $XDG_CONFIG_HOME/arandu/config.toml, otherwise
// ~/.config/arandu/config.toml.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, "arandu", "config.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return filepath.Join(home, ".config", "arandu", "config.toml"), nil
}

// Load reads the config file at explicit (or the default location) on top
// of Default. Unknown keys are collected as warnings rather than rejected,
// so older builds tolerate newer files.
func Load(explicit string) (Loaded, error) {
	path, err := ResolvePath(explicit)
	if err != nil {
		return Loaded{}, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Loaded{
				Path:     path,
				Config:   cfg,
				Warnings: []Warning{{Message: fmt.Sprintf("config file %s not found, using defaults", path)}},
			}, nil
		}
		return Loaded{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	var warnings []Warning
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("unknown config key %q", key.String())})
	}

	if err := Validate(cfg); err != nil {
		return Loaded{}, fmt.Errorf("config %s: %w", path, err)
	}

	return Loaded{Path: path, Config: cfg, Warnings: warnings, Exists: true}, nil
}

func Validate(cfg Config) error {
	if cfg.TCPPort < 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range (0 disables the loopback listener)", cfg.TCPPort)
	}
	if cfg.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", cfg.HistoryLimit)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if cfg.WatchDebounceMS < 0 {
		return fmt.Errorf("watch_debounce_ms must not be negative, got %d", cfg.WatchDebounceMS)
	}
	return nil
}
