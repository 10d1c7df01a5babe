// Package config resolves session-core configuration from environment
// variables, the only configuration surface the core owns (persisted
// user settings belong to an external collaborator per spec §1).
//
// Environment variables:
//   - VIBETUNNEL_CONTROL_DIR: control root (default ~/.vibetunnel/control)
//   - VIBETUNNEL_SESSION_ID: signals an attached-via-VT spawn
//   - VIBETUNNEL_TITLE_MODE: none|filter|static
//   - VIBETUNNEL_LOG_LEVEL: debug|info|warn|error
//   - VIBETUNNEL_DEBUG: any non-empty value enables verbose logging
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// TitleMode controls whether and how the core injects terminal titles.
type TitleMode string

const (
	TitleModeNone   TitleMode = "none"
	TitleModeFilter TitleMode = "filter"
	TitleModeStatic TitleMode = "static"
)

// IdleTimeoutMs is the default activity idle threshold (spec §4.5.1).
const IdleTimeoutMs = 5000

// CommandFinishedFloorMs is the minimum duration before a non-"claude"
// command emits a CommandFinished notification (spec §4.5.2, §9).
const CommandFinishedFloorMs = 3000

// Config holds the environment-derived settings the core reads at startup.
type Config struct {
	ControlRoot    string
	AttachedTo     string // VIBETUNNEL_SESSION_ID, empty if not VT-attached
	TitleMode      TitleMode
	LogLevel       slog.Level
	Debug          bool
	IdleTimeoutMs  int64
}

// Load reads configuration from the environment, applying the defaults
// spec §6 describes.
func Load() (*Config, error) {
	cfg := &Config{
		TitleMode:     TitleModeNone,
		LogLevel:      slog.LevelInfo,
		IdleTimeoutMs: IdleTimeoutMs,
	}

	root, err := resolveControlRoot()
	if err != nil {
		return nil, err
	}
	cfg.ControlRoot = root

	cfg.AttachedTo = os.Getenv("VIBETUNNEL_SESSION_ID")

	if mode := os.Getenv("VIBETUNNEL_TITLE_MODE"); mode != "" {
		switch TitleMode(strings.ToLower(mode)) {
		case TitleModeNone, TitleModeFilter, TitleModeStatic:
			cfg.TitleMode = TitleMode(strings.ToLower(mode))
		}
	}

	if lvl := os.Getenv("VIBETUNNEL_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLevel(lvl)
	}

	if os.Getenv("VIBETUNNEL_DEBUG") != "" {
		cfg.Debug = true
		cfg.LogLevel = slog.LevelDebug
	}

	return cfg, nil
}

// resolveControlRoot returns the control root, creating it if necessary.
func resolveControlRoot() (string, error) {
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("could not create control root: %w", err)
		}
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(home, ".vibetunnel", "control")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create control root: %w", err)
	}
	return dir, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
