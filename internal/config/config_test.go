package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VIBETUNNEL_CONTROL_DIR",
		"VIBETUNNEL_SESSION_ID",
		"VIBETUNNEL_TITLE_MODE",
		"VIBETUNNEL_LOG_LEVEL",
		"VIBETUNNEL_DEBUG",
	} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("VIBETUNNEL_CONTROL_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TitleMode != TitleModeNone {
		t.Errorf("TitleMode = %q, want %q", cfg.TitleMode, TitleModeNone)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.IdleTimeoutMs != IdleTimeoutMs {
		t.Errorf("IdleTimeoutMs = %d, want %d", cfg.IdleTimeoutMs, IdleTimeoutMs)
	}
}

func TestLoadHonorsTitleMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("VIBETUNNEL_CONTROL_DIR", t.TempDir())
	os.Setenv("VIBETUNNEL_TITLE_MODE", "filter")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TitleMode != TitleModeFilter {
		t.Errorf("TitleMode = %q, want %q", cfg.TitleMode, TitleModeFilter)
	}
}

func TestLoadIgnoresUnknownTitleMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("VIBETUNNEL_CONTROL_DIR", t.TempDir())
	os.Setenv("VIBETUNNEL_TITLE_MODE", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TitleMode != TitleModeNone {
		t.Errorf("TitleMode = %q, want default %q for an unrecognized value", cfg.TitleMode, TitleModeNone)
	}
}

func TestDebugForcesDebugLevel(t *testing.T) {
	clearEnv(t)
	os.Setenv("VIBETUNNEL_CONTROL_DIR", t.TempDir())
	os.Setenv("VIBETUNNEL_LOG_LEVEL", "warn")
	os.Setenv("VIBETUNNEL_DEBUG", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug (VIBETUNNEL_DEBUG overrides VIBETUNNEL_LOG_LEVEL)", cfg.LogLevel)
	}
}

func TestLoadCreatesControlRoot(t *testing.T) {
	clearEnv(t)
	root := t.TempDir() + "/nested/control"
	os.Setenv("VIBETUNNEL_CONTROL_DIR", root)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlRoot != root {
		t.Errorf("ControlRoot = %q, want %q", cfg.ControlRoot, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("control root not created: %v", err)
	}
}
