// Command vt-fwd runs one command under a session-core session and
// forwards its PTY directly to this process's own stdio, exiting with
// the child's exit code. It is the thin wrapper a shell alias or editor
// integration invokes in place of the command it wraps.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/session-core/internal/config"
	"github.com/vibetunnel/session-core/internal/session"
	"github.com/vibetunnel/session-core/internal/store"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n\nPANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	var sessionID, titleMode, updateTitle, verbosity, logFile string

	rootCmd := &cobra.Command{
		Use:                "vt-fwd -- <command> [args...]",
		Short:              "Run a command inside a tracked session and forward it to this terminal",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args, sessionID, titleMode, updateTitle, verbosity, logFile)
		},
	}
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "explicit session id (defaults to a generated uuid)")
	rootCmd.Flags().StringVar(&titleMode, "title-mode", "", "none|filter|static (defaults to VIBETUNNEL_TITLE_MODE)")
	rootCmd.Flags().StringVar(&updateTitle, "update-title", "", "set the session's title once at startup")
	rootCmd.Flags().StringVar(&verbosity, "verbosity", "info", "debug|info|warn|error")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "path to write logs (defaults to stderr)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, sessionID, titleModeFlag, updateTitle, verbosity, logFilePath string) error {
	logOut := os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: parseVerbosity(verbosity)})))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	titleMode := cfg.TitleMode
	if titleModeFlag != "" {
		titleMode = config.TitleMode(titleModeFlag)
	}

	cwd, _ := os.Getwd()
	mgr := session.New(store.New(cfg.ControlRoot, "dev"), cfg, nil)

	exitCh := make(chan int, 1)
	meta, err := mgr.Create(args, session.CreateOptions{
		SessionID:       sessionID,
		WorkingDir:      cwd,
		ForwardToStdout: true,
		TitleMode:       titleMode,
		Attached:        true,
		OnExit:          func(code int) { exitCh <- code },
	})
	if err != nil {
		slog.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	if updateTitle != "" {
		applyUpdateTitle(mgr, meta.ID, updateTitle)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGWINCH)
	go forwardSignals(mgr, meta.ID, sigCh)

	code := <-exitCh
	os.Exit(code)
	return nil
}

// applyUpdateTitle renames the session vt-fwd just created through
// Manager.Rename, which rewrites the stored metadata and, since the
// session is held in this process, schedules a title injection when a
// title mode is active. A failed rename is logged and otherwise ignored.
func applyUpdateTitle(mgr *session.Manager, id, title string) {
	if _, err := mgr.Rename(id, title); err != nil {
		slog.Warn("failed to set initial title", "error", err)
	}
}

func forwardSignals(mgr *session.Manager, id string, sigCh <-chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			mgr.Kill(id, syscall.SIGTERM)
			return
		case syscall.SIGWINCH:
			mgr.ResetSize(id)
		}
	}
}

func parseVerbosity(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
