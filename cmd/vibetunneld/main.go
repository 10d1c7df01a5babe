// Command vibetunneld is the session-core daemon CLI: it creates,
// inspects, resizes, renames, and kills PTY-backed sessions recorded
// under the control root.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/session-core/internal/config"
	"github.com/vibetunnel/session-core/internal/session"
	"github.com/vibetunnel/session-core/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n\nPANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	logFile, err := os.OpenFile("/tmp/vibetunneld.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: cfg.LogLevel})))

	rootCmd := &cobra.Command{
		Use:     "vibetunneld",
		Short:   "PTY session daemon",
		Version: Version,
	}

	createCmd := &cobra.Command{
		Use:   "create -- <command> [args...]",
		Short: "Spawn a session and stream it to this terminal until it exits",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCreate,
	}
	createCmd.Flags().String("session-id", "", "explicit session id (defaults to a generated uuid)")
	createCmd.Flags().String("name", "", "display name (defaults to the session id)")
	createCmd.Flags().String("cwd", "", "working directory")
	rootCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session's metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	rootCmd.AddCommand(getCmd)

	resizeCmd := &cobra.Command{
		Use:   "resize <session-id> <cols> <rows>",
		Short: "Resize a session's PTY",
		Args:  cobra.ExactArgs(3),
		RunE:  runResize,
	}
	rootCmd.AddCommand(resizeCmd)

	renameCmd := &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE:  runRename,
	}
	rootCmd.AddCommand(renameCmd)

	killCmd := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	}
	killCmd.Flags().String("signal", "", "signal to send (default SIGTERM, escalating to SIGKILL)")
	rootCmd.AddCommand(killCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove exited sessions and sessions from a different build version",
		RunE:  runCleanup,
	}
	rootCmd.AddCommand(cleanupCmd)

	shutdownCmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Kill every running session recorded under the control root",
		RunE:  runShutdown,
	}
	rootCmd.AddCommand(shutdownCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStore(cfg *config.Config) *store.Store {
	return store.New(cfg.ControlRoot, Version)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessionID, _ := cmd.Flags().GetString("session-id")
	name, _ := cmd.Flags().GetString("name")
	cwd, _ := cmd.Flags().GetString("cwd")

	mgr := session.New(newStore(cfg), cfg, nil)

	exitCh := make(chan int, 1)
	meta, err := mgr.Create(args, session.CreateOptions{
		SessionID:       sessionID,
		Name:            name,
		WorkingDir:      cwd,
		ForwardToStdout: true,
		TitleMode:       cfg.TitleMode,
		OnExit:          func(code int) { exitCh <- code },
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	slog.Info("session created", "id", meta.ID, "command", meta.Command)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mgr.Kill(meta.ID, syscall.SIGTERM)
	}()

	code := <-exitCh
	os.Exit(code)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sessions, err := newStore(cfg).List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		fmt.Printf("%s\t%s\t%s\t%v\n", s.ID, s.Name, s.Status, s.Command)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	meta, err := newStore(cfg).Load(args[0])
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	fmt.Printf("id: %s\nname: %s\nstatus: %s\ncommand: %v\npid: %d\n", meta.ID, meta.Name, meta.Status, meta.Command, meta.PID)
	return nil
}

func runResize(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cols, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid cols: %w", err)
	}
	rows, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid rows: %w", err)
	}

	mgr := session.New(newStore(cfg), cfg, nil)
	if err := mgr.Resize(args[0], cols, rows, session.ResizeFromBrowser); err != nil {
		return fmt.Errorf("resize session: %w", err)
	}
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mgr := session.New(newStore(cfg), cfg, nil)
	name, err := mgr.Rename(args[0], args[1])
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	fmt.Println(name)
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sig := syscall.SIGTERM
	if s, _ := cmd.Flags().GetString("signal"); s == "KILL" || s == "SIGKILL" {
		sig = syscall.SIGKILL
	}

	mgr := session.New(newStore(cfg), cfg, nil)
	if err := mgr.Kill(args[0], sig); err != nil {
		return fmt.Errorf("kill session: %w", err)
	}
	return nil
}

// runShutdown kills every session this control root still shows as
// running. Unlike Manager.Shutdown (which only affects sessions held in
// the calling process's memory), this subcommand has no in-memory
// sessions of its own, so it walks the store and kills each one as a
// cross-process operation — the same IPC-then-signal path Kill already
// uses for out-of-process targets.
func runShutdown(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st := newStore(cfg)
	mgr := session.New(st, cfg, nil)

	sessions, err := st.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var failed int
	for _, s := range sessions {
		if s.Status != store.StatusRunning {
			continue
		}
		if err := mgr.Kill(s.ID, syscall.SIGTERM); err != nil {
			slog.Warn("failed to kill session", "id", s.ID, "error", err)
			failed++
			continue
		}
		fmt.Printf("killed %s\n", s.ID)
	}
	if failed > 0 {
		return fmt.Errorf("failed to kill %d session(s)", failed)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st := newStore(cfg)

	exited, err := st.CleanupExited()
	if err != nil {
		return fmt.Errorf("cleanup exited sessions: %w", err)
	}
	stale, err := st.CleanupOldVersions()
	if err != nil {
		return fmt.Errorf("cleanup stale versions: %w", err)
	}
	fmt.Printf("removed %d exited sessions, %d stale-version sessions\n", exited, stale)
	return nil
}
