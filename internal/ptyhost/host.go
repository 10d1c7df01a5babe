// Package ptyhost owns one child process attached to a pseudo-terminal:
// spawning, streaming output, accepting input, resizing, and killing with
// escalation.
package ptyhost

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gobwas/glob"

	"github.com/vibetunnel/session-core/internal/coreerr"
)

// Size is a PTY's column/row dimensions. A nil *Size means "inherit the
// enclosing terminal's natural size" (spec §4.3).
type Size struct {
	Cols int
	Rows int
}

// tmuxAttachGlob matches the spawn commands that get the graceful-detach
// special case in Kill.
var tmuxAttachGlob = glob.MustCompile("tmux attach{,-session}*")

// Host owns one child process attached to a controlling PTY.
type Host struct {
	mu sync.Mutex

	ptyFile *os.File
	cmd     *exec.Cmd
	argv    []string

	onOutput func([]byte)
	onExit   func(exitCode int, signal string)

	logger *slog.Logger

	exiting bool
	done    chan struct{}
}

// New returns a Host ready for Spawn. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{logger: logger, done: make(chan struct{})}
}

// OnOutput registers the callback invoked with raw bytes as the kernel
// delivers them. Must be called before Spawn.
func (h *Host) OnOutput(cb func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOutput = cb
}

// OnExit registers the callback invoked exactly once when the child exits.
func (h *Host) OnExit(cb func(exitCode int, signal string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExit = cb
}

// Spawn starts argv[0] with argv[1:] as arguments, attached to a new PTY.
// A nil size means inherit the enclosing terminal's dimensions.
func (h *Host) Spawn(argv []string, env []string, cwd string, size *Size) error {
	if len(argv) == 0 {
		return coreerr.New(coreerr.CommandNotFound, "empty command")
	}

	if cwd != "" {
		if _, err := os.Stat(cwd); err != nil {
			return coreerr.Wrap(coreerr.WorkingDirMissing, "working directory does not exist: "+cwd, err)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var winsize *pty.Winsize
	if size != nil {
		winsize = &pty.Winsize{Cols: uint16(size.Cols), Rows: uint16(size.Rows)}
	}

	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return spawnError(err)
	}

	h.mu.Lock()
	h.ptyFile = ptmx
	h.cmd = cmd
	h.argv = argv
	h.mu.Unlock()

	go h.readerLoop()
	go h.waitLoop()

	return nil
}

// spawnError rewrites a pty.StartWithSize/exec.Command failure into the
// taxonomy of spec §4.3/§7.
func spawnError(err error) error {
	switch {
	case os.IsNotExist(err):
		return coreerr.Wrap(coreerr.CommandNotFound, "command not found", err)
	case os.IsPermission(err):
		return coreerr.Wrap(coreerr.PermissionDenied, "permission denied", err)
	default:
		return coreerr.Wrap(coreerr.PtyAllocationFail, "pty allocation failed", err)
	}
}

func (h *Host) readerLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptyFile.Read(buf)
		if n > 0 {
			h.mu.Lock()
			cb := h.onOutput
			h.mu.Unlock()
			if cb != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				// The wait loop reports the authoritative exit status;
				// this is just a diagnostic breadcrumb for the anomaly.
				h.logger.Debug("pty read error", "error", err)
			}
			return
		}
	}
}

func (h *Host) waitLoop() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exiting = true
	h.mu.Unlock()

	h.ptyFile.Close()
	close(h.done)

	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
				exitCode = 128 + int(ws.Signal())
			}
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	cb := h.onExit
	h.mu.Unlock()
	if cb != nil {
		cb(exitCode, signal)
	}
}

// Write enqueues bytes to be written to the PTY master.
func (h *Host) Write(data []byte) error {
	h.mu.Lock()
	f := h.ptyFile
	h.mu.Unlock()
	if f == nil {
		return coreerr.New(coreerr.Stopping, "pty not open")
	}
	_, err := f.Write(data)
	return err
}

// Resize issues the window-size ioctl.
func (h *Host) Resize(cols, rows int) error {
	h.mu.Lock()
	f := h.ptyFile
	h.mu.Unlock()
	if f == nil {
		return coreerr.New(coreerr.Stopping, "pty not open")
	}
	if err := pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return coreerr.Wrap(coreerr.PtyAllocationFail, "resize failed", err)
	}
	return nil
}

// PTYFile returns the PTY master, for callers that need direct ioctl
// access (the activity tracker's foreground process-group polling).
func (h *Host) PTYFile() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ptyFile
}

// PID returns the child's process id, or 0 if not spawned.
func (h *Host) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// IsTmuxAttach reports whether argv matches the `tmux attach[-session]`
// special case Kill uses for graceful detachment.
func (h *Host) IsTmuxAttach() bool {
	h.mu.Lock()
	argv := h.argv
	h.mu.Unlock()
	return tmuxAttachGlob.Match(strings.Join(argv, " "))
}

// Kill sends sig to the child only (never its process group, so sibling
// sessions sharing a pgrp are unaffected). SIGTERM (the default, sig==0)
// escalates to SIGKILL after 3s if the child is still alive, polling every
// 500ms; SIGKILL is sent immediately with no grace. tmux attach sessions
// are given a chance to detach gracefully first.
func (h *Host) Kill(sig syscall.Signal) error {
	h.mu.Lock()
	h.exiting = true
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if sig == syscall.SIGKILL {
		return cmd.Process.Signal(syscall.SIGKILL)
	}

	if sig == 0 {
		sig = syscall.SIGTERM
	}

	if h.IsTmuxAttach() {
		if h.tryTmuxDetach() {
			return nil
		}
	}

	if err := cmd.Process.Signal(sig); err != nil {
		return err
	}

	deadline := time.Now().Add(3 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-h.done:
			return nil
		case <-ticker.C:
		}
	}

	select {
	case <-h.done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
		return err
	}

	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// tryTmuxDetach writes Ctrl-B d, waits 300ms, then falls back to
// ":detach-client\n" and waits another 500ms. Returns true if the child
// exited as a result.
func (h *Host) tryTmuxDetach() bool {
	h.Write([]byte{0x02, 'd'})
	select {
	case <-h.done:
		return true
	case <-time.After(300 * time.Millisecond):
	}

	h.Write([]byte(":detach-client\n"))
	select {
	case <-h.done:
		return true
	case <-time.After(500 * time.Millisecond):
	}

	return false
}
