package session

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/vibetunnel/session-core/internal/activity"
	"github.com/vibetunnel/session-core/internal/config"
	"github.com/vibetunnel/session-core/internal/coreerr"
	"github.com/vibetunnel/session-core/internal/ipc"
	"github.com/vibetunnel/session-core/internal/ptyhost"
	"github.com/vibetunnel/session-core/internal/store"
	"github.com/vibetunnel/session-core/internal/transcript"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CreateOptions configures Create. Every field is optional; the command
// itself is Create's argv argument.
type CreateOptions struct {
	SessionID  string
	Name       string
	Cols, Rows int // zero means inherit the enclosing terminal's size
	WorkingDir string
	Env        []string

	ForwardToStdout bool
	OnExit          func(exitCode int)
	TitleMode       config.TitleMode

	GitBranch string
	GitCommit string
	Attached  bool
}

// Manager is the lifecycle facade over the Session Store, PTY Host, IPC
// Endpoint, Transcript Writer, and Activity Tracker.
type Manager struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Record

	watcher      *fsnotify.Watcher
	shuttingDown bool
}

// New returns a Manager backed by the given session store. It starts
// watching the control root so that a session directory removed by an
// external process (another vibetunneld instance sharing the same
// control root, or a manual `rm -rf`) is dropped from the in-memory map
// too, rather than lingering as a stale Record. A nil logger falls back
// to slog.Default(), as the teacher's hub.New/pty.New do.
func New(st *store.Store, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Record),
	}

	if w, err := st.WatchRemoval(m.handleExternalRemoval); err == nil {
		m.watcher = w
	}

	return m
}

// handleExternalRemoval drops a session from the in-memory map after its
// on-disk directory vanished out from under this process. It never
// touches the child process itself (a removed directory does not imply
// the process has exited); Kill/onExit remain the only paths that
// signal the child.
func (m *Manager) handleExternalRemoval(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Create spawns a new session: session directory, transcript, PTY, IPC
// endpoint, and activity tracker, wired together per spec §4.6.
func (m *Manager) Create(argv []string, opts CreateOptions) (*store.Metadata, error) {
	m.mu.RLock()
	stopping := m.shuttingDown
	m.mu.RUnlock()
	if stopping {
		return nil, coreerr.New(coreerr.Stopping, "manager is shutting down")
	}

	if len(argv) == 0 {
		return nil, coreerr.New(coreerr.CommandNotFound, "empty command")
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	if !idPattern.MatchString(id) {
		return nil, coreerr.New(coreerr.CommandNotFound, "session id must match ^[A-Za-z0-9_-]+$")
	}

	resolved := resolveCommand(argv)

	paths, err := m.store.CreateDir(id)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = id
	}

	meta := &store.Metadata{
		ID:          id,
		Name:        name,
		Command:     resolved,
		WorkingDir:  opts.WorkingDir,
		Status:      store.StatusStarting,
		StartedAt:   time.Now(),
		InitialCols: opts.Cols,
		InitialRows: opts.Rows,
		Version:     buildVersion,
		GitBranch:   opts.GitBranch,
		GitCommit:   opts.GitCommit,
		Attached:    opts.Attached,
	}
	if err := m.store.Save(id, meta); err != nil {
		m.store.Cleanup(id)
		return nil, err
	}

	var size *ptyhost.Size
	if opts.Cols > 0 && opts.Rows > 0 {
		size = &ptyhost.Size{Cols: opts.Cols, Rows: opts.Rows}
	}

	tw, err := transcript.Open(paths.Stdout, opts.Cols, opts.Rows, strings.Join(resolved, " "), "")
	if err != nil {
		m.store.Cleanup(id)
		return nil, err
	}

	rec := &Record{
		ID:              id,
		TW:              tw,
		TitleMode:       opts.TitleMode,
		ForwardToStdout: opts.ForwardToStdout,
		OnExit:          opts.OnExit,
		WorkingDir:      opts.WorkingDir,
		Command:         strings.Join(resolved, " "),
	}

	tw.OnPruningSequence(func(offset int64) {
		if meta, err := m.store.Load(id); err == nil {
			meta.LastClearOffset = offset
			m.store.Save(id, meta)
		}
	})

	host := ptyhost.New(m.logger)
	rec.Host = host

	if opts.TitleMode != config.TitleModeNone {
		rec.Injector = activity.NewInjector(func(seq string) error {
			_, err := os.Stdout.Write([]byte(seq))
			return err
		})
		rec.Injector.Start()
		rec.Injector.RequestTitle(name, opts.WorkingDir, rec.Command)
	}

	host.OnOutput(func(data []byte) {
		m.onOutput(rec, data)
	})
	host.OnExit(func(code int, signal string) {
		m.onExit(rec, code, signal)
	})

	if err := host.Spawn(resolved, envOrDefault(opts.Env), opts.WorkingDir, size); err != nil {
		tw.Close()
		m.store.Cleanup(id)
		return nil, err
	}

	meta.Status = store.StatusRunning
	meta.PID = host.PID()
	if err := m.store.Save(id, meta); err != nil {
		host.Kill(syscall.SIGTERM)
		tw.Close()
		m.store.Cleanup(id)
		return nil, err
	}

	endpoint, err := ipc.Listen(paths.Socket, func(f ipc.Frame) {
		m.dispatchFrame(id, f)
	}, m.logger)
	if err != nil {
		host.Kill(syscall.SIGTERM)
		tw.Close()
		m.store.Cleanup(id)
		return nil, err
	}
	rec.IPC = endpoint

	if pgid, err := syscall.Getpgid(meta.PID); err == nil {
		rec.ShellPgid = pgid
		rec.Tracker = activity.New(id, host.PTYFile(), pgid, func(cf activity.CommandFinished) {
			rec.mu.Lock()
			rec.FinishedCommands = append(rec.FinishedCommands, cf)
			rec.mu.Unlock()
		}, m.logger)
		rec.Tracker.Start()
	}

	m.mu.Lock()
	m.sessions[id] = rec
	m.mu.Unlock()

	return meta, nil
}

// onOutput forwards PTY output to the transcript and, optionally, the
// host process's own stdout (the forwarder CLI's use case).
func (m *Manager) onOutput(rec *Record, data []byte) {
	rec.mu.Lock()
	rec.LastOutputAt = time.Now()
	rec.mu.Unlock()

	if rec.Injector != nil {
		rec.Injector.NoteOutput()
	}

	if rec.TitleMode == config.TitleModeFilter {
		data = activity.StripTitleSequences(data)
	}

	rec.TW.WriteOutput(data)

	if rec.ForwardToStdout {
		os.Stdout.Write(data)
	}
}

// onExit finalizes the transcript, persists exited status, and tears
// down the session's resources. Idempotent: PTY exit, explicit Kill, and
// Shutdown can all race to call this and only the first wins.
func (m *Manager) onExit(rec *Record, exitCode int, signal string) {
	if !rec.markExiting() {
		return
	}

	if rec.Tracker != nil {
		rec.Tracker.Stop()
	}
	if rec.Injector != nil {
		rec.Injector.Stop()
	}

	rec.TW.WriteExit(exitCode, rec.ID)
	rec.TW.Close()

	if rec.IPC != nil {
		rec.IPC.Close()
	}

	if meta, err := m.store.Load(rec.ID); err == nil {
		meta.Status = store.StatusExited
		meta.ExitCode = &exitCode
		m.store.Save(rec.ID, meta)
	}

	m.mu.Lock()
	delete(m.sessions, rec.ID)
	m.mu.Unlock()

	if rec.OnExit != nil {
		rec.OnExit(exitCode)
	}
}

// SendInput writes text or a symbolic key to the session's PTY. It
// prefers the in-memory host; if the session isn't loaded in this
// process, it falls back to the session's IPC socket.
func (m *Manager) SendInput(id string, text string, key string) error {
	if key != "" {
		seq, ok := resolveKey(key)
		if !ok {
			return coreerr.New(coreerr.UnknownCommand, "unrecognized key: "+key)
		}
		text = seq
	}

	rec := m.get(id)
	if rec != nil {
		rec.mu.Lock()
		rec.LastInputAt = time.Now()
		rec.mu.Unlock()
		if key == "" && rec.Injector != nil {
			rec.Injector.NoteInput(text)
		}
		rec.TW.WriteInput(text)
		return rec.Host.Write([]byte(text))
	}

	return m.sendViaIPC(id, ipc.TypeStdinData, []byte(text))
}

// Resize applies spec §4.6's last-resize-wins arbitration: the caller's
// source is recorded with the new size, and a terminal-sourced resize
// arriving within 1s of a browser-sourced one is discarded. A session not
// held by this process is resized by sending CONTROL_CMD resize over its
// IPC socket; the owning process applies it as a browser-sourced resize.
func (m *Manager) Resize(id string, cols, rows int, source ResizeSource) error {
	rec := m.get(id)
	if rec == nil {
		cmd, _ := json.Marshal(ipc.ControlCmd{Cmd: ipc.CmdResize, Cols: cols, Rows: rows})
		return m.sendViaIPC(id, ipc.TypeControlCmd, cmd)
	}

	now := time.Now()
	rec.mu.Lock()
	prev := rec.LastResize
	if !shouldApplyResize(prev, source, now) {
		rec.mu.Unlock()
		return nil
	}
	if isRapidResize(prev, now) {
		slog.Warn("rapid resize", "session", id, "interval", now.Sub(prev.At))
	}
	rec.LastResize = LastResize{Cols: cols, Rows: rows, Source: source, At: now}
	rec.mu.Unlock()

	if err := rec.Host.Resize(cols, rows); err != nil {
		return err
	}
	return rec.TW.WriteResize(cols, rows)
}

// ResetSize instructs the PTY to match the hosting terminal's current
// size. No-op if stdout isn't a terminal (we have no "hosting terminal"
// to match).
func (m *Manager) ResetSize(id string) error {
	rec := m.get(id)
	if rec == nil {
		return coreerr.New(coreerr.NotFound, "session not found: "+id)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return err
	}
	return m.Resize(id, cols, rows, ResizeFromTerminal)
}

// Rename sanitizes, uniqueifies, and persists a new session name.
func (m *Manager) Rename(id, name string) (string, error) {
	name = sanitizeName(name)
	unique, err := m.store.UpdateName(id, name)
	if err != nil {
		return "", err
	}

	if rec := m.get(id); rec != nil && rec.Injector != nil {
		rec.mu.Lock()
		rec.CurrentTitle = unique
		cwd, cmd := rec.WorkingDir, rec.Command
		rec.mu.Unlock()
		rec.Injector.RequestTitle(unique, cwd, cmd)
	}

	return unique, nil
}

func sanitizeName(name string) string {
	if len(name) > 256 {
		name = name[:256]
	}
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Kill delegates to the in-memory PTY Host if loaded, otherwise sends
// CONTROL_CMD kill over IPC and falls back to signaling the pid directly
// with the same escalation timing as ptyhost.Host.Kill.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	rec := m.get(id)
	if rec != nil {
		return rec.Host.Kill(sig)
	}

	meta, err := m.store.Load(id)
	if err != nil {
		return err
	}
	if meta.Status != store.StatusRunning {
		return nil
	}

	sigRaw, _ := json.Marshal(int(sig))
	cmd, _ := json.Marshal(ipc.ControlCmd{Cmd: ipc.CmdKill, Signal: sigRaw})
	if sendErr := m.sendViaIPC(id, ipc.TypeControlCmd, cmd); sendErr == nil {
		return nil
	}

	return killByPID(meta.PID, sig)
}

func killByPID(pid int, sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return nil
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	if syscall.Kill(pid, syscall.Signal(0)) != nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// List merges directory-scanned metadata with any in-memory session
// state, attaching computed activity status to each entry.
func (m *Manager) List() ([]*store.Metadata, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range all {
		m.attachActivity(meta)
	}
	return all, nil
}

// Get returns one session's metadata, with computed activity status
// attached, or NotFound.
func (m *Manager) Get(id string) (*store.Metadata, error) {
	meta, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	m.attachActivity(meta)
	return meta, nil
}

// attachActivity sets meta.IsActive/LastActivityAt via activity.ComputeActivity
// (spec §4.5.1). A session loaded in this process contributes its live
// LastOutputAt/LastInputAt; otherwise activity is derived from the
// on-disk LastModified/StartedAt timestamps alone.
func (m *Manager) attachActivity(meta *store.Metadata) {
	in := activity.Input{
		Status:        string(meta.Status),
		LastModified:  &meta.LastModified,
		StartedAt:     &meta.StartedAt,
		Now:           time.Now(),
		IdleTimeoutMs: m.cfg.IdleTimeoutMs,
	}

	if rec := m.get(meta.ID); rec != nil {
		rec.mu.Lock()
		if !rec.LastOutputAt.IsZero() {
			t := rec.LastOutputAt
			in.LastOutputAt = &t
		}
		if !rec.LastInputAt.IsZero() {
			t := rec.LastInputAt
			in.LastInputAt = &t
		}
		rec.mu.Unlock()
	}

	result := activity.ComputeActivity(in)
	meta.IsActive = result.IsActive
	meta.LastActivityAt = result.LastActivityAt
}

// Shutdown kills every in-memory session and tears down their resources.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	recs := make([]*Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		recs = append(recs, r)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(r *Record) {
			defer wg.Done()
			r.Host.Kill(syscall.SIGTERM)
		}(rec)
	}
	wg.Wait()

	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *Manager) get(id string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// dispatchFrame routes one IPC frame to the relevant Manager operation.
func (m *Manager) dispatchFrame(id string, f ipc.Frame) {
	switch f.Type {
	case ipc.TypeStdinData:
		m.SendInput(id, string(f.Payload), "")
	case ipc.TypeControlCmd:
		m.dispatchControlCmd(id, f.Payload)
	case ipc.TypeHeartbeat:
		if rec := m.get(id); rec != nil {
			rec.IPC.Broadcast(ipc.TypeHeartbeat, nil)
		}
	case ipc.TypeStatusUpdate:
		// accepted but ignored, reserved (spec §4.4).
	}
}

func (m *Manager) dispatchControlCmd(id string, payload []byte) {
	var cmd ipc.ControlCmd
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.logger.Debug("malformed control command payload", "session", id, "error", err)
		return
	}

	switch cmd.Cmd {
	case ipc.CmdResize:
		m.Resize(id, cmd.Cols, cmd.Rows, ResizeFromBrowser)
	case ipc.CmdKill:
		sig := syscall.SIGTERM
		if len(cmd.Signal) > 0 {
			if parsed, ok := parseSignal(cmd.Signal); ok {
				sig = parsed
			}
		}
		m.Kill(id, sig)
	case ipc.CmdResetSize:
		m.ResetSize(id)
	case ipc.CmdUpdateTitle:
		m.Rename(id, cmd.Title)
	default:
		m.logger.Debug("unknown control command", "session", id, "cmd", cmd.Cmd)
	}
}

// parseSignal accepts either a signal name ("SIGTERM", "term") or a bare
// signal number (15), matching spec.md/SPEC_FULL.md §4.4's string|int
// wire contract for kill's signal field.
func parseSignal(raw json.RawMessage) (syscall.Signal, bool) {
	var num int
	if err := json.Unmarshal(raw, &num); err == nil {
		return syscall.Signal(num), true
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return 0, false
	}
	switch strings.ToUpper(name) {
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, true
	case "SIGKILL", "KILL":
		return syscall.SIGKILL, true
	case "SIGINT", "INT":
		return syscall.SIGINT, true
	case "SIGHUP", "HUP":
		return syscall.SIGHUP, true
	default:
		return 0, false
	}
}

// sendViaIPC connects to a session's IPC socket as a client (used when
// the session is not loaded in this process) and writes a single frame.
func (m *Manager) sendViaIPC(id string, typ ipc.Type, payload []byte) error {
	meta, err := m.store.Load(id)
	if err != nil {
		return err
	}
	sockPath := filepath.Join(m.cfg.ControlRoot, meta.ID, "ipc.sock")

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return coreerr.Wrap(coreerr.NotFound, "ipc socket unreachable", err)
	}
	defer conn.Close()

	_, err = conn.Write(ipc.Encode(typ, payload))
	return err
}

// resolveCommand resolves argv[0] against $PATH; if it cannot be
// resolved, falls back to spawning it via the user's login shell.
func resolveCommand(argv []string) []string {
	if _, err := exec.LookPath(argv[0]); err == nil {
		return argv
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-lc", strings.Join(argv, " ")}
}

func envOrDefault(env []string) []string {
	if env == nil {
		return os.Environ()
	}
	return env
}

// buildVersion is stamped into session metadata and compared by
// CleanupOldVersions; overridden at link time in a real build.
var buildVersion = "dev"
