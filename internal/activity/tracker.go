package activity

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sys/unix"
)

// pollInterval is the foreground-pgid poll cadence (spec §4.5.2).
const pollInterval = 500 * time.Millisecond

// commandFinishedFloor is the minimum duration before a non-"claude"
// command emits CommandFinished.
const commandFinishedFloor = 3000 * time.Millisecond

// claudeBypass is the command-name substring that bypasses the duration floor.
const claudeBypass = "claude"

// builtinGlobs matches shell built-ins suppressed from command tracking.
var builtinGlobs = compileBuiltins("cd", "ls", "pwd", "echo", "export", "alias", "unset")

func compileBuiltins(names ...string) []glob.Glob {
	globs := make([]glob.Glob, len(names))
	for i, n := range names {
		globs[i] = glob.MustCompile(n)
	}
	return globs
}

// CommandFinished is emitted when the foreground process group returns to
// the owning shell after running a tracked command.
type CommandFinished struct {
	SessionID  string
	Command    string
	ExitCode   int
	DurationMs int64
	At         time.Time
}

// Tracker polls a PTY's foreground process group to detect command
// start/finish boundaries.
type Tracker struct {
	sessionID string
	ptyFile   *os.File
	shellPgid int

	onFinished func(CommandFinished)

	logger *slog.Logger

	mu               sync.Mutex
	foregroundPgid   int
	currentCommand   string
	commandStartedAt time.Time
	exiting          bool

	stop chan struct{}
	done chan struct{}
}

// New returns a Tracker for the session's PTY master, seeded with the
// shell's own process group. A nil logger falls back to slog.Default().
func New(sessionID string, ptyFile *os.File, shellPgid int, onFinished func(CommandFinished), logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessionID:      sessionID,
		ptyFile:        ptyFile,
		shellPgid:      shellPgid,
		foregroundPgid: shellPgid,
		onFinished:     onFinished,
		logger:         logger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start begins the 500ms polling loop in a background goroutine.
func (t *Tracker) Start() {
	go t.loop()
}

// Stop marks the tracker as exiting and halts polling. Any command
// boundary detected after Stop is called is suppressed, so teardown never
// fires a spurious CommandFinished (spec §4.5.2 shutdown semantics).
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		return
	}
	t.exiting = true
	t.mu.Unlock()

	close(t.stop)
	<-t.done
}

func (t *Tracker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.poll()
		}
	}
}

func (t *Tracker) poll() {
	pgid, ok := foregroundPgid(t.ptyFile)
	if !ok {
		t.logger.Debug("foreground pgid query failed", "session", t.sessionID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exiting {
		return
	}
	if pgid == t.foregroundPgid {
		return
	}

	prev := t.foregroundPgid
	t.foregroundPgid = pgid

	switch {
	case pgid == t.shellPgid && prev != t.shellPgid:
		t.commandFinishedLocked()
	case pgid != t.shellPgid:
		t.commandStartedLocked(pgid)
	}
}

func (t *Tracker) commandStartedLocked(pgid int) {
	name := processGroupLeaderName(pgid)
	if isBuiltin(name) {
		return
	}
	t.currentCommand = name
	t.commandStartedAt = time.Now()
}

func (t *Tracker) commandFinishedLocked() {
	if t.currentCommand == "" {
		return
	}
	cmd := t.currentCommand
	started := t.commandStartedAt
	t.currentCommand = ""

	duration := time.Since(started)
	if duration < commandFinishedFloor && !strings.Contains(cmd, claudeBypass) {
		return
	}

	if t.onFinished != nil {
		t.onFinished(CommandFinished{
			SessionID: t.sessionID,
			Command:   cmd,
			// No exit-code recovery is attempted for pgid-tracked
			// commands; ExitCode is always reported as 0 (spec §9 open
			// question).
			ExitCode:   0,
			DurationMs: duration.Milliseconds(),
			At:         time.Now(),
		})
	}
}

func isBuiltin(name string) bool {
	for _, g := range builtinGlobs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// foregroundPgid queries the PTY's foreground process group via
// TIOCGPGRP. Returns ok=false if the query fails (e.g. the PTY just
// closed).
func foregroundPgid(f *os.File) (int, bool) {
	pgid, err := unix.IoctlGetInt(int(f.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return 0, false
	}
	return pgid, true
}

// processGroupLeaderName returns the process-group leader's command name,
// read from /proc; returns an empty string if unavailable (e.g. the
// process already exited).
func processGroupLeaderName(pgid int) string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pgid) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
