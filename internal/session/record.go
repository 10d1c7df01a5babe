// Package session is the lifecycle facade over the transcript, store,
// PTY host, IPC endpoint, and activity tracker: it creates, lists, looks
// up, resizes, renames, and kills sessions, merging in-memory state with
// the on-disk store.
package session

import (
	"sync"
	"time"

	"github.com/vibetunnel/session-core/internal/activity"
	"github.com/vibetunnel/session-core/internal/config"
	"github.com/vibetunnel/session-core/internal/ipc"
	"github.com/vibetunnel/session-core/internal/ptyhost"
	"github.com/vibetunnel/session-core/internal/store"
	"github.com/vibetunnel/session-core/internal/transcript"
)

// ResizeSource distinguishes which UI issued a resize, for arbitration.
type ResizeSource string

const (
	ResizeFromBrowser  ResizeSource = "browser"
	ResizeFromTerminal ResizeSource = "terminal"
)

// LastResize records the most recent resize for conflict arbitration.
type LastResize struct {
	Cols   int
	Rows   int
	Source ResizeSource
	At     time.Time
}

// Record is the in-memory state the Manager owns for one live session. Its
// fields are mutated only by the Manager's own methods, each of which takes
// the Record's own mutex before touching them.
type Record struct {
	mu sync.Mutex

	ID       string
	Host     *ptyhost.Host
	TW       *transcript.Writer
	IPC      *ipc.Endpoint
	Tracker  *activity.Tracker
	Injector *activity.Injector

	WorkingDir string
	Command    string

	LastOutputAt time.Time
	LastInputAt  time.Time
	LastResize   LastResize

	TitleMode    config.TitleMode
	CurrentTitle string

	ShellPgid        int
	FinishedCommands []activity.CommandFinished

	ForwardToStdout bool
	OnExit          func(exitCode int)

	exiting bool
}

func (r *Record) markExiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exiting {
		return false
	}
	r.exiting = true
	return true
}
