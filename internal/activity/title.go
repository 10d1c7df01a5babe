package activity

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// quietPeriod is the minimum gap since the last output write before a
// title sequence is safe to inject (spec §4.5.3).
const quietPeriod = 50 * time.Millisecond

// titleSequence builds "ESC ] 2 ; <text> BEL" encoding the session's
// name, working directory, and leading command token.
func titleSequence(name, cwd, command string) string {
	base := filepath.Base(cwd)
	lead := strings.Fields(command)
	leadTok := ""
	if len(lead) > 0 {
		leadTok = lead[0]
	}
	text := fmt.Sprintf("%s — %s", name, base)
	if leadTok != "" {
		text += " (" + leadTok + ")"
	}
	return "\x1b]2;" + text + "\a"
}

// titleStripPattern matches OSC 0, 1 and 2 (title and icon-name) sequences
// terminated by BEL or the ST two-byte terminator, for TitleMode=filter.
var titleStripPattern = regexp.MustCompile(`\x1b\](0|1|2);[^\x07\x1b]*(\x07|\x1b\\)`)

// cdPattern heuristically recognizes a typed `cd` invocation that starts
// the input, a line, or a `;`-separated command and is terminated by a
// newline, capturing its argument if any (spec §4.5.3: "cwd changes
// detected from heuristic cd parsing of input text"). A `cd` followed by
// `;` and another command on the same line is not recognized. It only sees what the user types, never the shell's actual
// resolution of the path, so it is a best-effort signal, not ground truth.
var cdPattern = regexp.MustCompile(`(?:^|[\r\n;])\s*cd(?:\s+([^\r\n;]+))?\s*[\r\n]`)

// StripTitleSequences removes OSC title sequences the child itself
// emitted, used when titleMode=filter so the session's own injected
// titles are the only ones that reach the consumer.
func StripTitleSequences(data []byte) []byte {
	return titleStripPattern.ReplaceAll(data, nil)
}

// Injector schedules title writes during quiet periods so they never land
// inside another escape sequence.
type Injector struct {
	write func(string) error

	mu           sync.Mutex
	name         string
	cwd          string
	command      string
	pending      bool
	lastOutputAt time.Time

	inputBuf     string
	heuristicCwd string

	stop chan struct{}
	done chan struct{}
}

// maxInputBuf bounds the typed-input buffer NoteInput scans for a cd
// invocation, so a long-running session without a newline doesn't grow it
// without limit.
const maxInputBuf = 512

// NewInjector returns an Injector that calls write to deliver a title
// sequence to the host's own stdout.
func NewInjector(write func(string) error) *Injector {
	return &Injector{
		write: write,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// NoteOutput records that output was just written, resetting the quiet
// period clock.
func (inj *Injector) NoteOutput() {
	inj.mu.Lock()
	inj.lastOutputAt = time.Now()
	inj.mu.Unlock()
}

// RequestTitle schedules a title update for the next quiet period.
func (inj *Injector) RequestTitle(name, cwd, command string) {
	inj.mu.Lock()
	inj.name, inj.cwd, inj.command = name, cwd, command
	inj.pending = true
	inj.mu.Unlock()
}

// NoteInput feeds raw bytes typed into the session to the cd heuristic
// (spec §4.5.3). It never parses shell syntax properly; it only looks for
// a plausible `cd <path>` line so TitleMode=static sessions can pick up a
// directory change without an explicit Rename.
func (inj *Injector) NoteInput(text string) {
	if text == "" {
		return
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()

	inj.inputBuf += text
	if len(inj.inputBuf) > maxInputBuf {
		inj.inputBuf = inj.inputBuf[len(inj.inputBuf)-maxInputBuf:]
	}

	matches := cdPattern.FindAllStringSubmatch(inj.inputBuf, -1)
	if len(matches) == 0 {
		return
	}
	arg := strings.TrimSpace(matches[len(matches)-1][1])

	base := inj.heuristicCwd
	if base == "" {
		base = inj.cwd
	}
	switch {
	case arg == "" || arg == "~":
		inj.heuristicCwd = ""
	case filepath.IsAbs(arg):
		inj.heuristicCwd = filepath.Clean(arg)
	default:
		inj.heuristicCwd = filepath.Clean(filepath.Join(base, arg))
	}

	inj.inputBuf = ""
}

// checkHeuristic promotes a cd heuristic's guessed cwd into a pending
// title update when it disagrees with the title's current cwd. Driven by
// the 1s cadence in loop (spec §4.5.3's second check interval).
func (inj *Injector) checkHeuristic() {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.heuristicCwd == "" || inj.heuristicCwd == inj.cwd {
		return
	}
	inj.cwd = inj.heuristicCwd
	inj.pending = true
}

// Start begins the dual-cadence loop: every 10ms it flushes a pending
// title once a quiet period has elapsed; every 1s it runs checkHeuristic,
// which turns a cd seen by NoteInput into a pending title. RequestTitle
// marks a title pending directly, independent of either cadence.
func (inj *Injector) Start() {
	go inj.loop()
}

func (inj *Injector) Stop() {
	close(inj.stop)
	<-inj.done
}

func (inj *Injector) loop() {
	defer close(inj.done)
	flushTicker := time.NewTicker(10 * time.Millisecond)
	defer flushTicker.Stop()
	heuristicTicker := time.NewTicker(time.Second)
	defer heuristicTicker.Stop()

	for {
		select {
		case <-inj.stop:
			return
		case <-flushTicker.C:
			inj.tryFlush()
		case <-heuristicTicker.C:
			inj.checkHeuristic()
		}
	}
}

func (inj *Injector) tryFlush() {
	inj.mu.Lock()
	if !inj.pending || time.Since(inj.lastOutputAt) < quietPeriod {
		inj.mu.Unlock()
		return
	}
	seq := titleSequence(inj.name, inj.cwd, inj.command)
	inj.mu.Unlock()

	if inj.write == nil {
		return
	}
	if err := inj.write(seq); err != nil {
		return // retry on the next tick; pending stays set
	}

	inj.mu.Lock()
	inj.pending = false
	inj.mu.Unlock()
}
