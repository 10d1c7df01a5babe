// Package transcript implements an append-only asciicast v2 recorder with
// exact byte-offset tracking and pruning-sequence detection.
//
// A transcript is a line-delimited JSON file: a header object followed by
// one JSON array per event. Every line, header included, ends with a
// single '\n' and no partial line is ever left on disk after a successful
// write.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vibetunnel/session-core/internal/coreerr"
)

// EventKind is the single-character discriminator in an event line.
type EventKind string

const (
	KindOutput EventKind = "o"
	KindInput  EventKind = "i"
	KindResize EventKind = "r"
	KindMarker EventKind = "m"
)

// Position reports the writer's byte accounting, spec §4.1 Position().
type Position struct {
	Written int64 // bytes durably flushed to disk
	Pending int64 // bytes buffered, not yet flushed (incomplete UTF-8 tail)
	Total   int64 // Written + Pending
}

// header is the first line of an asciicast v2 file.
type header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// pruningSequences are recognized history-clearing escapes.
// lastPruningOffset takes the furthest match end across all of them, so
// their order does not change the result: home-then-clear "\x1b[H\x1b[2J"
// and its suffix "\x1b[2J" end at the same offset.
var pruningSequences = [][]byte{
	[]byte("\x1b[H\x1b[2J"),
	[]byte("\x1b[2J"),
	[]byte("\x1b[3J"),
	[]byte("\x1bc"),
	[]byte("\x1b[?1049h"),
}

// Writer is an append-only asciicast v2 recorder. Every exported method
// takes the internal mutex, so concurrent calls from different goroutines
// (the PTY output reader, input senders, the exit path) are serialized.
type Writer struct {
	mu sync.Mutex

	file      *os.File
	startedAt time.Time
	written   int64
	pending   []byte // buffered bytes of the current output accumulation
	closed    bool

	onPruning func(offset int64)
}

// Open creates the parent directory if needed, truncates/creates the
// transcript file, and writes the header line.
func Open(path string, cols, rows int, command, title string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, coreerr.Wrap(coreerr.CreateFailed, "create transcript directory", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CreateFailed, "create transcript file", err)
	}

	now := time.Now()
	hdr := header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: now.Unix(),
		Command:   command,
		Title:     title,
	}

	line, err := marshalLine(hdr)
	if err != nil {
		f.Close()
		return nil, coreerr.Wrap(coreerr.TranscriptOpenFail, "encode header", err)
	}

	n, err := f.Write(line)
	if err != nil {
		f.Close()
		return nil, coreerr.Wrap(coreerr.TranscriptOpenFail, "write header", err)
	}

	return &Writer{
		file:      f,
		startedAt: now,
		written:   int64(n),
	}, nil
}

// OnPruningSequence registers a callback invoked after an event
// containing a recognized pruning sequence is durably written. Only the
// last match per event is reported.
func (w *Writer) OnPruningSequence(cb func(offset int64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPruning = cb
}

// Position returns the current byte accounting.
func (w *Writer) Position() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Position{
		Written: w.written,
		Pending: int64(len(w.pending)),
		Total:   w.written + int64(len(w.pending)),
	}
}

// WriteOutput buffers bytes and flushes one "o" event containing only
// the valid UTF-8 prefix of the accumulated buffer. The trailing
// incomplete code point, if any, is retained for the next call so that
// no event ever contains a partial code point.
func (w *Writer) WriteOutput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed()
	}

	w.pending = append(w.pending, data...)

	safe := validUTF8Prefix(w.pending)
	if len(safe) == 0 {
		return nil
	}

	if err := w.writeEventLocked(KindOutput, string(safe)); err != nil {
		return err
	}

	w.pending = append([]byte(nil), w.pending[len(safe):]...)
	return nil
}

// WriteInput emits one "i" event.
func (w *Writer) WriteInput(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed()
	}
	return w.writeEventLocked(KindInput, text)
}

// WriteResize emits one "r" event, formatted "COLSxROWS" per asciicast
// convention.
func (w *Writer) WriteResize(cols, rows int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed()
	}
	return w.writeEventLocked(KindResize, fmt.Sprintf("%dx%d", cols, rows))
}

// WriteMarker emits one "m" event.
func (w *Writer) WriteMarker(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed()
	}
	return w.writeEventLocked(KindMarker, text)
}

// WriteExit emits the terminal ["exit", code, id] line and flushes.
func (w *Writer) WriteExit(exitCode int, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed()
	}

	line, err := marshalLine([]any{"exit", exitCode, sessionID})
	if err != nil {
		return coreerr.Wrap(coreerr.TranscriptWriteFail, "encode exit event", err)
	}

	n, err := w.file.Write(line)
	if err != nil {
		return coreerr.Wrap(coreerr.TranscriptWriteFail, "write exit event", err)
	}
	w.written += int64(n)

	return w.file.Sync()
}

// Close closes the file and transitions to closed. Events are written
// straight to the file, so there is nothing else to flush; an incomplete
// UTF-8 tail still pending from WriteOutput is discarded. After Close,
// all write operations fail with Closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// writeEventLocked encodes and flushes one event line, then — if the
// payload contains a pruning sequence — invokes onPruning with the exact
// offset at which the last such sequence ends.
func (w *Writer) writeEventLocked(kind EventKind, payload string) error {
	t := time.Since(w.startedAt).Seconds()
	tStr := fmt.Sprintf("%.6f", t)

	// Encode the timestamp as a raw JSON number so it isn't quoted, then
	// splice it into the array alongside the kind and payload.
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return coreerr.Wrap(coreerr.TranscriptWriteFail, "encode event payload", err)
	}
	kindJSON, err := json.Marshal(string(kind))
	if err != nil {
		return coreerr.Wrap(coreerr.TranscriptWriteFail, "encode event kind", err)
	}

	// Bytes preceding payloadJSON: "[" + tStr + "," + kindJSON + ","
	prefixBeforePayload := 1 + len(tStr) + 1 + len(kindJSON) + 1

	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(tStr)
	buf.WriteByte(',')
	buf.Write(kindJSON)
	buf.WriteByte(',')
	buf.Write(payloadJSON)
	buf.WriteByte(']')
	buf.WriteByte('\n')

	n, err := w.file.Write(buf.Bytes())
	if err != nil {
		return coreerr.Wrap(coreerr.TranscriptWriteFail, "write event", err)
	}

	baseOffset := w.written
	w.written += int64(n)

	if w.onPruning != nil {
		if runeOffset, ok := lastPruningOffset(payload); ok {
			// runeOffset is a byte position within the raw payload
			// string; translate to an absolute file offset by adding the
			// bytes written before the payload (prefix) plus the
			// payload's opening quote plus the JSON-encoded length of
			// the payload up to runeOffset.
			absolute := baseOffset + int64(prefixBeforePayload) + 1 + int64(jsonEncodedOffset(payload, runeOffset))
			w.onPruning(absolute)
		}
	}

	return nil
}

// jsonEncodedOffset returns the number of bytes the JSON string encoding
// of payload[:runeOffset] occupies, so that a byte offset in the raw
// payload can be translated into a byte offset in its JSON-quoted form.
func jsonEncodedOffset(payload string, runeOffset int) int {
	if runeOffset <= 0 {
		return 0
	}
	if runeOffset > len(payload) {
		runeOffset = len(payload)
	}
	encoded, _ := json.Marshal(payload[:runeOffset])
	// encoded is `"..."`; strip the surrounding quotes added by Marshal.
	return len(encoded) - 2
}

// validUTF8Prefix returns the longest prefix of b that contains no
// partial trailing UTF-8 code point.
func validUTF8Prefix(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	if utf8.Valid(b) {
		return b
	}
	// Walk back from the end until we find a complete-rune boundary.
	for i := len(b); i > 0; i-- {
		if utf8.Valid(b[:i]) {
			return b[:i]
		}
		// Bound the walk-back to the max width of a UTF-8 code point so
		// we don't scan the whole buffer for a truly invalid sequence.
		if len(b)-i >= utf8.UTFMax {
			break
		}
	}
	return nil
}

// lastPruningOffset scans payload for recognized pruning sequences and
// returns the byte offset (within payload) just past the end of the
// last match.
func lastPruningOffset(payload string) (int, bool) {
	data := []byte(payload)
	best := -1
	for _, seq := range pruningSequences {
		idx := -1
		start := 0
		for {
			i := bytes.Index(data[start:], seq)
			if i < 0 {
				break
			}
			idx = start + i + len(seq)
			start = start + i + 1
		}
		if idx > best {
			best = idx
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func errClosed() error {
	return coreerr.New(coreerr.TranscriptClosed, "transcript is closed")
}
