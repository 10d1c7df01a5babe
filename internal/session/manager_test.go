package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vibetunnel/session-core/internal/config"
	"github.com/vibetunnel/session-core/internal/store"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	st := store.New(root, "test")
	cfg := &config.Config{ControlRoot: root, TitleMode: config.TitleModeNone}
	return New(st, cfg, nil), root
}

func waitForStatus(t *testing.T, m *Manager, id string, want store.Status, timeout time.Duration) *store.Metadata {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		meta, err := m.Get(id)
		if err == nil && meta.Status == want {
			return meta
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach status %s within %s", id, want, timeout)
	return nil
}

// S1: a simple command runs to completion and its output is durably
// recorded in the transcript.
func TestCreateRunsCommandAndRecordsTranscript(t *testing.T) {
	m, root := newTestManager(t)

	meta, err := m.Create([]string{"/bin/echo", "hello from session-core"}, CreateOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitForStatus(t, m, meta.ID, store.StatusExited, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(root, "s1", "stdout"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "hello from session-core") {
		t.Errorf("transcript missing command output: %q", data)
	}
	if !strings.Contains(string(data), `"exit"`) {
		t.Errorf("transcript missing exit line: %q", data)
	}
}

// S3: input sent through SendInput is applied to the PTY in call order,
// and each write is recorded as its own transcript event in that order.
func TestSendInputAppliedInCallOrder(t *testing.T) {
	m, root := newTestManager(t)

	meta, err := m.Create([]string{"/bin/sh"}, CreateOptions{SessionID: "s3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.SendInput(meta.ID, "echo first\n", ""); err != nil {
		t.Fatalf("SendInput 1: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := m.SendInput(meta.ID, "echo second\n", ""); err != nil {
		t.Fatalf("SendInput 2: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := m.SendInput(meta.ID, "exit\n", ""); err != nil {
		t.Fatalf("SendInput exit: %v", err)
	}

	waitForStatus(t, m, meta.ID, store.StatusExited, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(root, "s3", "stdout"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	var inputs []string
	for _, line := range strings.Split(string(data), "\n") {
		var ev []json.RawMessage
		if json.Unmarshal([]byte(line), &ev) != nil || len(ev) != 3 {
			continue
		}
		var kind, payload string
		if json.Unmarshal(ev[1], &kind) != nil || kind != "i" {
			continue
		}
		json.Unmarshal(ev[2], &payload)
		inputs = append(inputs, payload)
	}
	want := []string{"echo first\n", "echo second\n", "exit\n"}
	if strings.Join(inputs, "|") != strings.Join(want, "|") {
		t.Errorf("input events = %q, want %q", inputs, want)
	}
}

// S5: renaming a session to a name already held by another live session
// is uniqueified rather than rejected or silently colliding.
func TestRenameUniquifiesOnCollision(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Create([]string{"/bin/sleep", "5"}, CreateOptions{SessionID: "a", Name: "worker"})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	defer m.Kill(a.ID, 0)

	b, err := m.Create([]string{"/bin/sleep", "5"}, CreateOptions{SessionID: "b", Name: "other"})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	defer m.Kill(b.ID, 0)

	got, err := m.Rename(b.ID, "worker")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got != "worker (2)" {
		t.Errorf("Rename = %q, want %q", got, "worker (2)")
	}
}

// S6: a command run above the command-finished floor makes the activity
// tracker record at least one CommandFinished event.
func TestCommandFinishedAboveFloorDetected(t *testing.T) {
	m, _ := newTestManager(t)

	meta, err := m.Create([]string{"/bin/sh"}, CreateOptions{SessionID: "s6"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Kill(meta.ID, 0)

	rec := m.get(meta.ID)
	if rec == nil || rec.Tracker == nil {
		t.Fatal("expected an activity tracker to be attached to the session")
	}

	if err := m.SendInput(meta.ID, "sleep 4\n", ""); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.FinishedCommands)
		rec.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("tracker never reported a CommandFinished event for the sleep")
}
