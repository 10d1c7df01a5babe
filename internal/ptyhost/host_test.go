package ptyhost

import (
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestSpawnEchoProducesOutputAndExit(t *testing.T) {
	h := New(nil)

	var mu sync.Mutex
	var out strings.Builder
	h.OnOutput(func(b []byte) {
		mu.Lock()
		out.Write(b)
		mu.Unlock()
	})

	exitCh := make(chan int, 1)
	h.OnExit(func(code int, signal string) {
		exitCh <- code
	})

	if err := h.Spawn([]string{"/bin/echo", "hello"}, nil, "", &Size{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.HasPrefix(got, "hello") {
		t.Errorf("output = %q, want prefix %q", got, "hello")
	}
}

func TestSpawnMissingCommand(t *testing.T) {
	h := New(nil)
	err := h.Spawn([]string{"/no/such/binary"}, nil, "", nil)
	if err == nil {
		t.Fatal("expected error spawning nonexistent binary")
	}
}

func TestSpawnMissingWorkingDir(t *testing.T) {
	h := New(nil)
	err := h.Spawn([]string{"/bin/echo", "hi"}, nil, "/no/such/dir", nil)
	if err == nil {
		t.Fatal("expected error for missing working directory")
	}
}

func TestResizeBeforeSpawnFails(t *testing.T) {
	h := New(nil)
	if err := h.Resize(80, 24); err == nil {
		t.Fatal("expected error resizing before spawn")
	}
}

func TestKillSIGKILLImmediate(t *testing.T) {
	h := New(nil)
	exitCh := make(chan struct{}, 1)
	h.OnExit(func(code int, signal string) { exitCh <- struct{}{} })

	if err := h.Spawn([]string{"/bin/sleep", "30"}, nil, "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	if err := h.Kill(syscall.SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit after SIGKILL")
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SIGKILL took %v, expected near-immediate", elapsed)
	}
}

func TestKillEscalatesAfterIgnoredSIGTERM(t *testing.T) {
	h := New(nil)
	exitCh := make(chan struct{}, 1)
	h.OnExit(func(code int, signal string) { exitCh <- struct{}{} })

	// trap SIGTERM and sleep, forcing escalation to SIGKILL.
	script := "trap '' TERM; sleep 10"
	if err := h.Spawn([]string{"/bin/sh", "-c", script}, nil, "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- h.Kill(syscall.SIGTERM) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Kill: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Kill did not return within 5s")
	}

	elapsed := time.Since(start)
	if elapsed < 3*time.Second || elapsed > 4*time.Second {
		t.Errorf("escalation took %v, want within [3s, 3.5s] plus scheduling slack", elapsed)
	}

	select {
	case <-exitCh:
	case <-time.After(time.Second):
		t.Fatal("process did not exit after SIGKILL escalation")
	}
}

func TestIsTmuxAttachMatchesVariants(t *testing.T) {
	cases := []struct {
		argv []string
		want bool
	}{
		{[]string{"tmux", "attach"}, true},
		{[]string{"tmux", "attach-session", "-t", "main"}, true},
		{[]string{"tmux", "new-session"}, false},
		{[]string{"/bin/bash"}, false},
	}
	for _, c := range cases {
		h := &Host{argv: c.argv}
		if got := h.IsTmuxAttach(); got != c.want {
			t.Errorf("IsTmuxAttach(%v) = %v, want %v", c.argv, got, c.want)
		}
	}
}
