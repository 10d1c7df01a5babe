package ipc

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEndpointDispatchesFramesInConnectionOrder(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ipc.sock")

	var mu sync.Mutex
	var received []Frame
	e, err := Listen(sock, func(f Frame) {
		mu.Lock()
		received = append(received, f)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer e.Close()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write(Encode(TypeStdinData, []byte("a")))
	conn.Write(Encode(TypeStdinData, []byte("b")))
	conn.Write(Encode(TypeStdinData, []byte("c")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("got %d frames, want 3", len(received))
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if string(received[i].Payload) != w {
			t.Errorf("frame %d = %q, want %q", i, received[i].Payload, w)
		}
	}
}

func TestEndpointMultipleClientsIndependentlyRead(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ipc.sock")

	var mu sync.Mutex
	count := 0
	e, err := Listen(sock, func(f Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer e.Close()

	conn1, _ := net.Dial("unix", sock)
	defer conn1.Close()
	conn2, _ := net.Dial("unix", sock)
	defer conn2.Close()

	conn1.Write(Encode(TypeStdinData, []byte("from-1")))
	conn2.Write(Encode(TypeStdinData, []byte("from-2")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.ClientCount() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := e.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("got %d dispatched frames, want 2", count)
	}
}

func TestEndpointCloseIsIdempotentAndRemovesSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ipc.sock")
	e, err := Listen(sock, func(Frame) {}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := net.Dial("unix", sock); err == nil {
		t.Fatal("expected dial to removed socket to fail")
	}
}

func TestListenUnlinksStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ipc.sock")

	first, err := Listen(sock, func(Frame) {}, nil)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	first.listener.(*net.UnixListener).SetUnlinkOnClose(false)
	first.listener.Close() // simulate an unclean shutdown: socket file stays on disk

	second, err := Listen(sock, func(Frame) {}, nil)
	if err != nil {
		t.Fatalf("second Listen should unlink stale socket: %v", err)
	}
	defer second.Close()
}
