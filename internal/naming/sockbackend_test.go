package naming

import (
	"bufio"
	"context"
	"encoding/gob"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func serveOnce(t *testing.T, sockPath string) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var msg sockMsg
		dec := gob.NewDecoder(bufio.NewReader(conn))
		if err := dec.Decode(&msg); err != nil {
			return
		}
		enc := gob.NewEncoder(conn)
		_ = enc.Encode(sockReply{OK: true})
	}()
	t.Cleanup(func() { ln.Close() })
}

func TestSockBackendBindRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "naming.sock")
	serveOnce(t, sockPath)

	// Give the watcher a moment to establish before dialing.
	time.Sleep(20 * time.Millisecond)

	backend, err := NewSockBackend(sockPath)
	if err != nil {
		t.Fatalf("NewSockBackend: %v", err)
	}
	defer backend.Close()

	if err := backend.Bind(context.Background(), []string{"a", "b"}, "ref", false); err != nil {
		t.Fatalf("Bind: %v", err)
	}
}

func TestSockBackendMissingSocketIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "does-not-exist.sock")

	backend, err := NewSockBackend(sockPath)
	if err != nil {
		t.Fatalf("NewSockBackend should not fail when the socket is absent: %v", err)
	}
	defer backend.Close()

	if err := backend.Bind(context.Background(), []string{"a"}, "ref", false); err == nil {
		t.Fatal("expected Bind to fail while the socket file does not exist")
	}
}

func TestSockBackendReconnectsAfterSocketReplaced(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "naming.sock")
	serveOnce(t, sockPath)
	time.Sleep(20 * time.Millisecond)

	backend, err := NewSockBackend(sockPath)
	if err != nil {
		t.Fatalf("NewSockBackend: %v", err)
	}
	defer backend.Close()

	if err := backend.Bind(context.Background(), []string{"a"}, "ref", false); err != nil {
		t.Fatalf("first Bind: %v", err)
	}

	os.Remove(sockPath)
	time.Sleep(50 * time.Millisecond)
	serveOnce(t, sockPath)
	time.Sleep(20 * time.Millisecond)

	if err := backend.Bind(context.Background(), []string{"b"}, "ref", false); err != nil {
		t.Fatalf("second Bind after reconnect: %v", err)
	}
}
