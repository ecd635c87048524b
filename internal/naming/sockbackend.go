package naming

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// sockMsg is one request sent to a "unix" backend's listener process.
// It is the wire format used when one rtcd process plays the naming
// service role for another over a local domain socket.
type sockMsg struct {
	Op    string // "bind", "unbind"
	Path  []string
	Ref   string // object references cross this wire as opaque strings; a non-string ref is sent as ""
	Force bool
}

type sockReply struct {
	OK    bool
	Error string
}

// sockBackend talks to a naming-service listener over a Unix domain
// socket whose path may not exist yet, or may be removed and recreated
// by a restarting server. The socket file is watched for
// appearance/disappearance with fsnotify, the same mechanism
// internal/cert uses for certificate hot-reload.
type sockBackend struct {
	path string

	mu      sync.Mutex
	conn    net.Conn
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewSockBackend returns a Backend dialing the Unix domain socket at
// address. It does not fail if the socket does not exist yet: it
// starts an fsnotify watch on the socket's directory and dials lazily
// on the next Bind/Unbind call. When the file is removed or renamed
// (e.g. the remote process restarting) the open connection is dropped,
// so the next call dials the socket anew.
func NewSockBackend(address string) (Backend, error) {
	b := &sockBackend{path: address, stopCh: make(chan struct{})}
	if err := b.startWatch(); err != nil {
		return nil, err
	}
	return b, nil
}

func init() {
	RegisterBackendFactory("unix", NewSockBackend)
}

func (b *sockBackend) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("naming: sockbackend: start watcher: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("naming: sockbackend: watch %s: %w", dir, err)
	}
	b.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-b.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(b.path) {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					b.dropConn()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (b *sockBackend) dropConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *sockBackend) dial() (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	if _, err := os.Stat(b.path); err != nil {
		return nil, fmt.Errorf("naming: sockbackend: socket not present: %w", err)
	}
	conn, err := net.Dial("unix", b.path)
	if err != nil {
		return nil, fmt.Errorf("naming: sockbackend: dial: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *sockBackend) roundTrip(msg sockMsg) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(conn)
	if err := enc.Encode(msg); err != nil {
		b.dropConn()
		return fmt.Errorf("naming: sockbackend: encode: %w", err)
	}
	var reply sockReply
	dec := gob.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&reply); err != nil {
		b.dropConn()
		return fmt.Errorf("naming: sockbackend: decode reply: %w", err)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}

func (b *sockBackend) Bind(_ context.Context, path []string, ref ObjectRef, force bool) error {
	refStr, _ := ref.(string)
	return b.roundTrip(sockMsg{Op: "bind", Path: path, Ref: refStr, Force: force})
}

func (b *sockBackend) Unbind(_ context.Context, path []string) error {
	return b.roundTrip(sockMsg{Op: "unbind", Path: path})
}

func (b *sockBackend) Close() error {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
