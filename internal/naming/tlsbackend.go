package naming

import (
	"context"
	"crypto/tls"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"

	"rtcd/internal/cert"
)

// tlsCertManager supplies the client certificate "tcp+tls" backends
// present during their handshake, for naming-service listeners that
// require mutual TLS. A package-level variable rather than a
// constructor argument because BackendFactory (scheme -> Backend) has
// no slot for it; set it once, before naming.type is parsed, with
// SetTLSCertManager.
var tlsCertManager *cert.Manager

// SetTLSCertManager installs the cert.Manager that "tcp+tls" naming
// backends use to present a client certificate named "naming". It is
// a no-op to register a "tcp+tls" backend before calling this, other
// than falling back to a plain (unauthenticated) client TLS config.
func SetTLSCertManager(m *cert.Manager) {
	tlsCertManager = m
}

// tlsBackend talks to a naming-service listener the same way
// sockBackend does (gob-encoded sockMsg/sockReply), but over a
// TLS-wrapped TCP connection addressed by host:port instead of a Unix
// domain socket, for a naming server reachable across hosts.
type tlsBackend struct {
	address string

	mu   sync.Mutex
	conn net.Conn
}

// NewTLSBackend returns a Backend dialing address over TLS on first
// use. It does not dial eagerly, so a naming server that isn't up yet
// at Manager startup doesn't fail registration.
func NewTLSBackend(address string) (Backend, error) {
	return &tlsBackend{address: address}, nil
}

func init() {
	RegisterBackendFactory("tcp+tls", NewTLSBackend)
}

func (b *tlsBackend) dial() (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}

	cfg := &tls.Config{}
	if tlsCertManager != nil {
		if c := tlsCertManager.Certificate("naming"); c != nil {
			cfg.Certificates = []tls.Certificate{*c}
		}
	}
	conn, err := tls.Dial("tcp", b.address, cfg)
	if err != nil {
		return nil, fmt.Errorf("naming: tlsbackend: dial: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *tlsBackend) dropConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *tlsBackend) roundTrip(msg sockMsg) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(conn)
	if err := enc.Encode(msg); err != nil {
		b.dropConn()
		return fmt.Errorf("naming: tlsbackend: encode: %w", err)
	}
	var reply sockReply
	dec := gob.NewDecoder(conn)
	if err := dec.Decode(&reply); err != nil {
		b.dropConn()
		return fmt.Errorf("naming: tlsbackend: decode reply: %w", err)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}

func (b *tlsBackend) Bind(_ context.Context, path []string, ref ObjectRef, force bool) error {
	refStr, _ := ref.(string)
	return b.roundTrip(sockMsg{Op: "bind", Path: path, Ref: refStr, Force: force})
}

func (b *tlsBackend) Unbind(_ context.Context, path []string) error {
	return b.roundTrip(sockMsg{Op: "unbind", Path: path})
}

func (b *tlsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
