package cert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCertAndKey(t *testing.T, certPath, keyPath string, serial int64) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "rtcd naming client"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeCertAndKey(t, certPath, keyPath, 1)

	mgr := New(Config{})
	if err := mgr.Load(map[string]CertSource{
		"naming": {CertFile: certPath, KeyFile: keyPath},
	}); err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	c := mgr.Certificate("naming")
	if c == nil {
		t.Fatal("expected certificate")
	}
	if len(c.Certificate) == 0 {
		t.Fatal("certificate has no chain")
	}
	if mgr.Certificate("ghost") != nil {
		t.Fatal("unknown name must return nil")
	}
}

func TestLoadMissingFilesFails(t *testing.T) {
	mgr := New(Config{})
	err := mgr.Load(map[string]CertSource{
		"naming": {
			CertFile: filepath.Join(t.TempDir(), "absent-cert.pem"),
			KeyFile:  filepath.Join(t.TempDir(), "absent-key.pem"),
		},
	})
	if err == nil {
		t.Fatal("expected an error for unreadable certificate files")
	}
}

func TestReloadOnFileChange(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeCertAndKey(t, certPath, keyPath, 1)

	mgr := New(Config{})
	if err := mgr.Load(map[string]CertSource{
		"naming": {CertFile: certPath, KeyFile: keyPath},
	}); err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	before := mgr.Certificate("naming").Certificate[0]
	writeCertAndKey(t, certPath, keyPath, 2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !bytes.Equal(mgr.Certificate("naming").Certificate[0], before) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after its files changed")
}
