package tlssession

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emberhttpd/ember/config"
)

// genSelfSigned writes a self-signed cert/key pair to dir and returns
// their paths plus the parsed certificate (for serial-number use in
// CRL tests).
func genSelfSigned(t *testing.T, dir, name string) (certPath, keyPath string, cert *x509.Certificate) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	certPath = filepath.Join(dir, name+".pem")
	keyPath = filepath.Join(dir, name+"-key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatal(err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatal(err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatal(err)
	}

	return certPath, keyPath, cert
}

func baseTLSConfig(t *testing.T, dir string) (*config.TLSConfig, *x509.Certificate) {
	certPath, keyPath, cert := genSelfSigned(t, dir, "server")
	return &config.TLSConfig{
		CertFile: certPath,
		KeyFile:  keyPath,
	}, cert
}

func TestNewContextLoadsCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := baseTLSConfig(t, dir)

	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if len(ctx.tlsConfig.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(ctx.tlsConfig.Certificates))
	}
}

func TestNewContextRejectsMissingCertFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.TLSConfig{CertFile: filepath.Join(dir, "missing.pem"), KeyFile: filepath.Join(dir, "missing-key.pem")}
	if _, err := NewContext(cfg); err == nil {
		t.Fatal("expected error for missing cert files")
	}
}

func TestResolveVersionDefaultsToTLS12Floor(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := baseTLSConfig(t, dir)
	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if ctx.tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected default MinVersion TLS1.2, got %x", ctx.tlsConfig.MinVersion)
	}
}

func TestResolveVersionHonorsExplicitRange(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := baseTLSConfig(t, dir)
	cfg.MinVersion = tls.VersionTLS13
	cfg.MaxVersion = tls.VersionTLS13
	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if ctx.tlsConfig.MinVersion != tls.VersionTLS13 || ctx.tlsConfig.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("expected pinned TLS1.3, got min=%x max=%x", ctx.tlsConfig.MinVersion, ctx.tlsConfig.MaxVersion)
	}
}

func TestResolveClientAuthMapsAllModes(t *testing.T) {
	cases := map[config.ClientAuthMode]tls.ClientAuthType{
		config.ClientAuthNone:             tls.NoClientCert,
		config.ClientAuthRequest:          tls.RequestClientCert,
		config.ClientAuthRequireAny:       tls.RequireAnyClientCert,
		config.ClientAuthVerifyIfGiven:    tls.VerifyClientCertIfGiven,
		config.ClientAuthRequireAndVerify: tls.RequireAndVerifyClientCert,
	}
	for mode, want := range cases {
		if got := resolveClientAuth(mode); got != want {
			t.Fatalf("resolveClientAuth(%v) = %v, want %v", mode, got, want)
		}
	}
}

func TestHandshakeSucceedsOverLoopback(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := baseTLSConfig(t, dir)
	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	ln, lerr := net.Listen("tcp", "127.0.0.1:0")
	if lerr != nil {
		t.Fatal(lerr)
	}
	defer ln.Close()

	serverDone := make(chan *Session, 1)
	go func() {
		raw, aerr := ln.Accept()
		if aerr != nil {
			serverDone <- nil
			return
		}
		sess := ctx.Server(raw)
		if herr := sess.Handshake(context.Background(), time.Now().Add(5*time.Second)); herr != nil {
			serverDone <- nil
			return
		}
		serverDone <- sess
	}()

	clientConn, cerr := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if cerr != nil {
		t.Fatalf("client dial failed: %v", cerr)
	}
	defer clientConn.Close()
	if err := clientConn.Handshake(); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	sess := <-serverDone
	if sess == nil {
		t.Fatal("server-side handshake failed")
	}
	if !sess.HandshakeComplete() {
		t.Fatal("expected HandshakeComplete to be true")
	}
}
