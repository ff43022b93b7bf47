package tlssession

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCRL(t *testing.T, dir string, issuerCert *x509.Certificate, issuerKey *ecdsa.PrivateKey, revoked []*big.Int) string {
	t.Helper()
	entries := make([]x509.RevocationListEntry, len(revoked))
	for i, serial := range revoked {
		entries[i] = x509.RevocationListEntry{SerialNumber: serial, RevocationTime: time.Now()}
	}
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now(),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuerCert, issuerKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "test.crl")
	if err := os.WriteFile(path, der, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func genIssuer(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, priv
}

func TestBuildCRLVerifierRejectsRevokedSerial(t *testing.T) {
	dir := t.TempDir()
	issuerCert, issuerKey := genIssuer(t)
	revokedSerial := big.NewInt(42)
	crlPath := writeCRL(t, dir, issuerCert, issuerKey, []*big.Int{revokedSerial})

	verify, err := buildCRLVerifier(crlPath)
	if err != nil {
		t.Fatalf("buildCRLVerifier failed: %v", err)
	}

	peerTmpl := &x509.Certificate{
		SerialNumber: revokedSerial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	peerDER, err := x509.CreateCertificate(rand.Reader, peerTmpl, issuerCert, &issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatal(err)
	}

	if err := verify([][]byte{peerDER}, nil); err == nil {
		t.Fatal("expected revoked certificate to be rejected")
	}
}

func TestBuildCRLVerifierAllowsNonRevokedSerial(t *testing.T) {
	dir := t.TempDir()
	issuerCert, issuerKey := genIssuer(t)
	crlPath := writeCRL(t, dir, issuerCert, issuerKey, []*big.Int{big.NewInt(99)})

	verify, err := buildCRLVerifier(crlPath)
	if err != nil {
		t.Fatalf("buildCRLVerifier failed: %v", err)
	}

	peerTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	peerDER, err := x509.CreateCertificate(rand.Reader, peerTmpl, issuerCert, &issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatal(err)
	}

	if err := verify([][]byte{peerDER}, nil); err != nil {
		t.Fatalf("expected non-revoked certificate to pass, got %v", err)
	}
}

func TestBuildCRLVerifierErrorsOnMissingFile(t *testing.T) {
	if _, err := buildCRLVerifier("/nonexistent/path.crl"); err == nil {
		t.Fatal("expected error for missing CRL file")
	}
}
