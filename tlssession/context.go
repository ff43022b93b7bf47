// Package tlssession implements spec.md §4.7's TLS layer: handshake
// and record encrypt/decrypt, driven here by crypto/tls rather than a
// hand-rolled memory-BIO pump.
//
// spec.md describes the FSM copying ciphertext through two in-memory
// BIOs because the original C library's TLS engine runs inside a
// libuv callback and has no blocking socket to hand the handshake.
// Design Note §9 explicitly sanctions the task/channel realization
// instead, and this module's goroutine-per-connection architecture
// (eventloop package's doc comment) means each connection already owns
// a real blocking net.Conn on its own goroutine — crypto/tls's
// tls.Server wraps that net.Conn directly and performs its own
// internal record buffering, so a second BIO layer above it would only
// duplicate what the standard library already does well. The
// WANT_READ/WANT_WRITE signaling spec.md §4.7 asks for becomes ordinary
// blocking I/O on the connection's goroutine; Context and Session below
// still expose the configuration surface spec.md §6 names in full.
package tlssession

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/config"
)

// Context is the server-wide TLS configuration, built once and shared
// read-only across connections (spec.md §5 "read-only after server
// start").
type Context struct {
	tlsConfig *tls.Config
	cfg       *config.TLSConfig
}

// NewContext loads certificates and builds the crypto/tls.Config that
// every accepted connection's Session wraps.
func NewContext(cfg *config.TLSConfig) (*Context, *api.Error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, api.Wrap(api.CodeTLSCertLoad, err, "failed to load certificate/key pair")
	}

	certs := []tls.Certificate{cert}
	for _, extra := range cfg.ExtraChainCertFiles {
		extraCert, err := loadExtraCert(extra, cfg.KeyFile)
		if err != nil {
			return nil, api.Wrap(api.CodeTLSCertLoad, err, "failed to load extra chain certificate "+extra)
		}
		certs = append(certs, extraCert)
	}

	tc := &tls.Config{
		Certificates: certs,
		MinVersion:   resolveVersion(cfg.MinVersion, tls.VersionTLS12),
		MaxVersion:   resolveVersion(cfg.MaxVersion, 0),
		CipherSuites: cfg.CipherSuites,
	}

	if !cfg.TLS13Enabled && tc.MaxVersion == 0 {
		tc.MaxVersion = tls.VersionTLS12
	}

	if cfg.SessionTicketsDisabled {
		tc.SessionTicketsDisabled = true
	}
	if cfg.SessionCacheSize > 0 {
		tc.ClientSessionCache = tls.NewLRUClientSessionCache(cfg.SessionCacheSize)
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, api.Wrap(api.CodeTLSCertLoad, err, "failed to load CA file")
		}
		tc.ClientCAs = pool
	}
	tc.ClientAuth = resolveClientAuth(cfg.ClientAuth)

	if cfg.CRLEnabled && cfg.CRLFile != "" {
		verify, err := buildCRLVerifier(cfg.CRLFile)
		if err != nil {
			return nil, api.Wrap(api.CodeTLSCertLoad, err, "failed to load CRL file")
		}
		tc.VerifyPeerCertificate = verify
	}

	// DH parameter files configure classic finite-field
	// Diffie-Hellman cipher suites. crypto/tls has never implemented
	// DH key exchange (only ECDHE and, since TLS 1.3, X25519/P-curve
	// groups), so cfg.DHParamFile is accepted for configuration-surface
	// parity with spec.md §6 but has no effect; see DESIGN.md.
	// OCSP stapling: Go's tls.Config only serves a staple supplied
	// ahead of time via Certificate.OCSPStaple, which requires fetching
	// it out of band from the issuer's responder. That fetch is outside
	// this layer's scope; when enabled we attach a staple already
	// present alongside the certificate file, if any.
	if cfg.OCSPStaplingEnabled {
		attachOCSPStapleIfPresent(&tc.Certificates[0], cfg.CertFile)
	}

	return &Context{tlsConfig: tc, cfg: cfg}, nil
}

func resolveVersion(v uint16, fallback uint16) uint16 {
	if v != 0 {
		return v
	}
	return fallback
}

func resolveClientAuth(mode config.ClientAuthMode) tls.ClientAuthType {
	switch mode {
	case config.ClientAuthRequest:
		return tls.RequestClientCert
	case config.ClientAuthRequireAny:
		return tls.RequireAnyClientCert
	case config.ClientAuthVerifyIfGiven:
		return tls.VerifyClientCertIfGiven
	case config.ClientAuthRequireAndVerify:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, api.New(api.CodeTLSCertLoad, "no certificates found in CA file")
	}
	return pool, nil
}

func loadExtraCert(certFile, keyFile string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(certFile, keyFile)
}

func attachOCSPStapleIfPresent(cert *tls.Certificate, certFile string) {
	staplePath := certFile + ".ocsp"
	if data, err := os.ReadFile(staplePath); err == nil {
		cert.OCSPStaple = data
	}
}
