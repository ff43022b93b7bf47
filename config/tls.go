package config

import (
	"time"

	"github.com/emberhttpd/ember/api"
)

// ClientAuthMode mirrors crypto/tls.ClientAuthType without forcing
// callers to import crypto/tls just to build a config value, the way
// github.com/nabbar/golib/certificates/auth keeps its own ClientAuth enum.
type ClientAuthMode int

const (
	ClientAuthNone ClientAuthMode = iota
	ClientAuthRequest
	ClientAuthRequireAny
	ClientAuthVerifyIfGiven
	ClientAuthRequireAndVerify
)

// TLSConfig is the TLS configuration surface (spec.md §6 "TLS"):
// certificate/key/CA material, client-auth behavior, cipher-suite
// selection, session resumption, OCSP stapling, DH parameters, CRL
// handling, and TLS 1.3 knobs. It has no curve-selection setting.
type TLSConfig struct {
	CertFile string `mapstructure:"certFile" json:"certFile" validate:"required"`
	KeyFile  string `mapstructure:"keyFile" json:"keyFile" validate:"required"`
	CAFile   string `mapstructure:"caFile" json:"caFile,omitempty"`

	ClientAuth    ClientAuthMode `mapstructure:"clientAuth" json:"clientAuth"`
	VerifyDepth   int            `mapstructure:"verifyDepth" json:"verifyDepth" validate:"min=0"`
	CipherSuites  []uint16       `mapstructure:"cipherSuites" json:"cipherSuites,omitempty"`
	MinVersion    uint16         `mapstructure:"minVersion" json:"minVersion"`
	MaxVersion    uint16         `mapstructure:"maxVersion" json:"maxVersion"`

	SessionTicketsDisabled bool `mapstructure:"sessionTicketsDisabled" json:"sessionTicketsDisabled"`
	SessionCacheSize       int  `mapstructure:"sessionCacheSize" json:"sessionCacheSize" validate:"min=0"`
	TicketKey              [32]byte `mapstructure:"-" json:"-"`
	TicketLifetime         time.Duration `mapstructure:"ticketLifetime" json:"ticketLifetime"`

	OCSPStaplingEnabled bool   `mapstructure:"ocspStaplingEnabled" json:"ocspStaplingEnabled"`
	DHParamFile         string `mapstructure:"dhParamFile" json:"dhParamFile,omitempty"`
	CRLFile             string `mapstructure:"crlFile" json:"crlFile,omitempty"`
	CRLEnabled          bool   `mapstructure:"crlEnabled" json:"crlEnabled"`

	TLS13Enabled       bool   `mapstructure:"tls13Enabled" json:"tls13Enabled"`
	TLS13CipherSuites  string `mapstructure:"tls13CipherSuites" json:"tls13CipherSuites,omitempty"`
	EarlyDataEnabled   bool   `mapstructure:"earlyDataEnabled" json:"earlyDataEnabled"`

	ExtraChainCertFiles []string `mapstructure:"extraChainCertFiles" json:"extraChainCertFiles,omitempty"`

	// HandshakeTimeout bounds the NEW -> TLS_HANDSHAKE -> HTTP_READING
	// transition (spec.md §4.1).
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout" json:"handshakeTimeout" validate:"min=0"`
}

// Validate checks required fields and obviously inconsistent version
// ranges; the certificate/key files themselves are opened lazily by
// tlssession.NewContext so Validate can run before any file I/O.
func (c *TLSConfig) Validate() error {
	if c.CertFile == "" || c.KeyFile == "" {
		return api.New(api.CodeInvalidConfig, "tls: certFile and keyFile are required")
	}
	if c.MinVersion != 0 && c.MaxVersion != 0 && c.MinVersion > c.MaxVersion {
		return api.New(api.CodeInvalidConfig, "tls: minVersion greater than maxVersion")
	}
	if c.HandshakeTimeout < 0 {
		return api.New(api.CodeInvalidConfig, "tls: negative handshakeTimeout")
	}
	return nil
}
