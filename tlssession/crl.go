package tlssession

import (
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/emberhttpd/ember/api"
)

// buildCRLVerifier loads a DER or PEM-encoded CRL once at startup and
// returns a tls.Config.VerifyPeerCertificate callback that rejects any
// peer certificate whose serial number appears on it. spec.md §6 lists
// "CRL file and toggle" as part of the TLS configuration surface;
// crypto/tls has no built-in CRL checking, so this is grounded on the
// same VerifyPeerCertificate extension point
// github.com/nabbar/golib/certificates uses for its own custom
// verification hooks.
func buildCRLVerifier(path string) (func([][]byte, [][]*x509.Certificate) error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	list, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, err
	}
	revoked := make(map[string]bool, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		revoked[entry.SerialNumber.String()] = true
	}

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if revoked[cert.SerialNumber.String()] {
				return api.New(api.CodeTLSVerifyFailed, "peer certificate is on the configured CRL")
			}
		}
		return nil
	}, nil
}
