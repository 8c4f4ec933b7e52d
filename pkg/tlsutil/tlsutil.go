// Package tlsutil builds TLS configurations for bus connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/askflow/errors"
)

// ClientConfig describes the TLS material for an outbound connection.
type ClientConfig struct {
	// CertFile and KeyFile hold the client certificate pair. Both must be
	// set together; leave empty for server-auth-only TLS.
	CertFile string
	KeyFile  string

	// CAFile is an additional trusted CA appended to the system pool.
	CAFile string

	// MinVersion is "1.2" or "1.3". Empty or unrecognized falls back to 1.2.
	MinVersion string

	// InsecureSkipVerify disables server certificate verification. Setting
	// it is a deliberate operator decision for test environments.
	InsecureSkipVerify bool
}

// LoadClientConfig builds a tls.Config from file paths. The system CA pool
// is always trusted; CAFile adds to it.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         parseVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("certificate and key must be set together"),
				"tlsutil", "LoadClientConfig", "validate certificate pair")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig",
				fmt.Sprintf("read CA file %s", cfg.CAFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientConfig",
				fmt.Sprintf("parse CA certificate from %s", cfg.CAFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	return tlsConfig, nil
}

// parseVersion maps a version string to its crypto/tls constant, defaulting
// to TLS 1.2.
func parseVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
