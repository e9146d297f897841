package server

import (
	"crypto/tls"

	"phobos.org.uk/harness/internal/tlsutil"
)

// ensureTLSCert checks if certificates exist and generates them if needed
func ensureTLSCert(certPath, keyPath string) error {
	return tlsutil.EnsureTLSCert(certPath, keyPath, "Harness Host")
}

// hostTLSConfig returns a TLS config with reasonable defaults
func hostTLSConfig() *tls.Config {
	return tlsutil.DefaultTLSConfig()
}
