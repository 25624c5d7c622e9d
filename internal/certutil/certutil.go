// Package certutil builds mutual-TLS configurations from on-disk CA, cert,
// and key material, for both the collector (C5) and the agent (C10).
// Unlike the teacher's on-the-fly MITM certificate generator, HoneyGrid's
// trust model is a fixed CA: certificates are loaded once at startup, never
// minted at runtime.
package certutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// strongCipherSuites restricts negotiation to ECDHE+AEAD suites, excluding
// NULL/MD5/DSS-class ciphers, per spec §4.5.
var strongCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ServerTLSConfig builds a mutual-TLS server config: it presents
// serverCertFile/serverKeyFile and requires and verifies a client
// certificate against caCertFile.
func ServerTLSConfig(caCertFile, serverCertFile, serverKeyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertFile, serverKeyFile)
	if err != nil {
		return nil, fmt.Errorf("certutil: load server keypair: %w", err)
	}
	pool, err := loadCAPool(caCertFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: strongCipherSuites,
	}, nil
}

// ClientTLSConfig builds a mutual-TLS client config: it presents
// clientCertFile/clientKeyFile and verifies the server against
// caCertFile.
func ClientTLSConfig(caCertFile, clientCertFile, clientKeyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("certutil: load client keypair: %w", err)
	}
	pool, err := loadCAPool(caCertFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: strongCipherSuites,
	}, nil
}

func loadCAPool(caCertFile string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("certutil: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("certutil: no certificates parsed from %s", caCertFile)
	}
	return pool, nil
}

// CommonName extracts the certificate-bound identity from a verified peer
// certificate chain, per spec §4.5. Returns "" if no chain was presented.
func CommonName(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
