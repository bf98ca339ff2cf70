// Package tls provides TLS configuration utilities for the voltcast server
// and its outbound clients.
//
// All configurations enforce TLS 1.3. When a CA file is supplied the peer
// certificate is verified against it; on the server side this turns on
// mutual authentication.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds TLS certificate file paths for client or server configuration.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate returns an error if TLS is enabled but the certificate or key is
// missing or inaccessible. CAFile is optional.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls enabled but cert/key files not specified")
	}

	for _, path := range c.files() {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %q: %w", path, err)
		}
	}

	return nil
}

func (c Config) files() []string {
	files := []string{c.CertFile, c.KeyFile}
	if c.CAFile != "" {
		files = append(files, c.CAFile)
	}
	return files
}

var cipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// NewServerTLSConfig creates a TLS configuration for the HTTP and gRPC
// servers. With a caFile, client certificates are required and verified
// against it.
func NewServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := (Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}).Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// NewClientTLSConfig creates a TLS configuration for outbound clients.
// The certificate pair is presented for mutual TLS; caFile, when set,
// replaces the system roots for server verification.
func NewClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := (Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}).Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}
