// Package security loads TLS material for the gRPC endpoints. Servers run
// mutual TLS when client certificates are configured; clients fall back to
// certificates found under the user's config directory.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/credentials"
)

// Default credential file names looked up under ConfigDir.
const (
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
	ServerKeyFile  = "server.key"
	ServerCertFile = "server.crt"
)

// ConfigDir returns the directory searched for default credentials,
// following the XDG convention.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, "buildhive"), nil
}

// DefaultPath resolves a credential file name inside ConfigDir. It returns
// an empty string when the file does not exist.
func DefaultPath(name string) string {
	dir, err := ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// LoadServerCredentials builds server-side transport credentials. When
// clientCertsPath is non-empty the server requires and verifies client
// certificates.
func LoadServerCredentials(keyPath, certPath, clientCertsPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCertsPath != "" {
		pool, err := loadCertPool(clientCertsPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(cfg), nil
}

// LoadClientCredentials builds client-side transport credentials. keyPath
// and certPath may be empty for server-authenticated TLS without a client
// certificate.
func LoadClientCredentials(keyPath, certPath, serverCertPath string) (credentials.TransportCredentials, error) {
	pool, err := loadCertPool(serverCertPath)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if keyPath != "" && certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
