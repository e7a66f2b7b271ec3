package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned generates a throwaway key pair and writes PEM files,
// returning the key and cert paths.
func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "test.key")
	certPath := filepath.Join(dir, "test.crt")

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))

	return keyPath, certPath
}

func TestLoadServerCredentials(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	creds, err := LoadServerCredentials(keyPath, certPath, "")
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	// Requiring client certificates needs a readable CA bundle.
	creds, err = LoadServerCredentials(keyPath, certPath, certPath)
	require.NoError(t, err)
	assert.NotNil(t, creds)

	_, err = LoadServerCredentials(keyPath, certPath, filepath.Join(dir, "missing.crt"))
	assert.Error(t, err)

	_, err = LoadServerCredentials(filepath.Join(dir, "missing.key"), certPath, "")
	assert.Error(t, err)
}

func TestLoadClientCredentials(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	// Server-authenticated TLS without a client certificate.
	creds, err := LoadClientCredentials("", "", certPath)
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	// Mutual TLS.
	creds, err = LoadClientCredentials(keyPath, certPath, certPath)
	require.NoError(t, err)
	assert.NotNil(t, creds)

	_, err = LoadClientCredentials("", "", filepath.Join(dir, "missing.crt"))
	assert.Error(t, err)
}

func TestLoadCertPoolRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.crt")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o644))

	_, err := loadCertPool(path)
	assert.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	// Absent files resolve to an empty path rather than an error.
	assert.Equal(t, "", DefaultPath("definitely-not-present.crt"))
}
