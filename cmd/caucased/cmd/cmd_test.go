package cmd

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caucase/internal/config"
	"github.com/jmcleod/caucase/pki"
)

const testKeyLen = 1024

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Defaults()
	c.DB = filepath.Join(t.TempDir(), "caucase.db")
	c.Netloc = "localhost:8080"
	c.KeyLen = testKeyLen
	return c
}

// newCSR returns a request for CN=cn and the PEM of its private key.
func newCSR(t *testing.T, cn string) (csrPEM, keyPEM []byte) {
	t.Helper()
	key, err := pki.GeneratePrivateKey(testKeyLen)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	keyPEM, err = pki.DumpPrivateKey(key)
	require.NoError(t, err)
	return pki.DumpCertificateRequest(der), keyPEM
}

func seed(t *testing.T, c *config.Config) *authorities {
	t.Helper()
	a, err := openAuthorities(t.Context(), c)
	require.NoError(t, err)
	return a
}
