package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/stretchr/testify/require"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
)

// testCA is a throwaway certificate authority standing in for the identity
// agent's upstream CA.
type testCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// issueSVID mints a leaf certificate carrying the given SPIFFE ID as its URI
// SAN, the shape the SPIRE agent writes to disk.
func (ca *testCA) issueSVID(t *testing.T, spiffeID string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	id, err := url.Parse(spiffeID)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		URIs:         []*url.URL{id},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// writeServerCredentials writes a server SVID and the CA bundle into the
// given paths, the way the agent rotates its output files.
func writeServerCredentials(t *testing.T, paths credstore.Paths, ca *testCA) {
	t.Helper()
	certPEM, keyPEM := ca.issueSVID(t, "spiffe://example.org/server")
	require.NoError(t, os.WriteFile(paths.Cert, certPEM, 0o600))
	require.NoError(t, os.WriteFile(paths.Key, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(paths.Bundle, ca.certPEM, 0o600))
}

func credentialPaths(t *testing.T) credstore.Paths {
	t.Helper()
	dir := t.TempDir()
	return credstore.Paths{
		Cert:   filepath.Join(dir, "svid.0.pem"),
		Key:    filepath.Join(dir, "svid.0.key"),
		Bundle: filepath.Join(dir, "bundle.0.pem"),
	}
}

// mtlsClient builds an HTTP client presenting a client SVID issued by the
// given CA and trusting that CA's bundle.
func mtlsClient(t *testing.T, ca *testCA) *http.Client {
	t.Helper()

	certPEM, keyPEM := ca.issueSVID(t, "spiffe://example.org/client")
	svid, err := x509svid.Parse(certPEM, keyPEM)
	require.NoError(t, err)
	bundle, err := x509bundle.Parse(svid.ID.TrustDomain(), ca.certPEM)
	require.NoError(t, err)

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsconfig.MTLSClientConfig(svid, bundle, tlsconfig.AuthorizeAny()),
		},
		Timeout: 5 * time.Second,
	}
}
