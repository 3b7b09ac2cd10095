package svidserve

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

func newAgentCA(t *testing.T) *agentCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "agent-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &agentCA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *agentCA) issueSVID(t *testing.T, spiffeID string) (certPEM, keyPEM []byte) {
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

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

// rotate writes a fresh server SVID and bundle the way the agent does:
// write to a temp name, then rename onto the watched path.
func (ca *agentCA) rotate(t *testing.T, dir string) {
	t.Helper()
	certPEM, keyPEM := ca.issueSVID(t, "spiffe://example.org/server")
	for name, data := range map[string][]byte{
		"svid.0.pem":   certPEM,
		"svid.0.key":   keyPEM,
		"bundle.0.pem": ca.certPEM,
	} {
		target := filepath.Join(dir, name)
		tmp := target + ".tmp"
		require.NoError(t, os.WriteFile(tmp, data, 0o600))
		require.NoError(t, os.Rename(tmp, target))
	}
}

func (ca *agentCA) client(t *testing.T) *http.Client {
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

func newTestService(t *testing.T, dir string) *Service {
	t.Helper()
	svc, err := New(Options{
		Addr:              "127.0.0.1:0",
		CertPath:          filepath.Join(dir, "svid.0.pem"),
		KeyPath:           filepath.Join(dir, "svid.0.key"),
		BundlePath:        filepath.Join(dir, "bundle.0.pem"),
		Debounce:          100 * time.Millisecond,
		BootstrapInterval: 100 * time.Millisecond,
		Routes: []Route{{
			Method:  http.MethodGet,
			Pattern: "/whoami",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "svidserve")
			}),
		}},
	})
	require.NoError(t, err)
	return svc
}

func ping(client *http.Client, addr string) error {
	resp, err := client.Get(fmt.Sprintf("https://%s/whoami", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func TestRunServesAndSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	oldCA := newAgentCA(t)
	oldCA.rotate(t, dir)

	svc := newTestService(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Addr() != "" },
		5*time.Second, 20*time.Millisecond)
	addr := svc.Addr()

	require.NoError(t, ping(oldCA.client(t), addr))

	// The agent rotates all three files; the service must swap to the new
	// bundle without a manual restart.
	newCA := newAgentCA(t)
	newCA.rotate(t, dir)

	newClient := newCA.client(t)
	require.Eventually(t, func() bool { return ping(newClient, addr) == nil },
		5*time.Second, 50*time.Millisecond)

	assert.Error(t, ping(oldCA.client(t), addr))
	assert.Equal(t, addr, svc.Addr())

	cancel()
	require.NoError(t, <-runDone)
}

func TestRunWaitsForFirstCredentials(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	// No credentials yet: the port stays closed.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, svc.Addr())

	ca := newAgentCA(t)
	ca.rotate(t, dir)

	require.Eventually(t, func() bool { return svc.Addr() != "" },
		5*time.Second, 20*time.Millisecond)
	require.NoError(t, ping(ca.client(t), svc.Addr()))

	cancel()
	require.NoError(t, <-runDone)
}
