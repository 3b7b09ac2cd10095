package server

import (
	"crypto/tls"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
)

// parsedCredentials is the TLS-ready form of a credential snapshot.
type parsedCredentials struct {
	svid   *x509svid.SVID
	bundle *x509bundle.Bundle
}

// parseCredentials turns raw credential bytes into an SVID and trust bundle.
// This is the first point where structural validity is checked; the loader
// deliberately hands over opaque bytes.
func parseCredentials(creds *credstore.Credentials) (*parsedCredentials, error) {
	svid, err := x509svid.Parse(creds.Cert, creds.Key)
	if err != nil {
		return nil, fmt.Errorf("parsing SVID: %w", err)
	}
	bundle, err := x509bundle.Parse(svid.ID.TrustDomain(), creds.TrustBundle)
	if err != nil {
		return nil, fmt.Errorf("parsing trust bundle: %w", err)
	}
	return &parsedCredentials{svid: svid, bundle: bundle}, nil
}

// newTLSConfig builds the listener's TLS configuration. Mutual authentication
// is non-negotiable: the peer must present a certificate that verifies
// against the loaded trust bundle on every connection.
func newTLSConfig(creds *credstore.Credentials) (*tls.Config, *parsedCredentials, error) {
	if !creds.RequireClientCert || !creds.VerifyClientCert {
		return nil, nil, fmt.Errorf("credentials do not mandate mutual TLS")
	}
	parsed, err := parseCredentials(creds)
	if err != nil {
		return nil, nil, err
	}
	cfg := tlsconfig.MTLSServerConfig(parsed.svid, parsed.bundle, tlsconfig.AuthorizeAny())
	return cfg, parsed, nil
}
