// Package credstore acquires the rotating X.509 credential files written by
// the workload-identity agent. It is a pure loader: paths in, bytes out. It
// never retries, never logs, and never inspects certificate structure; the
// TLS stack validates the material at bind time.
package credstore

import (
	"context"
	"fmt"
	"os"
)

// Default output paths of the SPIRE agent's x509 SVID store.
const (
	DefaultCertPath   = "/run/spire/x509svid/svid.0.pem"
	DefaultKeyPath    = "/run/spire/x509svid/svid.0.key"
	DefaultBundlePath = "/run/spire/x509svid/bundle.0.pem"
)

// Environment variable names overriding the default paths.
const (
	EnvCertPath   = "SVID_CERT_PATH"
	EnvKeyPath    = "SVID_KEY_PATH"
	EnvBundlePath = "SVID_BUNDLE_PATH"
)

// Paths locates the three credential files on disk.
type Paths struct {
	Cert   string
	Key    string
	Bundle string
}

// PathsFromEnvironment returns the credential paths, applying environment
// variable overrides on top of the SPIRE agent defaults.
func PathsFromEnvironment() Paths {
	p := Paths{
		Cert:   DefaultCertPath,
		Key:    DefaultKeyPath,
		Bundle: DefaultBundlePath,
	}
	if v := os.Getenv(EnvCertPath); v != "" {
		p.Cert = v
	}
	if v := os.Getenv(EnvKeyPath); v != "" {
		p.Key = v
	}
	if v := os.Getenv(EnvBundlePath); v != "" {
		p.Bundle = v
	}
	return p
}

// All returns the three paths in load order (cert, key, bundle).
func (p Paths) All() []string {
	return []string{p.Cert, p.Key, p.Bundle}
}

// Exist reports whether all three credential files currently exist.
func (p Paths) Exist() bool {
	for _, path := range p.All() {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Credentials is an immutable snapshot of the credential material on disk.
// Every successful load produces a fresh value; rotation never mutates a
// previously returned one.
type Credentials struct {
	Cert        []byte
	Key         []byte
	TrustBundle []byte

	// The service is mTLS-only, so both flags are always true. They are
	// carried explicitly so the listener layer states its policy in terms
	// of the credentials it was handed rather than a hidden constant.
	RequireClientCert bool
	VerifyClientCert  bool
}

// LoadError reports a failed credential load. The path identifies which of
// the three files could not be acquired; Err carries the underlying cause.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading credential file %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads the three credential files in fixed order (cert, key, bundle).
// Any read failure, including an empty file, aborts the whole operation: a
// partial Credentials is never returned. The context bounds the combined
// read time so a stuck mount cannot stall a restart indefinitely.
func Load(ctx context.Context, paths Paths) (*Credentials, error) {
	var contents [3][]byte
	for i, path := range paths.All() {
		if err := ctx.Err(); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		if len(data) == 0 {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("file is empty")}
		}
		contents[i] = data
	}

	return &Credentials{
		Cert:              contents[0],
		Key:               contents[1],
		TrustBundle:       contents[2],
		RequireClientCert: true,
		VerifyClientCert:  true,
	}, nil
}
