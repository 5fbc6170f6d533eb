// Package handshake implements the small set of TLS/auth utilities the
// server upgrade pipeline (wsio) needs to support security profiles
// 1-3: Basic auth over ws/wss, and mutual TLS. Built directly on
// crypto/tls and net/http; see DESIGN.md for why no third-party TLS or
// HTTP-auth helper was a better fit.
package handshake

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ParseBasicAuth decodes the value of an Authorization header of the
// form "Basic <base64(user:pass)>". The password is split from the
// username on the first colon only, so a colon embedded in the
// password itself is preserved (spec.md §4.5, step 6).
func ParseBasicAuth(header string) (username string, password []byte, ok bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", nil, false
	}
	s := string(decoded)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", nil, false
	}
	return s[:idx], []byte(s[idx+1:]), true
}

// PeerCertificate returns the leaf certificate the client presented
// during the TLS handshake, for security profile 3 (mutual TLS).
func PeerCertificate(r *http.Request) (*x509.Certificate, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, false
	}
	return r.TLS.PeerCertificates[0], true
}

// TLSConfig assembles the *tls.Config a wss:// listener needs,
// optionally requiring and verifying a client certificate for mutual
// TLS (security profile 3).
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string // required when RequireClientCert is set
	RequireClientCert bool
}

// Build loads the configured certificate material and returns a ready
// *tls.Config. It never logs or touches global state, so callers can
// rebuild and hot-swap a listener's TLS config on certificate rotation.
func (c TLSConfig) Build() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: load server certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if !c.RequireClientCert {
		return cfg, nil
	}

	pem, err := os.ReadFile(c.ClientCAFile)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: read client CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("handshake: no certificates parsed from %s", c.ClientCAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
