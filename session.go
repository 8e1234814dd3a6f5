// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Session authenticates requests to the controller. Implementations
// are safe for concurrent use.
type Session interface {
	// AttachCredentials adds authentication to an outgoing request.
	// body is the request body, needed by signature-based sessions.
	AttachCredentials(req *http.Request, body []byte) error

	// IsValid reports whether the session holds usable credentials at
	// the given instant.
	IsValid(now time.Time) bool

	// SupportsEventChannel reports whether the session can
	// authenticate an event channel websocket.
	SupportsEventChannel() bool
}

// tokenSession is implemented by sessions that perform an explicit
// login exchange and hold a refreshable token.
type tokenSession interface {
	loginBody() ([]byte, error)
	absorbLogin(body []byte) error
	invalidate()
	token() string
}

// LoginSession authenticates with username and password. A successful
// login yields a token that expires after the controller's refresh
// timeout unless renewed; the token rides on every request as the
// APIC-cookie.
type LoginSession struct {
	mu             sync.RWMutex
	username       string
	password       string
	domain         string
	tok            string
	version        string
	refreshTimeout time.Duration
	issuedAt       time.Time
}

// LoginSessionOption modifies a LoginSession at construction.
type LoginSessionOption func(*LoginSession)

// WithLoginDomain selects a login domain for authentication.
func WithLoginDomain(domain string) LoginSessionOption {
	return func(s *LoginSession) {
		s.domain = domain
	}
}

// NewLoginSession creates a password session. The session is invalid
// until a login succeeds.
func NewLoginSession(username, password string, opts ...LoginSessionOption) *LoginSession {
	s := &LoginSession{username: username, password: password}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachCredentials implements Session.
func (s *LoginSession) AttachCredentials(req *http.Request, body []byte) error {
	s.mu.RLock()
	tok := s.tok
	s.mu.RUnlock()
	if tok == "" {
		return newError(ErrSessionExpired, "attachCredentials", "session has no token, login first")
	}
	req.AddCookie(&http.Cookie{Name: "APIC-cookie", Value: tok})
	return nil
}

// IsValid implements Session. A token is valid from login until the
// controller's refresh timeout elapses without a renewal.
func (s *LoginSession) IsValid(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == "" {
		return false
	}
	return now.Before(s.issuedAt.Add(s.refreshTimeout))
}

// SupportsEventChannel implements Session.
func (s *LoginSession) SupportsEventChannel() bool {
	return true
}

// Username returns the login name, qualified with the login domain
// when one is set.
func (s *LoginSession) Username() string {
	if s.domain != "" {
		return fmt.Sprintf(`apic#%s\%s`, s.domain, s.username)
	}
	return s.username
}

// Token returns the current session token, empty before login.
func (s *LoginSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok
}

// Version returns the controller version reported at login.
func (s *LoginSession) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// RefreshTimeout returns the token lifetime granted by the controller.
func (s *LoginSession) RefreshTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshTimeout
}

// ExpiresAt returns the instant the current token stops being valid.
func (s *LoginSession) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuedAt.Add(s.refreshTimeout)
}

func (s *LoginSession) loginBody() ([]byte, error) {
	body, err := sjson.Set("{}", "aaaUser.attributes.name", s.Username())
	if err != nil {
		return nil, err
	}
	body, err = sjson.Set(body, "aaaUser.attributes.pwd", s.password)
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// absorbLogin parses an aaaLogin (or aaaRefresh) response body and
// stores the token, lifetime and controller version.
func (s *LoginSession) absorbLogin(body []byte) error {
	attrs := gjson.GetBytes(body, "imdata.0.aaaLogin.attributes")
	if !attrs.Exists() {
		code := gjson.GetBytes(body, "imdata.0.error.attributes.code").String()
		text := gjson.GetBytes(body, "imdata.0.error.attributes.text").String()
		return &MitError{
			Code:       ErrLoginFailed,
			Operation:  "login",
			Message:    fmt.Sprintf("authentication rejected: %s", text),
			RemoteCode: code,
		}
	}
	tok := attrs.Get("token").String()
	if tok == "" {
		return newError(ErrLoginFailed, "login", "login response carries no token")
	}
	timeout := attrs.Get("refreshTimeoutSeconds").Int()
	if timeout <= 0 {
		timeout = 600
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	s.refreshTimeout = time.Duration(timeout) * time.Second
	s.issuedAt = time.Now()
	if v := attrs.Get("version").String(); v != "" {
		s.version = v
	}
	return nil
}

func (s *LoginSession) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = ""
}

func (s *LoginSession) token() string {
	return s.Token()
}

// CertSession authenticates by signing each request with an X.509
// key pair registered on the controller. There is no login exchange
// and no token to refresh, but signature sessions cannot authenticate
// an event channel.
type CertSession struct {
	certDn string
	key    *rsa.PrivateKey
}

// NewCertSession creates a signature session. certDn is the Dn of the
// user certificate object on the controller, e.g.
// "uni/userext/user-admin/usercert-admin". privateKeyPEM is the
// matching RSA private key in PKCS#1 or PKCS#8 PEM form.
func NewCertSession(certDn string, privateKeyPEM []byte) (*CertSession, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, newError(ErrSigningFailed, "newCertSession", "private key is not PEM encoded")
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, newError(ErrSigningFailed, "newCertSession", "unsupported key type %T, need RSA", k)
		}
		key = rsaKey
	} else {
		return nil, &MitError{
			Code:      ErrSigningFailed,
			Operation: "newCertSession",
			Message:   "private key is neither PKCS#1 nor PKCS#8",
			Err:       err,
		}
	}
	return &CertSession{certDn: certDn, key: key}, nil
}

// CertDn returns the Dn of the controller-side certificate object.
func (s *CertSession) CertDn() string {
	return s.certDn
}

// AttachCredentials implements Session. The signature covers the
// request method, the URI including the query string, and the body.
func (s *CertSession) AttachCredentials(req *http.Request, body []byte) error {
	payload := req.Method + req.URL.RequestURI() + string(body)
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return &MitError{
			Code:      ErrSigningFailed,
			Operation: "attachCredentials",
			Message:   "request signature failed",
			Err:       err,
		}
	}
	cookie := fmt.Sprintf(
		"APIC-Request-Signature=%s; APIC-Certificate-Algorithm=v1.0; APIC-Certificate-Fingerprint=fingerprint; APIC-Certificate-DN=%s",
		base64.StdEncoding.EncodeToString(sig), s.certDn)
	req.Header.Set("Cookie", cookie)
	return nil
}

// IsValid implements Session. Signature sessions never expire.
func (s *CertSession) IsValid(time.Time) bool {
	return true
}

// SupportsEventChannel implements Session. The websocket handshake
// needs a token, which signature sessions do not hold.
func (s *CertSession) SupportsEventChannel() bool {
	return false
}
