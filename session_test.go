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
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

const testLoginResponse = `{"imdata": [{"aaaLogin": {"attributes": {
	"token": "abc123",
	"refreshTimeoutSeconds": "60",
	"version": "5.2(1g)"
}}}]}`

// TestLoginSessionBody tests the login request body
func TestLoginSessionBody(t *testing.T) {
	s := NewLoginSession("admin", "secret")
	body, err := s.loginBody()
	if err != nil {
		t.Fatalf("loginBody() error: %v", err)
	}
	if got := gjson.GetBytes(body, "aaaUser.attributes.name").String(); got != "admin" {
		t.Errorf("name = %q, want admin", got)
	}
	if got := gjson.GetBytes(body, "aaaUser.attributes.pwd").String(); got != "secret" {
		t.Errorf("pwd = %q, want secret", got)
	}
}

// TestLoginSessionDomain tests login domain qualification
func TestLoginSessionDomain(t *testing.T) {
	s := NewLoginSession("admin", "secret", WithLoginDomain("LDAP"))
	if got := s.Username(); got != `apic#LDAP\admin` {
		t.Errorf("Username() = %q, want apic#LDAP\\admin", got)
	}
}

// TestLoginSessionAbsorb tests token intake and validity window
func TestLoginSessionAbsorb(t *testing.T) {
	s := NewLoginSession("admin", "secret")
	now := time.Now()

	if s.IsValid(now) {
		t.Error("session must be invalid before login")
	}
	if err := s.absorbLogin([]byte(testLoginResponse)); err != nil {
		t.Fatalf("absorbLogin() error: %v", err)
	}
	if s.Token() != "abc123" {
		t.Errorf("Token() = %q, want abc123", s.Token())
	}
	if s.Version() != "5.2(1g)" {
		t.Errorf("Version() = %q, want 5.2(1g)", s.Version())
	}
	if s.RefreshTimeout() != 60*time.Second {
		t.Errorf("RefreshTimeout() = %v, want 60s", s.RefreshTimeout())
	}

	if !s.IsValid(now.Add(59 * time.Second)) {
		t.Error("token must still be valid just before the refresh timeout")
	}
	if s.IsValid(now.Add(61 * time.Second)) {
		t.Error("token must be invalid after the refresh timeout")
	}
}

// TestLoginSessionRefreshExtends tests that a refresh restarts the
// validity window
func TestLoginSessionRefreshExtends(t *testing.T) {
	s := NewLoginSession("admin", "secret")
	if err := s.absorbLogin([]byte(testLoginResponse)); err != nil {
		t.Fatalf("absorbLogin() error: %v", err)
	}
	// a refresh at tick 59 re-absorbs the login attributes
	if err := s.absorbLogin([]byte(testLoginResponse)); err != nil {
		t.Fatalf("absorbLogin() error: %v", err)
	}
	if !s.IsValid(time.Now().Add(59 * time.Second)) {
		t.Error("refreshed token must be valid past the original expiry")
	}
}

// TestLoginSessionAbsorbErrors tests login failure parsing
func TestLoginSessionAbsorbErrors(t *testing.T) {
	s := NewLoginSession("admin", "wrong")

	err := s.absorbLogin([]byte(`{"imdata": [{"error": {"attributes": {"code": "401", "text": "bad credentials"}}}]}`))
	if !IsCode(err, ErrLoginFailed) {
		t.Fatalf("error = %v, want LoginError", err)
	}
	var mitErr *MitError
	if !errors.As(err, &mitErr) || mitErr.RemoteCode != "401" {
		t.Errorf("error = %+v, want RemoteCode 401", err)
	}

	if err := s.absorbLogin([]byte(`{"imdata": [{"aaaLogin": {"attributes": {}}}]}`)); !IsCode(err, ErrLoginFailed) {
		t.Errorf("missing token = %v, want LoginError", err)
	}
}

// TestLoginSessionAttach tests the token cookie
func TestLoginSessionAttach(t *testing.T) {
	s := NewLoginSession("admin", "secret")

	req, _ := http.NewRequest("GET", "https://ctrl/api/mo/uni.json", nil)
	if err := s.AttachCredentials(req, nil); !IsCode(err, ErrSessionExpired) {
		t.Errorf("attach before login = %v, want SessionExpired", err)
	}

	if err := s.absorbLogin([]byte(testLoginResponse)); err != nil {
		t.Fatalf("absorbLogin() error: %v", err)
	}
	req, _ = http.NewRequest("GET", "https://ctrl/api/mo/uni.json", nil)
	if err := s.AttachCredentials(req, nil); err != nil {
		t.Fatalf("AttachCredentials() error: %v", err)
	}
	cookie, err := req.Cookie("APIC-cookie")
	if err != nil || cookie.Value != "abc123" {
		t.Errorf("cookie = %v, want APIC-cookie=abc123", cookie)
	}
	if !s.SupportsEventChannel() {
		t.Error("login sessions must support event channels")
	}
}

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, key
}

// TestCertSessionSigning tests the signature cookie end to end
func TestCertSessionSigning(t *testing.T) {
	pemBytes, key := testKeyPEM(t)
	s, err := NewCertSession("uni/userext/user-admin/usercert-admin", pemBytes)
	if err != nil {
		t.Fatalf("NewCertSession() error: %v", err)
	}
	if !s.IsValid(time.Now()) {
		t.Error("signature sessions are always valid")
	}
	if s.SupportsEventChannel() {
		t.Error("signature sessions cannot authenticate event channels")
	}

	body := []byte(`{"fvTenant": {"attributes": {"dn": "uni/tn-a"}}}`)
	req, _ := http.NewRequest("POST", "https://ctrl/api/mo/uni/tn-a.json?rsp-subtree=full", nil)
	if err := s.AttachCredentials(req, body); err != nil {
		t.Fatalf("AttachCredentials() error: %v", err)
	}

	cookie := req.Header.Get("Cookie")
	for _, want := range []string{
		"APIC-Certificate-Algorithm=v1.0",
		"APIC-Certificate-Fingerprint=fingerprint",
		"APIC-Certificate-DN=uni/userext/user-admin/usercert-admin",
	} {
		if !strings.Contains(cookie, want) {
			t.Errorf("cookie missing %q: %s", want, cookie)
		}
	}

	// extract and verify the signature over method + uri + body
	var sigB64 string
	for _, part := range strings.Split(cookie, "; ") {
		if strings.HasPrefix(part, "APIC-Request-Signature=") {
			sigB64 = strings.TrimPrefix(part, "APIC-Request-Signature=")
		}
	}
	if sigB64 == "" {
		t.Fatalf("no signature in cookie %q", cookie)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	payload := "POST/api/mo/uni/tn-a.json?rsp-subtree=full" + string(body)
	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

// TestNewCertSessionKeyParsing tests key format handling
func TestNewCertSessionKeyParsing(t *testing.T) {
	pemBytes, key := testKeyPEM(t)

	if _, err := NewCertSession("uni/userext/user-a/usercert-a", pemBytes); err != nil {
		t.Errorf("PKCS#1 key rejected: %v", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error: %v", err)
	}
	pkcs8PEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if _, err := NewCertSession("uni/userext/user-a/usercert-a", pkcs8PEM); err != nil {
		t.Errorf("PKCS#8 key rejected: %v", err)
	}

	if _, err := NewCertSession("uni/userext/user-a/usercert-a", []byte("not a key")); !IsCode(err, ErrSigningFailed) {
		t.Errorf("garbage key = %v, want SigningError", err)
	}
}
