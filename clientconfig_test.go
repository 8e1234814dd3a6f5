// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mit.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

// TestLoadClientConfig tests TOML parsing of a full configuration
func TestLoadClientConfig(t *testing.T) {
	path := writeConfigFile(t, `
url      = "https://10.0.0.1"
insecure = true
username = "admin"
password = "secret"
domain   = "LDAP"

format          = "xml"
max_retries     = 5
request_timeout = "45s"
schema_version  = "5.2(1g)"

[backoff]
min_delay = "250ms"
max_delay = "5s"
factor    = 3.0
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig() error: %v", err)
	}
	if cfg.URL != "https://10.0.0.1" {
		t.Errorf("URL = %q, want https://10.0.0.1", cfg.URL)
	}
	if !cfg.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Username != "admin" || cfg.Password != "secret" || cfg.Domain != "LDAP" {
		t.Errorf("credentials = %q/%q/%q", cfg.Username, cfg.Password, cfg.Domain)
	}
	if cfg.Format != "xml" {
		t.Errorf("Format = %q, want xml", cfg.Format)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %v, want 5", cfg.MaxRetries)
	}
	if cfg.RequestTimeout.Duration != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.RequestTimeout.Duration)
	}
	if cfg.SchemaVersion != "5.2(1g)" {
		t.Errorf("SchemaVersion = %q, want 5.2(1g)", cfg.SchemaVersion)
	}
	if cfg.Backoff == nil {
		t.Fatal("Backoff not parsed")
	}
	if cfg.Backoff.MinDelay.Duration != 250*time.Millisecond ||
		cfg.Backoff.MaxDelay.Duration != 5*time.Second ||
		cfg.Backoff.Factor != 3.0 {
		t.Errorf("Backoff = %+v", cfg.Backoff)
	}
}

// TestLoadClientConfigErrors tests parse failures
func TestLoadClientConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := writeConfigFile(t, `
url             = "https://10.0.0.1"
request_timeout = "soon"
`)
		if _, err := LoadClientConfig(path); err == nil {
			t.Error("expected error for invalid duration")
		}
	})

	t.Run("malformed toml", func(t *testing.T) {
		path := writeConfigFile(t, `url = https://`)
		if _, err := LoadClientConfig(path); err == nil {
			t.Error("expected error for malformed file")
		}
	})
}

// TestClientConfigSession tests session selection from the
// configuration
func TestClientConfigSession(t *testing.T) {
	t.Run("password session", func(t *testing.T) {
		cfg := &ClientConfig{Username: "admin", Password: "secret", Domain: "LDAP"}
		session, err := cfg.Session()
		if err != nil {
			t.Fatalf("Session() error: %v", err)
		}
		ls, ok := session.(*LoginSession)
		if !ok {
			t.Fatalf("session type = %T, want *LoginSession", session)
		}
		if got := ls.Username(); got != `apic#LDAP\admin` {
			t.Errorf("Username() = %q, want apic#LDAP\\admin", got)
		}
	})

	t.Run("certificate session", func(t *testing.T) {
		pemBytes, _ := testKeyPEM(t)
		keyFile := filepath.Join(t.TempDir(), "admin.key")
		if err := os.WriteFile(keyFile, pemBytes, 0o600); err != nil {
			t.Fatalf("writing key file: %v", err)
		}
		cfg := &ClientConfig{
			CertDn:  "uni/userext/user-admin/usercert-admin",
			KeyFile: keyFile,
		}
		session, err := cfg.Session()
		if err != nil {
			t.Fatalf("Session() error: %v", err)
		}
		if _, ok := session.(*CertSession); !ok {
			t.Errorf("session type = %T, want *CertSession", session)
		}
	})

	t.Run("cert_dn without key_file", func(t *testing.T) {
		cfg := &ClientConfig{CertDn: "uni/userext/user-admin/usercert-admin"}
		if _, err := cfg.Session(); err == nil {
			t.Error("expected error for missing key_file")
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		cfg := &ClientConfig{URL: "https://10.0.0.1"}
		if _, err := cfg.Session(); err == nil {
			t.Error("expected error for missing credentials")
		}
	})
}

// TestNewClientFromConfig tests the file-to-client path
func TestNewClientFromConfig(t *testing.T) {
	path := writeConfigFile(t, `
url      = "https://10.0.0.1"
username = "admin"
password = "secret"
format   = "xml"

[backoff]
min_delay = "100ms"
max_delay = "1s"
factor    = 2.0
`)

	client, err := NewClientFromConfig(path, testRegistry(t))
	if err != nil {
		t.Fatalf("NewClientFromConfig() error: %v", err)
	}
	if client.Format() != FormatXML {
		t.Errorf("Format() = %q, want xml", client.Format())
	}
}
