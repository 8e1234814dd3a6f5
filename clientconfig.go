// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig is a client configuration loadable from a TOML file:
//
//	url      = "https://10.0.0.1"
//	username = "admin"
//	password = "secret"
//	insecure = true
//
//	format          = "json"
//	max_retries     = 3
//	request_timeout = "30s"
//	schema_version  = "5.2(1g)"
//
//	[backoff]
//	min_delay = "500ms"
//	max_delay = "10s"
//	factor    = 2.0
//
// Certificate authentication replaces username and password:
//
//	cert_dn  = "uni/userext/user-admin/usercert-admin"
//	key_file = "/etc/mit/admin.key"
type ClientConfig struct {
	URL      string `toml:"url"`
	Insecure bool   `toml:"insecure"`

	Username string `toml:"username"`
	Password string `toml:"password"`
	Domain   string `toml:"domain"`

	CertDn  string `toml:"cert_dn"`
	KeyFile string `toml:"key_file"`

	Format         string         `toml:"format"`
	MaxRetries     *int           `toml:"max_retries"`
	RequestTimeout tomlDuration   `toml:"request_timeout"`
	SchemaVersion  string         `toml:"schema_version"`
	Backoff        *backoffConfig `toml:"backoff"`
}

type backoffConfig struct {
	MinDelay tomlDuration `toml:"min_delay"`
	MaxDelay tomlDuration `toml:"max_delay"`
	Factor   float64      `toml:"factor"`
}

// tomlDuration parses durations from their string form.
type tomlDuration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// LoadClientConfig reads a TOML configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading client config %s: %w", path, err)
	}
	return &cfg, nil
}

// Session builds the authentication session the configuration
// describes: a certificate session when cert_dn is set, a password
// session otherwise.
func (cfg *ClientConfig) Session() (Session, error) {
	if cfg.CertDn != "" {
		if cfg.KeyFile == "" {
			return nil, fmt.Errorf("client config: cert_dn set without key_file")
		}
		keyPEM, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("client config: reading key file: %w", err)
		}
		return NewCertSession(cfg.CertDn, keyPEM)
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("client config: neither cert_dn nor username set")
	}
	var opts []LoginSessionOption
	if cfg.Domain != "" {
		opts = append(opts, WithLoginDomain(cfg.Domain))
	}
	return NewLoginSession(cfg.Username, cfg.Password, opts...), nil
}

// Options renders the configuration as client options.
func (cfg *ClientConfig) Options() []ClientOption {
	var opts []ClientOption
	if cfg.Insecure {
		opts = append(opts, WithInsecure())
	}
	if cfg.Format != "" {
		opts = append(opts, WithFormat(Format(cfg.Format)))
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*cfg.MaxRetries))
	}
	if cfg.RequestTimeout.Duration > 0 {
		opts = append(opts, WithRequestTimeout(cfg.RequestTimeout.Duration))
	}
	if cfg.SchemaVersion != "" {
		opts = append(opts, WithSchemaVersion(cfg.SchemaVersion))
	}
	if cfg.Backoff != nil {
		minDelay := cfg.Backoff.MinDelay.Duration
		if minDelay <= 0 {
			minDelay = DefaultBackoffMinDelay
		}
		maxDelay := cfg.Backoff.MaxDelay.Duration
		if maxDelay <= 0 {
			maxDelay = DefaultBackoffMaxDelay
		}
		factor := cfg.Backoff.Factor
		if factor < 1 {
			factor = DefaultBackoffDelayFactor
		}
		opts = append(opts, WithBackoff(minDelay, maxDelay, factor))
	}
	return opts
}

// NewClientFromConfig builds a client from a TOML configuration file
// and a schema registry.
func NewClientFromConfig(path string, registry *Registry, opts ...ClientOption) (*Client, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	session, err := cfg.Session()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg.URL, registry, session, append(cfg.Options(), opts...)...)
}
