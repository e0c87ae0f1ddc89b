// Package config provides configuration parsing and validation for keybridge.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for missing or inconsistent options.
// It is startup-fatal.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the immutable relay configuration. Flags take precedence
// over values read from a YAML file.
type Config struct {
	// ListenPort is the local TCP port for inbound ECDHE connections.
	ListenPort int `yaml:"listen_port"`

	// PrivateKeyPath is the PEM path of the proxy's long-term signing key.
	PrivateKeyPath string `yaml:"private_key"`

	// PeerPublicPath is the PEM path of the peer's long-term verification
	// key or certificate.
	PeerPublicPath string `yaml:"peer_public"`

	// RemoteHost and RemotePort name the TLS key server.
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`

	// CAPath optionally names a trust-anchor bundle for the outbound side.
	CAPath string `yaml:"ca_path"`

	// ClientCertPath and ClientKeyPath optionally enable outbound mutual
	// TLS. Either both or neither must be set.
	ClientCertPath string `yaml:"client_cert"`
	ClientKeyPath  string `yaml:"client_key"`

	// MaxConns limits how many sessions the supervisor serves before
	// exiting. Zero or negative means unlimited.
	MaxConns int `yaml:"maxconn"`

	// AcceptRate bounds inbound accepts per second. Zero means unlimited.
	AcceptRate float64 `yaml:"accept_rate"`

	// MetricsAddr optionally enables the Prometheus listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging settings.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoadFile reads a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	// Port zero asks the kernel for an ephemeral port; useful in tests.
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("%w: private key path is required", ErrInvalidConfig)
	}
	if c.PeerPublicPath == "" {
		return fmt.Errorf("%w: peer public key path is required", ErrInvalidConfig)
	}
	if c.RemoteHost == "" {
		return fmt.Errorf("%w: remote host is required", ErrInvalidConfig)
	}
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return fmt.Errorf("%w: remote port %d out of range", ErrInvalidConfig, c.RemotePort)
	}
	if (c.ClientCertPath == "") != (c.ClientKeyPath == "") {
		return fmt.Errorf("%w: client TLS requires both certificate and key", ErrInvalidConfig)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("%w: accept rate must not be negative", ErrInvalidConfig)
	}
	return nil
}
