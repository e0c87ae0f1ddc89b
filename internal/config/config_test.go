package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		ListenPort:     6000,
		PrivateKeyPath: "/etc/keybridge/signing.pem",
		PeerPublicPath: "/etc/keybridge/peer.pem",
		RemoteHost:     "keyserver.example",
		RemotePort:     9443,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative listen port", func(c *Config) { c.ListenPort = -1 }},
		{"listen port too large", func(c *Config) { c.ListenPort = 70000 }},
		{"missing private key", func(c *Config) { c.PrivateKeyPath = "" }},
		{"missing peer public", func(c *Config) { c.PeerPublicPath = "" }},
		{"missing remote host", func(c *Config) { c.RemoteHost = "" }},
		{"zero remote port", func(c *Config) { c.RemotePort = 0 }},
		{"client cert without key", func(c *Config) { c.ClientCertPath = "/tmp/c.pem" }},
		{"client key without cert", func(c *Config) { c.ClientKeyPath = "/tmp/k.pem" }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidate_ClientTLSBothSet(t *testing.T) {
	cfg := validConfig()
	cfg.ClientCertPath = "/tmp/c.pem"
	cfg.ClientKeyPath = "/tmp/k.pem"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with full client TLS error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_port: 6000
private_key: /etc/keybridge/signing.pem
peer_public: /etc/keybridge/peer.pem
remote_host: keyserver.example
remote_port: 9443
maxconn: 2
accept_rate: 10.5
metrics_addr: 127.0.0.1:9090
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.ListenPort != 6000 {
		t.Errorf("ListenPort = %d, want 6000", cfg.ListenPort)
	}
	if cfg.RemoteHost != "keyserver.example" {
		t.Errorf("RemoteHost = %q", cfg.RemoteHost)
	}
	if cfg.MaxConns != 2 {
		t.Errorf("MaxConns = %d, want 2", cfg.MaxConns)
	}
	if cfg.AcceptRate != 10.5 {
		t.Errorf("AcceptRate = %v, want 10.5", cfg.AcceptRate)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	// Defaults applied for unset fields
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text default", cfg.LogFormat)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadFile() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen_port: [not a port"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadFile() error = %v, want ErrInvalidConfig", err)
	}
}
