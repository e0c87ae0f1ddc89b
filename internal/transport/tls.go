// Package transport builds and dials the verifying TLS client used on the
// outbound side of the relay.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// maxVerifyDepth bounds the peer certificate chain: a leaf plus at most
// five issuing certificates.
const maxVerifyDepth = 5

var (
	// ErrCertVerify is returned when the remote certificate chain is
	// rejected. The wrapped text carries the verifier's reason.
	ErrCertVerify = errors.New("certificate verification failure")

	// ErrTLSIO is returned for dial and handshake failures that are not
	// verification rejections.
	ErrTLSIO = errors.New("tls i/o failure")
)

// ClientOptions configures the outbound TLS client.
type ClientOptions struct {
	// Host is the remote host. It is used for the TCP connect, the SNI
	// extension, and hostname verification.
	Host string

	// Port is the remote TLS port.
	Port int

	// CAPath optionally names a PEM trust-anchor bundle. When set it is
	// used exclusively; when empty the system roots apply.
	CAPath string

	// ClientCertPath and ClientKeyPath optionally enable mutual TLS.
	// Either both or neither must be set.
	ClientCertPath string
	ClientKeyPath  string
}

// BuildClientConfig constructs the verifying tls.Config for opts.
// Peer verification is always on; the protocol floor is TLS 1.2.
func BuildClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.Host,
		VerifyConnection: func(cs tls.ConnectionState) error {
			for _, chain := range cs.VerifiedChains {
				if len(chain) <= maxVerifyDepth+1 {
					return nil
				}
			}
			return &tls.CertificateVerificationError{
				UnverifiedCertificates: cs.PeerCertificates,
				Err:                    fmt.Errorf("certificate chain exceeds depth %d", maxVerifyDepth),
			}
		},
	}

	if opts.CAPath != "" {
		pool, err := LoadCAPool(opts.CAPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if opts.ClientCertPath != "" || opts.ClientKeyPath != "" {
		if opts.ClientCertPath == "" || opts.ClientKeyPath == "" {
			return nil, fmt.Errorf("client TLS requires both certificate and key")
		}
		cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// LoadCAPool loads a CA certificate pool from a PEM file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA certificate: no certificates in %s", caFile)
	}

	return pool, nil
}

// Dial connects to opts.Host:opts.Port and completes the TLS handshake.
// Verification rejections surface as ErrCertVerify with the underlying
// reason; all other failures as ErrTLSIO. No application bytes are sent
// on a connection whose chain was rejected.
func Dial(ctx context.Context, opts ClientOptions) (*tls.Conn, error) {
	cfg, err := BuildClientConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSIO, err)
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrTLSIO, addr, err)
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		if isVerificationError(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCertVerify, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrTLSIO, addr, err)
	}

	return conn, nil
}

// isVerificationError reports whether a handshake error came from the
// certificate verifier rather than transport I/O.
func isVerificationError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return true
	}
	var hostname x509.HostnameError
	return errors.As(err, &hostname)
}
