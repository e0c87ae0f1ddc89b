// Package keys loads the long-term Ed25519 key material used to authenticate
// the ECDHE handshake: the proxy's own signing key and the peer's verification
// key. Keys are loaded once at startup and shared read-only across sessions.
package keys

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrKeyLoad is returned for unreadable or unparsable key files.
	ErrKeyLoad = errors.New("key load failure")

	// ErrUnsupportedKeyType is returned when a PEM file parses but does not
	// contain an Ed25519 key.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// LongTermKeys holds the proxy's signing key and the peer's verification key.
// It is immutable after load and shared by all sessions.
type LongTermKeys struct {
	// SigningKey signs the proxy's ephemeral contribution during handshake.
	SigningKey ed25519.PrivateKey

	// PeerVerifyKey validates the peer's signed contribution.
	PeerVerifyKey ed25519.PublicKey
}

// Load reads both long-term keys from their PEM files.
func Load(privatePath, peerPublicPath string) (*LongTermKeys, error) {
	priv, err := LoadPrivate(privatePath)
	if err != nil {
		return nil, err
	}

	pub, err := LoadPeerPublic(peerPublicPath)
	if err != nil {
		Zeroize(priv)
		return nil, err
	}

	return &LongTermKeys{SigningKey: priv, PeerVerifyKey: pub}, nil
}

// LoadPrivate loads a PEM-encoded Ed25519 private key (PKCS#8).
func LoadPrivate(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: %s: unexpected PEM block %q", ErrKeyLoad, path, block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, path, err)
	}

	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: got %T, want ed25519", ErrUnsupportedKeyType, path, parsed)
	}

	return priv, nil
}

// LoadPeerPublic loads the peer's Ed25519 verification key from a PEM file
// containing either an X.509 certificate or a PKIX public key.
func LoadPeerPublic(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	var parsed any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, path, err)
		}
		parsed = cert.PublicKey
	case "PUBLIC KEY":
		parsed, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unexpected PEM block %q", ErrKeyLoad, path, block.Type)
	}

	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: got %T, want ed25519", ErrUnsupportedKeyType, path, parsed)
	}

	return pub, nil
}

// Zeroize overwrites private key material in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Close zeroizes the signing key. The verification key is public material
// and is left intact.
func (k *LongTermKeys) Close() {
	Zeroize(k.SigningKey)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: no PEM block found", ErrKeyLoad, path)
	}

	return block, nil
}
