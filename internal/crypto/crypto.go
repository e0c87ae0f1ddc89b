// Package crypto implements the inbound channel's cryptography: a mutually
// authenticated X25519 handshake and a ChaCha20-Poly1305 record layer keyed
// by the derived session key.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "keybridge/ecdhe/v1"

	// directionTag marks responder-to-initiator nonces. Nonces are derived
	// from per-direction counters on both sides and never travel on the wire.
	directionTag = 0x80
)

var (
	// ErrAuthFailure is returned when an AEAD open or a handshake signature
	// check fails. It is always session-fatal and never retried.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrNonceExhausted is returned when a direction's nonce counter would
	// wrap. The session must terminate; the key cannot be reused.
	ErrNonceExhausted = errors.New("nonce counter exhausted")
)

// SessionKey holds the symmetric key and nonce state for one session.
// It is safe for concurrent use.
type SessionKey struct {
	key [KeySize]byte

	// Separate counters for the two directions so that (key, nonce) pairs
	// cannot collide even when the counters align.
	sendNonce uint64
	recvNonce uint64

	// isInitiator selects the direction tag: the initiator sends with an
	// untagged nonce and receives tagged, the responder the reverse.
	isInitiator bool

	mu sync.Mutex
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for a
// single session's key exchange. The private key must be zeroed after the
// shared secret is computed.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns
// the shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	// Reject low-order results
	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the symmetric session key from an ECDH shared
// secret. Both contributions are mixed into the salt so that an attacker
// who substitutes either contribution cannot produce a matching key.
// Both sides compute identical output; both nonce counters start at zero.
func DeriveSessionKey(sharedSecret [KeySize]byte,
	initiatorPub, responderPub [KeySize]byte, isInitiator bool) *SessionKey {

	salt := make([]byte, KeySize+KeySize)
	copy(salt[:KeySize], initiatorPub[:])
	copy(salt[KeySize:], responderPub[:])

	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(hkdfInfo))

	sk := &SessionKey{
		isInitiator: isInitiator,
	}
	if _, err := io.ReadFull(reader, sk.key[:]); err != nil {
		// Cannot happen for a 32-byte read from HKDF-SHA256
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return sk
}

// Seal encrypts plaintext under the next send nonce and returns the
// ciphertext with its authentication tag appended. The nonce is not
// included in the output; the receiver derives the same nonce from its
// receive counter.
func (s *SessionKey) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	if s.sendNonce == math.MaxUint64 {
		s.mu.Unlock()
		return nil, ErrNonceExhausted
	}
	nonce := s.buildNonce(s.sendNonce, s.isInitiator)
	s.sendNonce++
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts a ciphertext produced by the peer's Seal,
// using the next receive nonce. On ErrAuthFailure the session must be torn
// down; the record layer cannot resynchronize after tampering.
func (s *SessionKey) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", ErrAuthFailure, len(ciphertext))
	}

	s.mu.Lock()
	if s.recvNonce == math.MaxUint64 {
		s.mu.Unlock()
		return nil, ErrNonceExhausted
	}
	// The peer's send direction is the opposite of ours.
	nonce := s.buildNonce(s.recvNonce, !s.isInitiator)
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	s.mu.Lock()
	s.recvNonce++
	s.mu.Unlock()

	return plaintext, nil
}

// buildNonce constructs a nonce for the given counter and sender role.
// Format: [1 byte: direction tag] [3 bytes: zero] [8 bytes: counter BE].
// Initiator-to-responder traffic is untagged; the reverse direction sets
// the tag byte.
func (s *SessionKey) buildNonce(counter uint64, senderIsInitiator bool) [NonceSize]byte {
	var nonce [NonceSize]byte

	if !senderIsInitiator {
		nonce[0] = directionTag
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)

	return nonce
}

// Key returns a copy of the session key bytes. Test use only.
func (s *SessionKey) Key() [KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Zero securely zeros the session key material. Call on session teardown.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}

// ZeroBytes zeroes out a byte slice holding sensitive material.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
