package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/keybridge/internal/frame"
)

// ErrHandshakeFailure is returned for I/O, framing, or protocol errors during
// the contribution exchange. Signature mismatches are ErrAuthFailure instead.
var ErrHandshakeFailure = errors.New("handshake failure")

// Each side frames its X25519 public value and an Ed25519 signature over it
// as two consecutive frames. The responder (the proxy) reads the initiator's
// pair first, verifies it, then answers with its own.

// Respond runs the responder side of the handshake on rw: read and verify the
// initiator's signed contribution, then send our own. On success the returned
// SessionKey is ready for Seal/Open with both counters at zero; on any error
// no key material is retained.
func Respond(rw io.ReadWriter, signing ed25519.PrivateKey, peerVerify ed25519.PublicKey) (*SessionKey, error) {
	peerPub, err := readContribution(rw, peerVerify)
	if err != nil {
		return nil, err
	}

	ourPriv, ourPub, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	defer ZeroKey(&ourPriv)

	if err := writeContribution(rw, signing, ourPub); err != nil {
		return nil, err
	}

	shared, err := ComputeECDH(ourPriv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	defer ZeroKey(&shared)

	return DeriveSessionKey(shared, peerPub, ourPub, false), nil
}

// Initiate runs the initiator side: send our signed contribution first, then
// read and verify the peer's. Used by the inbound peer and by tests.
func Initiate(rw io.ReadWriter, signing ed25519.PrivateKey, peerVerify ed25519.PublicKey) (*SessionKey, error) {
	ourPriv, ourPub, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	defer ZeroKey(&ourPriv)

	if err := writeContribution(rw, signing, ourPub); err != nil {
		return nil, err
	}

	peerPub, err := readContribution(rw, peerVerify)
	if err != nil {
		return nil, err
	}

	shared, err := ComputeECDH(ourPriv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	defer ZeroKey(&shared)

	return DeriveSessionKey(shared, ourPub, peerPub, true), nil
}

// readContribution reads the contribution and signature frames and verifies
// the signature under the pre-provisioned peer key. After ErrAuthFailure the
// caller must not read or write further bytes on the connection.
func readContribution(r io.Reader, peerVerify ed25519.PublicKey) ([KeySize]byte, error) {
	var peerPub [KeySize]byte

	contribution, err := frame.Read(r)
	if err != nil {
		return peerPub, fmt.Errorf("%w: read contribution: %v", ErrHandshakeFailure, err)
	}
	if len(contribution) != KeySize {
		return peerPub, fmt.Errorf("%w: contribution is %d bytes, want %d",
			ErrHandshakeFailure, len(contribution), KeySize)
	}

	signature, err := frame.Read(r)
	if err != nil {
		return peerPub, fmt.Errorf("%w: read signature: %v", ErrHandshakeFailure, err)
	}
	if len(signature) != ed25519.SignatureSize {
		return peerPub, fmt.Errorf("%w: signature is %d bytes, want %d",
			ErrHandshakeFailure, len(signature), ed25519.SignatureSize)
	}

	if !ed25519.Verify(peerVerify, contribution, signature) {
		return peerPub, fmt.Errorf("%w: contribution signature rejected", ErrAuthFailure)
	}

	copy(peerPub[:], contribution)
	return peerPub, nil
}

func writeContribution(w io.Writer, signing ed25519.PrivateKey, pub [KeySize]byte) error {
	if err := frame.Write(w, pub[:]); err != nil {
		return fmt.Errorf("%w: write contribution: %v", ErrHandshakeFailure, err)
	}
	if err := frame.Write(w, ed25519.Sign(signing, pub[:])); err != nil {
		return fmt.Errorf("%w: write signature: %v", ErrHandshakeFailure, err)
	}
	return nil
}
