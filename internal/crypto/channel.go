package crypto

import (
	"io"
	"net"

	"github.com/postalsys/keybridge/internal/frame"
)

// MaxPayloadSize is the largest plaintext that fits in one sealed frame.
const MaxPayloadSize = frame.MaxMsgSize - TagSize

// Channel is the authenticated record layer over an established session.
// Every frame body is a sealed record; the plaintext is relayed verbatim.
type Channel struct {
	conn net.Conn
	sk   *SessionKey
}

// NewChannel wraps conn with the session key produced by the handshake.
// The channel takes ownership of the key's nonce state, not of conn.
func NewChannel(conn net.Conn, sk *SessionKey) *Channel {
	return &Channel{conn: conn, sk: sk}
}

// Send seals payload and writes it as one frame.
func (c *Channel) Send(payload []byte) error {
	sealed, err := c.sk.Seal(payload)
	if err != nil {
		return err
	}
	return frame.Write(c.conn, sealed)
}

// Recv reads one frame and opens it. A clean close between frames returns
// io.EOF. ErrAuthFailure and ErrNonceExhausted are session-fatal.
func (c *Channel) Recv() ([]byte, error) {
	sealed, err := frame.Read(c.conn)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return c.sk.Open(sealed)
}

// Close zeroizes the session key. The connection is closed by the session
// teardown path, not here.
func (c *Channel) Close() {
	c.sk.Zero()
}
