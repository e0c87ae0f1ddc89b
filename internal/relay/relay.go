// Package relay pumps payload bytes between the established inbound secure
// channel and the outbound TLS stream, one goroutine per direction, until
// either side closes or a fatal error ends the session.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/keybridge/internal/crypto"
	"github.com/postalsys/keybridge/internal/logging"
)

var (
	// ErrRelayRead is returned when the TLS stream fails mid-session.
	ErrRelayRead = errors.New("relay read failure")

	// ErrRelayWrite is returned when a decrypted inbound payload cannot be
	// delivered to the TLS stream. The inbound frame is already committed,
	// so this is always fatal.
	ErrRelayWrite = errors.New("relay write failure")
)

// Result summarizes a finished relay.
type Result struct {
	// BytesIn counts plaintext bytes moved from the inbound peer to TLS.
	BytesIn uint64

	// BytesOut counts plaintext bytes moved from TLS to the inbound peer.
	BytesOut uint64
}

// Run relays until one side closes cleanly or a fatal error occurs. Both
// connections are closed before return; key zeroization belongs to the
// session teardown. On any exit both pumps have stopped.
func Run(inbound net.Conn, ch *crypto.Channel, remote io.ReadWriteCloser, logger *slog.Logger) (Result, error) {
	var bytesIn, bytesOut atomic.Uint64
	var closing atomic.Bool

	// Closing both connections is the only way to unblock the opposite
	// pump; the closing flag suppresses the secondary error it produces.
	shutdown := func() {
		if closing.CompareAndSwap(false, true) {
			inbound.Close()
			remote.Close()
		}
	}

	var g errgroup.Group

	// Inbound direction: decrypt frames, deliver to TLS.
	g.Go(func() error {
		for {
			payload, err := ch.Recv()
			if err != nil {
				if err == io.EOF {
					logger.Debug("inbound peer closed", slog.String(logging.KeyComponent, "relay"))
					shutdown()
					return nil
				}
				if closing.Load() {
					return nil
				}
				shutdown()
				return err
			}

			if _, err := remote.Write(payload); err != nil {
				crypto.ZeroBytes(payload)
				if closing.Load() {
					return nil
				}
				shutdown()
				return fmt.Errorf("%w: %v", ErrRelayWrite, err)
			}
			bytesIn.Add(uint64(len(payload)))
			crypto.ZeroBytes(payload)
		}
	})

	// Outbound direction: read TLS, seal, frame to the inbound peer.
	g.Go(func() error {
		buf := make([]byte, crypto.MaxPayloadSize)
		defer crypto.ZeroBytes(buf)

		for {
			n, err := remote.Read(buf)
			if n > 0 {
				if sendErr := ch.Send(buf[:n]); sendErr != nil {
					if closing.Load() {
						return nil
					}
					shutdown()
					return sendErr
				}
				bytesOut.Add(uint64(n))
			}
			if err != nil {
				if err == io.EOF {
					logger.Debug("remote peer closed", slog.String(logging.KeyComponent, "relay"))
					shutdown()
					return nil
				}
				if closing.Load() {
					return nil
				}
				shutdown()
				return fmt.Errorf("%w: %v", ErrRelayRead, err)
			}
		}
	})

	err := g.Wait()
	return Result{BytesIn: bytesIn.Load(), BytesOut: bytesOut.Load()}, err
}
