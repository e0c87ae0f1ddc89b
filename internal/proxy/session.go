package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/keybridge/internal/crypto"
	"github.com/postalsys/keybridge/internal/frame"
	"github.com/postalsys/keybridge/internal/logging"
	"github.com/postalsys/keybridge/internal/metrics"
	"github.com/postalsys/keybridge/internal/relay"
	"github.com/postalsys/keybridge/internal/transport"
)

// serveSession runs one inbound connection through handshake, TLS connect,
// and relay. Every exit path funnels through the teardown below: sockets
// closed, session key and nonce state zeroized, long-term keys untouched.
// Per-session failures are logged, never propagated to the process.
func (s *Server) serveSession(ctx context.Context, inbound net.Conn, id uint64) {
	start := time.Now()
	logger := s.logger.With(
		slog.Uint64(logging.KeySession, id),
		slog.String(logging.KeyRemoteAddr, inbound.RemoteAddr().String()),
	)

	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()
	defer func() {
		s.metrics.SessionDuration.Observe(time.Since(start).Seconds())
	}()

	logger.Debug("session accepted")

	sk, err := crypto.Respond(inbound, s.ltk.SigningKey, s.ltk.PeerVerifyKey)
	if err != nil {
		kind := errKind(err)
		s.metrics.HandshakeErrors.WithLabelValues(kind).Inc()
		logger.Error("handshake failed",
			slog.String(logging.KeyKind, kind),
			slog.String(logging.KeyError, err.Error()))
		inbound.Close()
		return
	}
	s.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())

	ch := crypto.NewChannel(inbound, sk)
	defer ch.Close()

	remote, err := transport.Dial(ctx, s.tlsOpts)
	if err != nil {
		kind := errKind(err)
		s.metrics.TLSConnectErrors.WithLabelValues(kind).Inc()
		logger.Error("outbound connect failed",
			slog.String(logging.KeyKind, kind),
			slog.String(logging.KeyError, err.Error()))
		inbound.Close()
		return
	}

	logger.Info("session established",
		slog.String(logging.KeyAddress, remote.RemoteAddr().String()))

	res, relayErr := relay.Run(inbound, ch, remote, logger)

	// Teardown: close-notify is best effort, both sockets close, the
	// channel's deferred Close zeroizes the session key.
	remote.Close()
	inbound.Close()

	s.metrics.BytesRelayed.WithLabelValues(metrics.DirectionIn).Add(float64(res.BytesIn))
	s.metrics.BytesRelayed.WithLabelValues(metrics.DirectionOut).Add(float64(res.BytesOut))

	if relayErr != nil {
		kind := errKind(relayErr)
		s.metrics.SessionErrors.WithLabelValues(kind).Inc()
		logger.Error("session terminated",
			slog.String(logging.KeyKind, kind),
			slog.String(logging.KeyError, relayErr.Error()),
			slog.String(logging.KeyDuration, time.Since(start).String()))
		return
	}

	logger.Info("session closed",
		slog.String(logging.KeyBytesIn, humanize.Bytes(res.BytesIn)),
		slog.String(logging.KeyBytesOut, humanize.Bytes(res.BytesOut)),
		slog.String(logging.KeyDuration, time.Since(start).String()))
}

// errKind maps session errors onto their stable kind labels for logs and
// metrics.
func errKind(err error) string {
	switch {
	case errors.Is(err, crypto.ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, crypto.ErrNonceExhausted):
		return "nonce_exhausted"
	case errors.Is(err, crypto.ErrHandshakeFailure):
		return "handshake_failure"
	case errors.Is(err, transport.ErrCertVerify):
		return "cert_verify_failure"
	case errors.Is(err, transport.ErrTLSIO):
		return "tls_io"
	case errors.Is(err, frame.ErrOversizeFrame):
		return "oversize_frame"
	case errors.Is(err, frame.ErrTruncatedFrame):
		return "truncated_frame"
	case errors.Is(err, frame.ErrFrameIO):
		return "frame_io"
	case errors.Is(err, relay.ErrRelayRead):
		return "relay_read_failure"
	case errors.Is(err, relay.ErrRelayWrite):
		return "relay_write_failure"
	case errors.Is(err, io.EOF):
		return "end_of_stream"
	default:
		return "internal"
	}
}
