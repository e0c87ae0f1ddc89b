// Package proxy implements the relay supervisor: it owns the inbound
// listener and the long-term keys, runs one session at a time through
// handshake, TLS connect, and relay, and guarantees teardown of every
// session's cryptographic state.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/postalsys/keybridge/internal/config"
	"github.com/postalsys/keybridge/internal/keys"
	"github.com/postalsys/keybridge/internal/logging"
	"github.com/postalsys/keybridge/internal/metrics"
	"github.com/postalsys/keybridge/internal/transport"
)

// Server accepts inbound ECDHE connections and relays each one to the
// remote TLS key server.
type Server struct {
	cfg     *config.Config
	ltk     *keys.LongTermKeys
	tlsOpts transport.ClientOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu     sync.Mutex
	ln     net.Listener
	active net.Conn
	closed bool
}

// New validates cfg, loads the long-term keys, and returns a ready Server.
// All errors here are startup-fatal.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ltk, err := keys.Load(cfg.PrivateKeyPath, cfg.PeerPublicPath)
	if err != nil {
		return nil, err
	}

	tlsOpts := transport.ClientOptions{
		Host:           cfg.RemoteHost,
		Port:           cfg.RemotePort,
		CAPath:         cfg.CAPath,
		ClientCertPath: cfg.ClientCertPath,
		ClientKeyPath:  cfg.ClientKeyPath,
	}

	// Surface CA and client keypair problems at startup rather than on
	// the first session.
	if _, err := transport.BuildClientConfig(tlsOpts); err != nil {
		ltk.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), 1)
	}

	return &Server{
		cfg:     cfg,
		ltk:     ltk,
		tlsOpts: tlsOpts,
		logger:  logger,
		metrics: m,
		limiter: limiter,
	}, nil
}

// Run listens and serves sessions until ctx is cancelled or, when maxconn is
// positive, that many sessions have completed. A listen failure is
// startup-fatal; per-session failures are logged and served past.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("%w: listen port %d: %v", config.ErrInvalidConfig, s.cfg.ListenPort, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	defer s.close()

	// Unblock Accept and the active session when ctx is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-watchDone:
		}
	}()

	s.logger.Info("listening for inbound connections",
		slog.String(logging.KeyLocalAddr, ln.Addr().String()))

	var completed int
	var sessionID uint64

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				s.logger.Info("listener stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sessionID++
		s.setActive(conn)
		s.serveSession(ctx, conn, sessionID)
		s.setActive(nil)

		completed++
		if s.cfg.MaxConns > 0 && completed >= s.cfg.MaxConns {
			s.logger.Info("session limit reached, shutting down",
				slog.Int(logging.KeyCount, completed))
			return nil
		}
	}
}

// Addr returns the bound listen address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close releases the listener, the active session, and the long-term keys.
func (s *Server) Close() {
	s.close()
	s.ltk.Close()
}

func (s *Server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	if s.active != nil {
		s.active.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) setActive(conn net.Conn) {
	s.mu.Lock()
	s.active = conn
	closed := s.closed
	s.mu.Unlock()
	if closed && conn != nil {
		conn.Close()
	}
}
