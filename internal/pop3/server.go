package pop3

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 5 * time.Second

// ServerConfig holds the configuration for a POP3 server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:0").
	ListenAddr string

	// Hostname is used in the greeting.
	Hostname string

	// TLSConfig enables STLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword configure USER/PASS.
	// If both are empty, any login is accepted.
	AuthUsername string
	AuthPassword string

	// DisableTop makes the server answer TOP with -ERR and leave it out
	// of CAPA.
	DisableTop bool

	Logger zerolog.Logger
}

// Server serves a single Maildrop over POP3.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	drop     *Maildrop
	listener net.Listener
	log      zerolog.Logger

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup

	sessions atomic.Int64
	active   atomic.Int64
}

// NewServer creates a POP3 server for drop.
func NewServer(cfg ServerConfig, drop *Maildrop) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		drop:   drop,
		log:    cfg.Logger.With().Str("component", "pop3-server").Logger(),
	}
}

// Listen binds the listening socket. Addr is valid once it returns.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.ImplicitTLS && s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}
	s.listener = ln
	return nil
}

// ListenAndServe listens and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is
// cancelled, then waits for in-flight sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.listener

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth_enabled", s.auth.Enabled()).
		Bool("top", !s.config.DisableTop).
		Msg("POP3 server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				s.log.Error().Err(err).Msg("accept error")
				continue
			}
		}

		s.sessions.Add(1)
		s.active.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			sess := newSession(conn, s)
			sess.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.log.Warn().Msg("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// Active returns the number of connections currently open.
func (s *Server) Active() int {
	return int(s.active.Load())
}
