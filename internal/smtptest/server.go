// Package smtptest runs an in-process SMTP server that keeps received
// messages in memory so tests can inspect them.
package smtptest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// maxMessageBytes caps a single message.
const maxMessageBytes = 10 * units.MiB

// Message is one message accepted by the server.
type Message struct {
	From     string
	To       []string
	Data     []byte
	Received time.Time
}

// Options configures a Server.
type Options struct {
	// Username and Password enable AUTH. Empty means anonymous
	// submission is allowed.
	Username string
	Password string

	// Reject lists recipient addresses refused at RCPT with 550.
	Reject []string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	Logger zerolog.Logger
}

// Store keeps received messages. It is goroutine safe.
type Store struct {
	mu       sync.Mutex
	messages []Message
}

// Messages returns every message received so far.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Store) save(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// backend implements smtp.Backend.
type backend struct {
	store    *Store
	username string
	password string
	reject   map[string]bool
}

// Login implements smtp.Backend.
func (be *backend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if be.username != "" && (username != be.username || password != be.password) {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return &session{be: be}, nil
}

// AnonymousLogin implements smtp.Backend. Refused when AUTH is configured.
func (be *backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.username != "" {
		return nil, &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	return &session{be: be}, nil
}

// session implements smtp.Session for one transaction at a time.
type session struct {
	be   *backend
	from string
	to   []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	if s.be.reject[strings.ToLower(to)] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}
	s.be.store.save(Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     buf,
		Received: time.Now(),
	})
	return nil
}

// errorLog adapts zerolog to smtp.Logger.
type errorLog struct {
	log zerolog.Logger
}

func (l errorLog) Printf(format string, v ...interface{}) {
	l.log.Error().Msgf(format, v...)
}

func (l errorLog) Println(v ...interface{}) {
	l.log.Error().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Server is a go-smtp server bound to a loopback port.
type Server struct {
	*Store

	srv  *smtp.Server
	ln   net.Listener
	done chan struct{}
}

// Start listens on a free loopback port and serves in the background.
func Start(opts Options) (*Server, error) {
	store := &Store{}
	be := &backend{
		store:    store,
		username: opts.Username,
		password: opts.Password,
		reject:   make(map[string]bool, len(opts.Reject)),
	}
	for _, r := range opts.Reject {
		be.reject[strings.ToLower(r)] = true
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.AuthDisabled = opts.Username == ""
	srv.MaxMessageBytes = maxMessageBytes
	srv.ErrorLog = errorLog{log: opts.Logger}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil {
		if opts.ImplicitTLS {
			ln = tls.NewListener(ln, opts.TLSConfig)
		} else {
			srv.TLSConfig = opts.TLSConfig
		}
	}
	srv.Addr = ln.Addr().String()

	s := &Server{Store: store, srv: srv, ln: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			opts.Logger.Debug().Err(err).Msg("smtp test server stopped")
		}
	}()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the server down and waits for it to stop.
func (s *Server) Close() {
	s.srv.Close()
	<-s.done
}
