// Package fetcher retrieves, indexes and deletes mail on a POP3 server.
// Every operation opens its own session and releases it before returning.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/credential"
	"github.com/shineum/mailkit/internal/decode"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/parser"
	"github.com/shineum/mailkit/internal/pop3"
)

// Placeholders stored for messages skipped by the fetch limit.
const (
	SkippedHeader  = "Subject: --mail skipped--\n\n"
	SkippedMessage = "Subject: --mail skipped--\n\nMail skipped.\n"
)

// Progress is called with (current, total) as an operation advances.
type Progress func(current, total int)

// Session is an open POP3 session.
type Session interface {
	Auth(user, pass string) error
	Stat() (count, size int, err error)
	List() ([]pop3.MessageInfo, error)
	Top(n, lines int) ([][]byte, error)
	Retr(n int) ([][]byte, error)
	Dele(n int) error
	Quit() error
	Close() error
}

// Dialer opens an unauthenticated session to addr.
type Dialer func(ctx context.Context, addr string, opts pop3.DialOptions) (Session, error)

func dialPOP3(ctx context.Context, addr string, opts pop3.DialOptions) (Session, error) {
	c, err := pop3.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds the account and behaviour settings of a Fetcher.
type Config struct {
	// Server is the POP3 server address as host:port.
	Server string
	User   string

	// HasTop enables header-only fetches with TOP. When false, index
	// operations download full messages and safe delete is refused.
	HasTop bool

	// FetchLimit, when positive, fetches only the newest FetchLimit
	// messages; older ones get placeholder text.
	FetchLimit int

	// FetchEncoding is the preferred charset for decoding fetched bytes.
	FetchEncoding string

	// TLS enables implicit TLS, or STLS when StartTLS is set.
	TLS      *tls.Config
	StartTLS bool

	// Timeout bounds dialing and each command round trip.
	Timeout time.Duration
}

// Index is a snapshot of the mailbox: one header (or full message) text
// and one size per message, in server order from the start position.
type Index struct {
	Headers []string
	Sizes   []int

	// Limited reports that the fetch limit replaced some messages with
	// placeholders.
	Limited bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSecret sets the password source. It is consulted at most once per
// Fetcher unless the server rejects the password.
func WithSecret(r credential.Resolver) Option {
	return func(f *Fetcher) { f.secrets = credential.NewCache(r) }
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(f *Fetcher) { f.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// Fetcher talks to one POP3 account.
type Fetcher struct {
	cfg     Config
	secrets *credential.Cache
	dial    Dialer
	log     zerolog.Logger
	parser  *parser.Parser
}

// New creates a Fetcher for cfg.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:     cfg,
		dial:    dialPOP3,
		log:     zerolog.Nop(),
		secrets: credential.NewCache(credential.Static("")),
	}
	for _, o := range opts {
		o(f)
	}
	f.log = f.log.With().Str("component", "fetcher").Str("server", cfg.Server).Logger()
	f.parser = parser.New(f.log)
	return f
}

func (f *Fetcher) request() credential.Request {
	return credential.Request{Service: "pop", Server: f.cfg.Server, User: f.cfg.User}
}

// Connect opens and authenticates a session. The caller must end it with
// Quit or Close.
func (f *Fetcher) Connect(ctx context.Context) (Session, error) {
	f.log.Debug().Msg("connecting")

	req := f.request()
	secret, err := f.secrets.Resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolving POP password: %w", err)
	}

	s, err := f.dial(ctx, f.cfg.Server, pop3.DialOptions{
		TLS:      f.cfg.TLS,
		StartTLS: f.cfg.StartTLS,
		Timeout:  f.cfg.Timeout,
	})
	if err != nil {
		return nil, &mailerr.ConnectionError{Server: f.cfg.Server, Err: err}
	}

	if err := s.Auth(f.cfg.User, secret); err != nil {
		s.Close()
		var perr *pop3.Error
		if errors.As(err, &perr) {
			f.secrets.Forget(req)
			return nil, &mailerr.AuthenticationError{Server: f.cfg.Server, User: f.cfg.User, Err: err}
		}
		return nil, &mailerr.ConnectionError{Server: f.cfg.Server, Err: err}
	}
	return s, nil
}

// withSession runs fn on a fresh session. The session ends with QUIT when
// fn succeeds and is dropped without QUIT otherwise, which discards any
// pending deletions.
func (f *Fetcher) withSession(ctx context.Context, fn func(Session) error) error {
	s, err := f.Connect(ctx)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		s.Close()
		return err
	}
	if err := s.Quit(); err != nil {
		return f.classify(err)
	}
	return nil
}

// classify wraps transport failures as ConnectionError. Server -ERR
// replies are returned as they are.
func (f *Fetcher) classify(err error) error {
	var perr *pop3.Error
	if err == nil || errors.As(err, &perr) {
		return err
	}
	var cerr *mailerr.ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	return &mailerr.ConnectionError{Server: f.cfg.Server, Err: err}
}

func (f *Fetcher) decode(lines [][]byte) string {
	dec := decode.Decoder{Preferred: f.cfg.FetchEncoding, Logger: f.log}
	return dec.Text(lines)
}

// skipped reports whether message n of count falls outside the fetch limit.
func (f *Fetcher) skipped(n, count int) bool {
	return f.cfg.FetchLimit > 0 && n <= count-f.cfg.FetchLimit
}

func (f *Fetcher) limited(startFrom, count int) bool {
	return f.cfg.FetchLimit > 0 && startFrom <= count-f.cfg.FetchLimit
}

// FetchHeaderIndex loads the header text and size of every message from
// startFrom (1-based) on. Without TOP it loads full messages instead.
func (f *Fetcher) FetchHeaderIndex(ctx context.Context, progress Progress, startFrom int) (Index, error) {
	if !f.cfg.HasTop {
		return f.FetchAllMessages(ctx, progress, startFrom)
	}
	if startFrom < 1 {
		startFrom = 1
	}
	f.log.Debug().Int("start", startFrom).Msg("loading headers")

	var idx Index
	err := f.withSession(ctx, func(s Session) error {
		infos, err := s.List()
		if err != nil {
			return f.classify(fmt.Errorf("LIST: %w", err))
		}
		count := len(infos)

		for n := startFrom; n <= count; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if progress != nil {
				progress(n, count)
			}
			idx.Sizes = append(idx.Sizes, infos[n-1].Size)
			if f.skipped(n, count) {
				idx.Headers = append(idx.Headers, SkippedHeader)
				continue
			}
			lines, err := s.Top(n, 0)
			if err != nil {
				return f.classify(fmt.Errorf("TOP %d: %w", n, err))
			}
			idx.Headers = append(idx.Headers, f.decode(lines))
		}
		idx.Limited = f.limited(startFrom, count)
		return nil
	})
	if err != nil {
		return Index{}, err
	}
	return idx, nil
}

// FetchAllMessages loads the full text of every message from startFrom
// (1-based) on.
func (f *Fetcher) FetchAllMessages(ctx context.Context, progress Progress, startFrom int) (Index, error) {
	if startFrom < 1 {
		startFrom = 1
	}
	f.log.Debug().Int("start", startFrom).Msg("loading full messages")

	var idx Index
	err := f.withSession(ctx, func(s Session) error {
		infos, err := s.List()
		if err != nil {
			return f.classify(fmt.Errorf("LIST: %w", err))
		}
		count := len(infos)

		for n := startFrom; n <= count; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if progress != nil {
				progress(n, count)
			}
			if f.skipped(n, count) {
				idx.Headers = append(idx.Headers, SkippedMessage)
				idx.Sizes = append(idx.Sizes, len(SkippedMessage))
				continue
			}
			lines, err := s.Retr(n)
			if err != nil {
				return f.classify(fmt.Errorf("RETR %d: %w", n, err))
			}
			idx.Headers = append(idx.Headers, f.decode(lines))
			idx.Sizes = append(idx.Sizes, infos[n-1].Size)
		}
		idx.Limited = f.limited(startFrom, count)
		return nil
	})
	if err != nil {
		return Index{}, err
	}
	return idx, nil
}

// FetchFullMessage loads and decodes the full text of message n.
func (f *Fetcher) FetchFullMessage(ctx context.Context, n int) (string, error) {
	f.log.Debug().Int("msg", n).Msg("loading message")

	var text string
	err := f.withSession(ctx, func(s Session) error {
		lines, err := s.Retr(n)
		if err != nil {
			return f.classify(fmt.Errorf("RETR %d: %w", n, err))
		}
		text = f.decode(lines)
		return nil
	})
	return text, err
}

// DeleteMessages deletes the given messages without checking that the
// numbers still refer to the intended messages.
func (f *Fetcher) DeleteMessages(ctx context.Context, nums []int, progress Progress) error {
	f.log.Info().Ints("msgs", nums).Msg("deleting messages")

	return f.withSession(ctx, func(s Session) error {
		for i, n := range nums {
			if err := ctx.Err(); err != nil {
				return err
			}
			if progress != nil {
				progress(i+1, len(nums))
			}
			if err := s.Dele(n); err != nil {
				return f.classify(fmt.Errorf("DELE %d: %w", n, err))
			}
		}
		return nil
	})
}

// DeleteMessagesSafe deletes the given messages after checking each one's
// current header against expected[n-1]. The first mismatch aborts the
// whole batch: the session is dropped without QUIT, so no message is
// deleted.
func (f *Fetcher) DeleteMessagesSafe(ctx context.Context, nums []int, expected []string, progress Progress) error {
	if !f.cfg.HasTop {
		return &mailerr.CapabilityError{Op: "safe delete", Capability: "TOP"}
	}
	f.log.Info().Ints("msgs", nums).Msg("deleting messages safely")

	return f.withSession(ctx, func(s Session) error {
		count, _, err := s.Stat()
		if err != nil {
			return f.classify(fmt.Errorf("STAT: %w", err))
		}

		for i, n := range nums {
			if err := ctx.Err(); err != nil {
				return err
			}
			if progress != nil {
				progress(i+1, len(nums))
			}
			if n < 1 || n > count {
				return &mailerr.SynchronizationError{Msg: n, Reason: fmt.Sprintf("server has only %d messages", count)}
			}
			if n > len(expected) {
				return &mailerr.SynchronizationError{Msg: n, Reason: "no cached header for this message"}
			}

			lines, err := s.Top(n, 0)
			if err != nil {
				return f.classify(fmt.Errorf("TOP %d: %w", n, err))
			}
			if !f.parser.HeadersMatch(f.decode(lines), expected[n-1]) {
				f.log.Warn().Int("msg", n).Msg("header mismatch, delete aborted")
				return &mailerr.SynchronizationError{Msg: n, Reason: "header does not match the loaded index"}
			}
			if err := s.Dele(n); err != nil {
				return f.classify(fmt.Errorf("DELE %d: %w", n, err))
			}
		}
		return nil
	})
}

// CheckSynchronization verifies that a previously loaded index still
// matches the server: the server must hold at least len(expected)
// messages and, with TOP, the last one must match the last header.
func (f *Fetcher) CheckSynchronization(ctx context.Context, expected []string) error {
	f.log.Debug().Int("cached", len(expected)).Msg("sync check")

	return f.withSession(ctx, func(s Session) error {
		count, _, err := s.Stat()
		if err != nil {
			return f.classify(fmt.Errorf("STAT: %w", err))
		}
		last := len(expected)
		if last > count {
			return &mailerr.SynchronizationError{Reason: fmt.Sprintf("index has %d messages, server has %d", last, count)}
		}
		if !f.cfg.HasTop || last == 0 {
			return nil
		}

		lines, err := s.Top(last, 0)
		if err != nil {
			return f.classify(fmt.Errorf("TOP %d: %w", last, err))
		}
		if !f.parser.HeadersMatch(f.decode(lines), expected[last-1]) {
			return &mailerr.SynchronizationError{Msg: last, Reason: "last header does not match the loaded index"}
		}
		return nil
	})
}
