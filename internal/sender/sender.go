// Package sender composes MIME messages and hands them to a Provider.
package sender

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/decode"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/provider"
)

// Header is an extra header to add to an outgoing message.
type Header struct {
	Name  string
	Value string
}

// Attachment names a file to attach.
type Attachment struct {
	Path string

	// Encoding is the charset of text attachments. Defaults to us-ascii.
	Encoding string
}

// Mail is one outgoing message.
type Mail struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// Extra headers. Empty values are skipped. Cc and Bcc entries are
	// merged into the address lists.
	Extra []Header

	Body string

	// BodyEncoding is the body charset. Defaults to us-ascii and is
	// upgraded to utf-8 for non-ASCII text.
	BodyEncoding string

	Attachments []Attachment

	// Separator overrides the sent log separator for this message.
	Separator string
}

// Result describes a transmission that reached at least one recipient.
type Result struct {
	// Recipients is the deduplicated envelope.
	Recipients []string

	// Rejected maps refused recipients to the server's reply.
	Rejected map[string]error

	MessageID string

	// Raw is the exact text that was transmitted.
	Raw []byte
}

// Config configures a Sender.
type Config struct {
	// HeadersEncodeTo is the charset for encoded headers. Defaults to utf-8.
	HeadersEncodeTo string

	// SentMailFile enables the sent log when set.
	SentMailFile   string
	SentMailFormat string
	Separator      string

	// Hostname is the right-hand side of generated Message-Ids.
	Hostname string

	// TraceSize is how many bytes of the message are logged at debug level.
	TraceSize int
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sender) { s.log = l }
}

// WithClock sets the time source used for Date headers and the sent log.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// Sender composes and sends mail through one Provider.
type Sender struct {
	cfg      Config
	provider provider.Provider
	sentLog  *SentLog
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Sender.
func New(cfg Config, p provider.Provider, opts ...Option) *Sender {
	if cfg.HeadersEncodeTo == "" {
		cfg.HeadersEncodeTo = decode.DefaultEncoding
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
		if cfg.Hostname == "" {
			cfg.Hostname = "localhost"
		}
	}
	if cfg.TraceSize == 0 {
		cfg.TraceSize = 256
	}
	s := &Sender{
		cfg:      cfg,
		provider: p,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.SentMailFile != "" {
		s.sentLog = &SentLog{Path: cfg.SentMailFile, Format: cfg.SentMailFormat, Separator: cfg.Separator}
	}
	s.log = s.log.With().Str("component", "sender").Str("provider", p.Name()).Logger()
	return s
}

// SentLog returns the configured sent log, or nil.
func (s *Sender) SentLog() *SentLog {
	return s.sentLog
}

// Compose builds the message text for m without sending it.
func (s *Sender) Compose(m Mail) ([]byte, []string, error) {
	c, err := s.compose(m)
	if err != nil {
		return nil, nil, err
	}
	return c.raw, c.recipients, nil
}

// Send composes m and transmits it. When only some recipients are refused
// the Result is returned together with a *mailerr.PartialSendFailure.
func (s *Sender) Send(ctx context.Context, m Mail) (*Result, error) {
	c, err := s.compose(m)
	if err != nil {
		return nil, err
	}
	if len(c.recipients) == 0 {
		return nil, &mailerr.SendError{Provider: s.provider.Name(), Err: errors.New("no recipients")}
	}

	if s.log.GetLevel() <= zerolog.DebugLevel {
		trace := c.raw
		if len(trace) > s.cfg.TraceSize {
			trace = trace[:s.cfg.TraceSize]
		}
		s.log.Debug().Strs("recipients", c.recipients).Str("head", string(trace)).Msg("sending message")
	}

	env := provider.Envelope{From: c.from, Recipients: c.recipients}
	rejected, err := s.provider.Send(ctx, env, c.raw)
	if err != nil {
		return nil, &mailerr.SendError{Provider: s.provider.Name(), Err: err}
	}

	res := &Result{
		Recipients: c.recipients,
		Rejected:   rejected,
		MessageID:  c.messageID,
		Raw:        c.raw,
	}
	if len(rejected) == len(c.recipients) {
		return res, &mailerr.SendError{
			Provider: s.provider.Name(),
			Err:      &mailerr.PartialSendFailure{Rejected: rejected},
		}
	}

	s.saveSent(c, m.Separator)

	s.log.Info().
		Str("message_id", c.messageID).
		Int("recipients", len(c.recipients)-len(rejected)).
		Msg("message sent")

	if len(rejected) > 0 {
		return res, &mailerr.PartialSendFailure{Rejected: rejected}
	}
	return res, nil
}

func (s *Sender) saveSent(c *composed, sep string) {
	if s.sentLog == nil {
		return
	}
	if err := s.sentLog.Append(c.raw, sep, c.from, s.now()); err != nil {
		s.log.Warn().Err(err).Str("path", s.sentLog.Path).Msg("could not save sent message")
	}
}
