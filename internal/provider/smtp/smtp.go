// Package smtp implements a Provider that submits mail to an SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/credential"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/provider"
	mktls "github.com/shineum/mailkit/internal/tls"
)

// Config holds the server and account settings.
type Config struct {
	// Server is the SMTP server address as host:port.
	Server string

	// User enables AUTH PLAIN when set.
	User string

	// Security is one of none, tls (implicit) or starttls.
	Security string
	TLS      *tls.Config

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string

	// Timeout bounds dialing and the whole submission when positive.
	Timeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithSecret sets the password source for AUTH.
func WithSecret(r credential.Resolver) Option {
	return func(p *Provider) { p.secrets = credential.NewCache(r) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider submits messages over SMTP, one connection per message.
type Provider struct {
	cfg     Config
	secrets *credential.Cache
	log     zerolog.Logger
}

// New creates a Provider for cfg.
func New(cfg Config, opts ...Option) *Provider {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Security == "" {
		cfg.Security = mktls.ModeNone
	}
	p := &Provider{
		cfg:     cfg,
		secrets: credential.NewCache(credential.Static("")),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("provider", "smtp").Str("server", cfg.Server).Logger()
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

func (p *Provider) request() credential.Request {
	return credential.Request{Service: "smtp", Server: p.cfg.Server, User: p.cfg.User}
}

func (p *Provider) tlsConfig() *tls.Config {
	if p.cfg.TLS != nil {
		return p.cfg.TLS
	}
	host, _, err := net.SplitHostPort(p.cfg.Server)
	if err != nil {
		host = p.cfg.Server
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (p *Provider) connect(ctx context.Context) (*gosmtp.Client, error) {
	d := &net.Dialer{Timeout: p.cfg.Timeout}

	var conn net.Conn
	var err error
	if p.cfg.Security == mktls.ModeTLS {
		td := &tls.Dialer{NetDialer: d, Config: p.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Server)
	} else {
		conn, err = d.DialContext(ctx, "tcp", p.cfg.Server)
	}
	if err != nil {
		return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
	}
	if p.cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	}

	host, _, _ := net.SplitHostPort(p.cfg.Server)
	c, err := gosmtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
	}
	if err := c.Hello(p.cfg.LocalName); err != nil {
		c.Close()
		return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
	}

	if p.cfg.Security == mktls.ModeStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, &mailerr.CapabilityError{Op: "SMTP submission", Capability: "STARTTLS"}
		}
		if err := c.StartTLS(p.tlsConfig()); err != nil {
			c.Close()
			return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
		}
	}
	return c, nil
}

func (p *Provider) auth(ctx context.Context, c *gosmtp.Client) error {
	if p.cfg.User == "" {
		return nil
	}
	req := p.request()
	secret, err := p.secrets.Resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("resolving SMTP password: %w", err)
	}
	if err := c.Auth(sasl.NewPlainClient("", p.cfg.User, secret)); err != nil {
		var serr *gosmtp.SMTPError
		if errors.As(err, &serr) {
			p.secrets.Forget(req)
			return &mailerr.AuthenticationError{Server: p.cfg.Server, User: p.cfg.User, Err: err}
		}
		return &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
	}
	return nil
}

// Send submits raw to every envelope recipient. Recipients refused at
// RCPT are collected; the message is transmitted when at least one
// recipient was accepted.
func (p *Provider) Send(ctx context.Context, env provider.Envelope, raw []byte) (map[string]error, error) {
	c, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := p.auth(ctx, c); err != nil {
		return nil, err
	}

	if err := c.Mail(env.From, nil); err != nil {
		return nil, p.wrap("MAIL FROM", err)
	}

	rejected := map[string]error{}
	for _, r := range env.Recipients {
		if err := c.Rcpt(r); err != nil {
			var serr *gosmtp.SMTPError
			if !errors.As(err, &serr) {
				return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
			}
			p.log.Warn().Str("rcpt", r).Err(err).Msg("recipient refused")
			rejected[r] = err
		}
	}

	if len(rejected) == len(env.Recipients) {
		if err := c.Quit(); err != nil {
			p.log.Debug().Err(err).Msg("QUIT failed")
		}
		return rejected, nil
	}

	w, err := c.Data()
	if err != nil {
		return nil, p.wrap("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, p.wrap("end of DATA", err)
	}

	if err := c.Quit(); err != nil {
		p.log.Debug().Err(err).Msg("QUIT failed after delivery")
	}

	p.log.Debug().
		Int("accepted", len(env.Recipients)-len(rejected)).
		Int("rejected", len(rejected)).
		Msg("message submitted")
	return rejected, nil
}

// wrap labels server replies with the failing step and turns transport
// failures into ConnectionError.
func (p *Provider) wrap(step string, err error) error {
	var serr *gosmtp.SMTPError
	if errors.As(err, &serr) {
		return fmt.Errorf("%s refused: %w", step, err)
	}
	return &mailerr.ConnectionError{Server: p.cfg.Server, Err: err}
}
