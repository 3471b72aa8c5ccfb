// Package main is the entry point for the mailkit console client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/internal/credential"
	"github.com/shineum/mailkit/internal/fetcher"
	"github.com/shineum/mailkit/internal/provider"
	"github.com/shineum/mailkit/internal/provider/ses"
	"github.com/shineum/mailkit/internal/provider/smtp"
	"github.com/shineum/mailkit/internal/provider/stdout"
	"github.com/shineum/mailkit/internal/sender"
	mktls "github.com/shineum/mailkit/internal/tls"
)

// app carries what every subcommand needs.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	global := flag.NewFlagSet("mailkit", flag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "", "path to YAML configuration file (optional)")
	global.Usage = usage
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailkit: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, log: setupLogger(cfg.Logging.Level)}
	if err := cfg.Validate(); err != nil {
		a.log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		a.log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: mailkit [--config FILE] <command> [options]

Commands:
  index     list message headers (--save FILE keeps a snapshot)
  show      print one message: mailkit show N
  parts     save the parts of a message: mailkit parts N --dir DIR [--part NAME]
  delete    delete messages: mailkit delete N... [--index FILE] [--unsafe]
  check     verify a saved index still matches the mailbox: mailkit check --index FILE
  send      compose and send a message
  sent      list the sent mail log
  password  store a password in the keyring: mailkit password pop|smtp`)
}

func (a *app) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "index":
		return a.cmdIndex(ctx, args)
	case "show":
		return a.cmdShow(ctx, args)
	case "parts":
		return a.cmdParts(ctx, args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "check":
		return a.cmdCheck(ctx, args)
	case "send":
		return a.cmdSend(ctx, args)
	case "sent":
		return a.cmdSent(args)
	case "password":
		return a.cmdPassword(ctx, args)
	case "help":
		usage()
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", name)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger returns a console logger on stderr at the given level.
func setupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

// secrets builds the password lookup chain: password file, then the
// keyring when enabled, then an interactive prompt.
func (a *app) secrets(passwordFile string) credential.Resolver {
	chain := []credential.Resolver{credential.File(passwordFile)}
	if a.cfg.Keyring.Enabled {
		ring, err := credential.OpenKeyring(a.cfg.Keyring.Service, a.cfg.Keyring.FileDir)
		if err != nil {
			a.log.Warn().Err(err).Msg("keyring unavailable")
		} else {
			chain = append(chain, credential.Keyring(ring))
		}
	}
	chain = append(chain, credential.Prompt(os.Stdin, os.Stderr))
	return credential.Chain(chain...)
}

func (a *app) newFetcher(fetchLimit int) (*fetcher.Fetcher, error) {
	if err := a.cfg.ValidateFetch(); err != nil {
		return nil, err
	}
	fc := fetcher.Config{
		Server:        a.cfg.POPAddr(),
		User:          a.cfg.POP.User,
		HasTop:        a.cfg.POP.HasTop,
		FetchLimit:    fetchLimit,
		FetchEncoding: a.cfg.Mail.FetchEncoding,
		Timeout:       a.cfg.Timeout,
	}
	if mode := a.cfg.POP.Security; mode == mktls.ModeTLS || mode == mktls.ModeStartTLS {
		tc, err := mktls.ClientConfig(mktls.ClientOptions{
			ServerName:         a.cfg.POP.Server,
			CAFile:             a.cfg.TLS.CAFile,
			InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		fc.TLS = tc
		fc.StartTLS = mode == mktls.ModeStartTLS
	}
	return fetcher.New(fc,
		fetcher.WithSecret(a.secrets(a.cfg.POP.PasswordFile)),
		fetcher.WithLogger(a.log),
	), nil
}

// selectProvider chooses the delivery backend from the configuration.
func (a *app) selectProvider(ctx context.Context) (provider.Provider, error) {
	switch a.cfg.Provider {
	case "ses":
		a.log.Info().Str("region", a.cfg.SES.Region).Msg("using AWS SES provider")
		p, err := ses.New(ctx, ses.Config{
			Region:           a.cfg.SES.Region,
			AccessKeyID:      a.cfg.SES.AccessKeyID,
			SecretAccessKey:  a.cfg.SES.SecretAccessKey,
			ConfigurationSet: a.cfg.SES.ConfigurationSet,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "stdout":
		a.log.Info().Msg("using stdout provider (dry run)")
		return stdout.New(), nil
	}

	sc := smtp.Config{
		Server:    a.cfg.SMTPAddr(),
		User:      a.cfg.SMTP.User,
		Security:  a.cfg.SMTP.Security,
		LocalName: a.cfg.SMTP.LocalName,
		Timeout:   a.cfg.Timeout,
	}
	if sc.Security == mktls.ModeTLS || sc.Security == mktls.ModeStartTLS {
		tc, err := mktls.ClientConfig(mktls.ClientOptions{
			ServerName:         a.cfg.SMTP.Server,
			CAFile:             a.cfg.TLS.CAFile,
			InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		sc.TLS = tc
	}
	a.log.Debug().Str("server", sc.Server).Msg("using SMTP provider")
	return smtp.New(sc,
		smtp.WithSecret(a.secrets(a.cfg.SMTP.PasswordFile)),
		smtp.WithLogger(a.log),
	), nil
}

func (a *app) newSender(ctx context.Context) (*sender.Sender, error) {
	if err := a.cfg.ValidateSend(); err != nil {
		return nil, err
	}
	p, err := a.selectProvider(ctx)
	if err != nil {
		return nil, err
	}
	return sender.New(a.sentConfig(), p, sender.WithLogger(a.log)), nil
}

func (a *app) sentConfig() sender.Config {
	return sender.Config{
		HeadersEncodeTo: a.cfg.Mail.HeadersEncodeTo,
		SentMailFile:    a.cfg.Mail.SentMailFile,
		SentMailFormat:  a.cfg.Mail.SentMailFormat,
		Separator:       a.cfg.Mail.Separator,
	}
}
