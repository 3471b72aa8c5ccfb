// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mailkit.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	defaultProvider       = "smtp"
	defaultFetchLimit     = 50
	defaultEncoding       = "utf-8"
	defaultSentMailFile   = "sentmail.txt"
	defaultSentMailFormat = "separator"
	defaultKeyringService = "mailkit"
	defaultTimeout        = 30 * time.Second
	defaultSecurity       = "tls"
)

// Config holds the complete application configuration.
type Config struct {
	POP      POPConfig     `yaml:"pop"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Mail     MailConfig    `yaml:"mail"`
	TLS      TLSConfig     `yaml:"tls"`
	Keyring  KeyringConfig `yaml:"keyring"`
	Logging  LoggingConfig `yaml:"logging"`

	// Timeout bounds network operations.
	Timeout time.Duration `yaml:"timeout"`
}

// POPConfig holds the mailbox server settings.
type POPConfig struct {
	Server       string `yaml:"server"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	PasswordFile string `yaml:"password_file"`
	Security     string `yaml:"security"`
	HasTop       bool   `yaml:"has_top"`
	FetchLimit   int    `yaml:"fetch_limit"`
}

// SMTPConfig holds the outgoing server settings.
type SMTPConfig struct {
	Server       string `yaml:"server"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	PasswordFile string `yaml:"password_file"`
	Security     string `yaml:"security"`
	LocalName    string `yaml:"local_name"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// MailConfig holds composition and decoding settings.
type MailConfig struct {
	MyAddress       string `yaml:"my_address"`
	Signature       string `yaml:"signature"`
	FetchEncoding   string `yaml:"fetch_encoding"`
	HeadersEncodeTo string `yaml:"headers_encode_to"`
	SentMailFile    string `yaml:"sent_mail_file"`
	SentMailFormat  string `yaml:"sent_mail_format"`
	Separator       string `yaml:"separator"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// KeyringConfig controls the OS keyring password store.
type KeyringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	FileDir string `yaml:"file_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// POPAddr returns the mailbox server as host:port. A zero port selects
// 995 for implicit TLS and 110 otherwise.
func (c *Config) POPAddr() string {
	port := c.POP.Port
	if port == 0 {
		port = 110
		if c.POP.Security == "tls" {
			port = 995
		}
	}
	return net.JoinHostPort(c.POP.Server, strconv.Itoa(port))
}

// SMTPAddr returns the outgoing server as host:port. A zero port selects
// 465 for implicit TLS, 587 for STARTTLS and 25 otherwise.
func (c *Config) SMTPAddr() string {
	port := c.SMTP.Port
	if port == 0 {
		switch c.SMTP.Security {
		case "tls":
			port = 465
		case "starttls":
			port = 587
		default:
			port = 25
		}
	}
	return net.JoinHostPort(c.SMTP.Server, strconv.Itoa(port))
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "smtp", "ses", "stdout":
	default:
		errs = append(errs, fmt.Errorf("provider: unknown value %q", c.Provider))
	}
	for name, mode := range map[string]string{"pop.security": c.POP.Security, "smtp.security": c.SMTP.Security} {
		switch mode {
		case "", "none", "tls", "starttls":
		default:
			errs = append(errs, fmt.Errorf("%s: unknown value %q", name, mode))
		}
	}
	switch c.Mail.SentMailFormat {
	case "separator", "mbox":
	default:
		errs = append(errs, fmt.Errorf("mail.sent_mail_format: unknown value %q", c.Mail.SentMailFormat))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown value %q", c.Logging.Level))
	}
	if c.POP.FetchLimit < 0 {
		errs = append(errs, errors.New("pop.fetch_limit: must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateFetch checks the settings needed to read a mailbox.
func (c *Config) ValidateFetch() error {
	var errs []error
	if c.POP.Server == "" {
		errs = append(errs, errors.New("pop.server is required"))
	}
	if c.POP.User == "" {
		errs = append(errs, errors.New("pop.user is required"))
	}
	return errors.Join(errs...)
}

// ValidateSend checks the settings needed to send mail.
func (c *Config) ValidateSend() error {
	var errs []error
	if c.Mail.MyAddress == "" {
		errs = append(errs, errors.New("mail.my_address is required"))
	}
	switch c.Provider {
	case "smtp":
		if c.SMTP.Server == "" {
			errs = append(errs, errors.New("smtp.server is required"))
		}
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region is required"))
		}
	}
	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = defaultProvider
	c.POP.Security = defaultSecurity
	c.POP.HasTop = true
	c.SMTP.Security = defaultSecurity
	c.POP.FetchLimit = defaultFetchLimit
	c.Mail.FetchEncoding = defaultEncoding
	c.Mail.HeadersEncodeTo = defaultEncoding
	c.Mail.SentMailFile = defaultSentMailFile
	c.Mail.SentMailFormat = defaultSentMailFormat
	c.Keyring.Service = defaultKeyringService
	c.Logging.Level = "info"
	c.Timeout = defaultTimeout
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Provider, "MAILKIT_PROVIDER")

	setString(&c.POP.Server, "MAILKIT_POP_SERVER")
	setInt(&c.POP.Port, "MAILKIT_POP_PORT")
	setString(&c.POP.User, "MAILKIT_POP_USER")
	setString(&c.POP.PasswordFile, "MAILKIT_POP_PASSWORD_FILE")
	setString(&c.POP.Security, "MAILKIT_POP_SECURITY")
	setBool(&c.POP.HasTop, "MAILKIT_POP_HAS_TOP")
	setInt(&c.POP.FetchLimit, "MAILKIT_FETCH_LIMIT")

	setString(&c.SMTP.Server, "MAILKIT_SMTP_SERVER")
	setInt(&c.SMTP.Port, "MAILKIT_SMTP_PORT")
	setString(&c.SMTP.User, "MAILKIT_SMTP_USER")
	setString(&c.SMTP.PasswordFile, "MAILKIT_SMTP_PASSWORD_FILE")
	setString(&c.SMTP.Security, "MAILKIT_SMTP_SECURITY")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	setString(&c.Mail.MyAddress, "MAILKIT_MY_ADDRESS")
	setString(&c.Mail.FetchEncoding, "MAILKIT_FETCH_ENCODING")
	setString(&c.Mail.HeadersEncodeTo, "MAILKIT_HEADERS_ENCODE_TO")
	setString(&c.Mail.SentMailFile, "MAILKIT_SENT_MAIL_FILE")
	setString(&c.Mail.SentMailFormat, "MAILKIT_SENT_MAIL_FORMAT")

	setString(&c.TLS.CAFile, "MAILKIT_TLS_CA_FILE")
	setBool(&c.TLS.InsecureSkipVerify, "MAILKIT_TLS_INSECURE")

	setBool(&c.Keyring.Enabled, "MAILKIT_KEYRING")
	setString(&c.Keyring.Service, "MAILKIT_KEYRING_SERVICE")

	if v := os.Getenv("MAILKIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeout = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setInt keeps the current value when the variable is not a number.
func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
