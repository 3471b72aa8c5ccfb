// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/provider"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// ConfigurationSet is an optional SES configuration set name.
	ConfigurationSet string
}

// Provider sends already composed messages through the SES v2 raw
// message API.
type Provider struct {
	client SendEmailAPI
	cfg    Config
	log    zerolog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider from cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, cfg Config, logger zerolog.Logger) *Provider {
	return &Provider{
		client: client,
		cfg:    cfg,
		log:    logger.With().Str("provider", "ses").Logger(),
	}
}

// Send delivers raw to the envelope recipients. SES refuses a message as
// a whole, so a MessageRejected reply marks every recipient rejected.
func (p *Provider) Send(ctx context.Context, env provider.Envelope, raw []byte) (map[string]error, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if p.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.cfg.ConfigurationSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			p.log.Warn().Err(err).Msg("message rejected")
			all := make(map[string]error, len(env.Recipients))
			for _, r := range env.Recipients {
				all[r] = err
			}
			return all, nil
		}
		return nil, fmt.Errorf("SES SendEmail failed: %w", err)
	}

	p.log.Debug().
		Str("message_id", aws.ToString(out.MessageId)).
		Int("recipients", len(env.Recipients)).
		Msg("message accepted")
	return nil, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}
