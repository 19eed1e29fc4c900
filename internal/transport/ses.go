package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// SendEmailAPI is the SES v2 operation the transport uses
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the settings for the SES transport
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SES relays raw messages through the AWS SES v2 API
type SES struct {
	client SendEmailAPI
	log    *zap.Logger
}

// NewSES loads AWS configuration and creates an SES transport. Static
// credentials are used when both keys are set, the default chain otherwise.
func NewSES(ctx context.Context, cfg SESConfig, log *zap.Logger) (*SES, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), log), nil
}

// NewSESWithClient creates an SES transport around an existing client
func NewSESWithClient(client SendEmailAPI, log *zap.Logger) *SES {
	return &SES{client: client, log: log}
}

// Name returns the transport name
func (s *SES) Name() string {
	return "ses"
}

// Send submits raw unchanged with an explicit single-recipient destination.
// MessageRejected is permanent; other API errors are transient.
func (s *SES) Send(ctx context.Context, env Envelope, raw []byte) error {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}
	if env.From != "" {
		input.FromEmailAddress = aws.String(env.From)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return &Error{Permanent: true, Err: err}
		}
		return transient(fmt.Errorf("SES API request failed: %w", err))
	}

	s.log.Debug("Relayed message through SES",
		zap.String("to", env.To),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
