// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sethvargo/go-retry"

	"github.com/shineum/mailbridge/internal/transport"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

const charset = "UTF-8"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender, when set, replaces the message's From address.
	Sender string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender    string
	client    SendEmailAPI
	retryBase time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
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

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:    sender,
		client:    client,
		retryBase: baseRetryDelay,
	}
}

// Send delivers a message via AWS SES v2. Messages with attachments or
// extra headers go out as raw MIME; the rest use the SES simple format.
func (s *SESProvider) Send(ctx context.Context, msg *transport.Message) error {
	from, err := s.from(msg)
	if err != nil {
		return err
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		input, err = buildRawInput(from, msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
	} else {
		input = buildSimpleInput(from, msg)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(s.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}
		attempt++

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		slog.Warn("SES API error",
			"attempt", attempt-1,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("context cancelled during retry wait: %w", err)
	default:
		return fmt.Errorf("SES API request failed after %d retries: %w", attempt-1, err)
	}
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// from returns the envelope sender: the configured sender, keeping the
// message's display name, or the message's own From.
func (s *SESProvider) from(msg *transport.Message) (transport.Address, error) {
	if s.sender == "" {
		return msg.From, nil
	}
	return transport.NewAddress(s.sender, msg.From.Name())
}

func destination(msg *transport.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  transport.Strings(msg.To),
		CcAddresses:  transport.Strings(msg.Cc),
		BccAddresses: transport.Strings(msg.Bcc),
	}
}

func content(s string) *types.Content {
	return &types.Content{
		Data:    aws.String(s),
		Charset: aws.String(charset),
	}
}

// buildSimpleInput creates a SES SendEmailInput for messages without
// attachments or extra headers.
func buildSimpleInput(from transport.Address, msg *transport.Message) *sesv2.SendEmailInput {
	body := &types.Body{}
	if p, ok := msg.Part(transport.TypeTextHTML); ok {
		body.Html = content(p.Content)
	}
	if p, ok := msg.Part(transport.TypeTextPlain); ok {
		body.Text = content(p.Content)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: content(msg.Subject),
				Body:    body,
			},
		},
	}
}

// buildRawInput renders the message to MIME. The destination lists every
// recipient since Bcc is not written into the raw headers.
func buildRawInput(from transport.Address, msg *transport.Message) (*sesv2.SendEmailInput, error) {
	out := *msg
	out.From = from
	out.Stamp(time.Now())

	raw, err := transport.Render(&out)
	if err != nil {
		return nil, err
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}, nil
}
