// Package smtp implements a Provider that relays emails through an SMTP
// server.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/wneessen/go-mail"

	"github.com/shineum/mailbridge/internal/transport"
)

// maxRetries is the maximum number of retry attempts for temporary failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

const (
	defaultPort    = 587
	defaultSSLPort = 465
)

// TLS modes accepted by SMTPProviderConfig.TLS.
const (
	TLSMandatory     = "mandatory"
	TLSOpportunistic = "opportunistic"
	TLSImplicit      = "implicit"
	TLSNone          = "none"
)

// SMTPProviderConfig holds the configuration for creating a SMTPProvider.
type SMTPProviderConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS is one of the TLS* modes; empty means mandatory STARTTLS.
	TLS string
}

// Sender delivers rendered messages. *mail.Client satisfies it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPProvider relays messages to an SMTP server.
type SMTPProvider struct {
	host      string
	client    Sender
	retryBase time.Duration
}

// New creates a new SMTPProvider with the given configuration.
func New(cfg SMTPProviderConfig) (*SMTPProvider, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	return NewWithClient(cfg.Host, client), nil
}

// NewWithClient creates a SMTPProvider with a custom client.
func NewWithClient(host string, client Sender) *SMTPProvider {
	return &SMTPProvider{
		host:      host,
		client:    client,
		retryBase: baseRetryDelay,
	}
}

func clientOptions(cfg SMTPProviderConfig) ([]mail.Option, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
		if cfg.TLS == TLSImplicit {
			port = defaultSSLPort
		}
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(30 * time.Second),
	}

	switch cfg.TLS {
	case "", TLSMandatory:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case TLSOpportunistic:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	case TLSImplicit:
		opts = append(opts, mail.WithSSL())
	case TLSNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, fmt.Errorf("unknown SMTP TLS mode %q", cfg.TLS)
	}

	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	return opts, nil
}

// Send renders the message and relays it. Temporary SMTP failures (4xx)
// and connection errors are retried; permanent rejections are not.
func (s *SMTPProvider) Send(ctx context.Context, msg *transport.Message) error {
	out := *msg
	out.Stamp(time.Now())

	m, err := transport.Build(&out)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(s.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			slog.Debug("retrying SMTP delivery",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}
		attempt++

		err := s.client.DialAndSendWithContext(ctx, m)
		if err == nil {
			return nil
		}
		if !temporary(err) {
			return err
		}
		slog.Warn("SMTP delivery error",
			"host", s.host,
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
	case !temporary(err):
		return fmt.Errorf("SMTP delivery rejected: %w", err)
	default:
		return fmt.Errorf("SMTP delivery failed after %d retries: %w", attempt-1, err)
	}
}

// Name returns the provider name.
func (s *SMTPProvider) Name() string {
	return "smtp"
}

// temporary reports whether err is worth retrying. Errors that did not come
// from the SMTP conversation (dial failures, timeouts) count as temporary.
func temporary(err error) bool {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.IsTemp()
	}
	return true
}
