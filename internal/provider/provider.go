// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/mailbridge/internal/transport"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a transport message to the target service (e.g.,
// stdout, AWS SES, Microsoft Graph, an SMTP relay).
type Provider interface {
	// Send delivers a message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *transport.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
