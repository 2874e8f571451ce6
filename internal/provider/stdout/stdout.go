// Package stdout implements a Provider that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailbridge/internal/transport"
)

const separator = "========================================\n"

// Provider prints transport messages in a human-readable format.
type Provider struct {
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message. Every body part is printed in order, headers
// with no value are shown with a trailing colon.
func (p *Provider) Send(_ context.Context, msg *transport.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(transport.Strings(msg.To), ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(transport.Strings(msg.Cc), ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(transport.Strings(msg.Bcc), ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	for _, h := range msg.Headers {
		if h.Value == nil {
			fmt.Fprintf(&b, "%s:\n", h.Name)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", h.Name, *h.Value)
	}

	for _, part := range msg.Parts {
		fmt.Fprintf(&b, "Body (%s):\n%s\n", part.ContentType, part.Content)
	}

	if len(msg.Attachments) > 0 {
		names := lo.Map(msg.Attachments, func(att transport.Attachment, _ int) string {
			return fmt.Sprintf("%s (%s, %s)", att.Filename, att.ContentType, formatSize(len(att.Content)))
		})
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}

	b.WriteString(separator)

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
