package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/mailbridge/internal/transport"
)

func addr(a, name string) transport.Address {
	return transport.MustAddress(a, name)
}

func TestSend_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &transport.Message{
		From:    addr("sender@example.com", "Sender"),
		To:      []transport.Address{addr("alice@example.com", ""), addr("bob@example.com", "Bob")},
		Subject: "Monthly Report",
	}
	msg.AddPart(transport.TypeTextPlain, "Please find the report attached.")

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	checks := []string{
		`From: "Sender" <sender@example.com>`,
		`To: <alice@example.com>, "Bob" <bob@example.com>`,
		"Subject: Monthly Report",
		"Body (text/plain):\nPlease find the report attached.",
	}
	for _, want := range checks {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	for _, unwanted := range []string{"Cc:", "Bcc:", "Attachments:"} {
		if strings.Contains(output, unwanted) {
			t.Errorf("output should not contain %q", unwanted)
		}
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_PartsAndHeadersInOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	v := "some cool value"
	msg := &transport.Message{
		From:    addr("sender@example.com", ""),
		Cc:      []transport.Address{addr("carol@example.com", "")},
		Bcc:     []transport.Address{addr("dave@example.com", "")},
		Subject: "Ordered",
		Headers: []transport.Header{{Name: "header-1"}, {Name: "header-2", Value: &v}},
	}
	msg.AddPart(transport.TypeTextHTML, "<p>html</p>")
	msg.AddPart(transport.TypeTextPlain, "text")

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Cc: <carol@example.com>") {
		t.Error("output missing Cc line")
	}
	if !strings.Contains(output, "Bcc: <dave@example.com>") {
		t.Error("output missing Bcc line")
	}
	if !strings.Contains(output, "header-1:\nheader-2: some cool value\n") {
		t.Error("headers not printed in order")
	}
	html := strings.Index(output, "Body (text/html)")
	text := strings.Index(output, "Body (text/plain)")
	if html < 0 || text < 0 || html > text {
		t.Errorf("parts out of order: html at %d, text at %d", html, text)
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &transport.Message{
		From:    addr("sender@example.com", ""),
		To:      []transport.Address{addr("alice@example.com", "")},
		Subject: "Monthly Report",
	}
	msg.Attach("report.pdf", "application/pdf", make([]byte, 1258291))
	msg.Attach("summary.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", make([]byte, 46080))

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Attachments: report.pdf (application/pdf, 1.2 MB), summary.xlsx") {
		t.Errorf("unexpected attachments line in %q", output)
	}
	if !strings.Contains(output, "45.0 KB") {
		t.Error("output should contain KB size for medium attachment")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{})
	msg := &transport.Message{From: addr("sender@example.com", "")}

	if err := p.Send(context.Background(), msg); err == nil {
		t.Error("expected error from failing writer")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
