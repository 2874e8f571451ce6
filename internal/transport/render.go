package transport

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/wneessen/go-mail"
)

// reservedHeaders are written by Build itself and cannot be set through
// Message.Headers. Any Content-* name is reserved as well.
var reservedHeaders = map[string]bool{
	"From":         true,
	"To":           true,
	"Cc":           true,
	"Bcc":          true,
	"Subject":      true,
	"Date":         true,
	"Message-Id":   true,
	"Mime-Version": true,
}

// Build converts the message into a go-mail Msg.
//
// Plain text parts go first so the HTML part ends up as the preferred
// alternative. Headers sharing a name are folded into one header field, in
// the order they appear. Headers Build owns are skipped.
//
// go-mail applies a fixed boundary to every multipart level, so Boundary is
// only honoured when the message has exactly one.
func Build(m *Message) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())

	if err := msg.From(m.From.String()); err != nil {
		return nil, fmt.Errorf("failed to set From: %w", err)
	}
	for _, a := range m.To {
		if err := msg.AddTo(a.String()); err != nil {
			return nil, fmt.Errorf("failed to add To %q: %w", a.Address(), err)
		}
	}
	for _, a := range m.Cc {
		if err := msg.AddCc(a.String()); err != nil {
			return nil, fmt.Errorf("failed to add Cc %q: %w", a.Address(), err)
		}
	}
	for _, a := range m.Bcc {
		if err := msg.AddBcc(a.String()); err != nil {
			return nil, fmt.Errorf("failed to add Bcc %q: %w", a.Address(), err)
		}
	}
	msg.Subject(m.Subject)

	if m.ID != "" {
		msg.SetMessageIDWithValue(strings.Trim(m.ID, "<>"))
	}
	if !m.Date.IsZero() {
		msg.SetDateWithValue(m.Date)
	}
	if m.Boundary != "" && multipartLevels(m) == 1 {
		msg.SetBoundary(m.Boundary)
	}

	for i, p := range bodyOrder(m.Parts) {
		if i == 0 {
			msg.SetBodyString(mail.ContentType(p.ContentType), p.Content)
			continue
		}
		msg.AddAlternativeString(mail.ContentType(p.ContentType), p.Content)
	}

	var names []string
	values := make(map[string][]string)
	for _, h := range m.Headers {
		if IsReservedHeader(h.Name) {
			slog.Debug("skipping reserved header", "header", h.Name)
			continue
		}
		if _, ok := values[h.Name]; !ok {
			names = append(names, h.Name)
		}
		v := ""
		if h.Value != nil {
			v = *h.Value
		}
		values[h.Name] = append(values[h.Name], v)
	}
	for _, name := range names {
		msg.SetGenHeader(mail.Header(name), values[name]...)
	}

	for _, a := range m.Attachments {
		err := msg.AttachReader(a.Filename, bytes.NewReader(a.Content),
			mail.WithFileContentType(mail.ContentType(a.ContentType)))
		if err != nil {
			return nil, fmt.Errorf("failed to attach %q: %w", a.Filename, err)
		}
	}

	return msg, nil
}

// Render returns the message as RFC 5322 bytes.
func Render(m *Message) ([]byte, error) {
	msg, err := Build(m)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return buf.Bytes(), nil
}

// IsReservedHeader reports whether name is a header the renderer sets from
// the message fields.
func IsReservedHeader(name string) bool {
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
	return reservedHeaders[key] || strings.HasPrefix(key, "Content-")
}

// multipartLevels counts the multipart containers go-mail nests for m.
func multipartLevels(m *Message) int {
	n := 0
	if len(m.Parts) > 1 {
		n++
	}
	if (len(m.Parts) > 0 && len(m.Attachments) > 0) || len(m.Attachments) > 1 {
		n++
	}
	return n
}

func bodyOrder(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.ContentType == TypeTextPlain {
			out = append(out, p)
		}
	}
	for _, p := range parts {
		if p.ContentType != TypeTextPlain {
			out = append(out, p)
		}
	}
	return out
}
