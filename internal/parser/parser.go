// Package parser reads RFC 5322 messages (.eml files) into domain emails,
// walking MIME multipart bodies and collecting attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"

	"github.com/shineum/mailbridge/internal/email"
)

// ErrMissingFrom is returned for messages without a usable From header.
var ErrMissingFrom = errors.New("message has no From address")

// structural headers are carried by dedicated Email fields or regenerated on
// send, so they are not copied as extra headers.
var structural = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
}

var wordDecoder = &mime.WordDecoder{}

// body accumulates the content found while walking the MIME tree.
type body struct {
	html, text       string
	hasHTML, hasText bool
	attachments      []email.Attachment
}

// Parse parses a raw message into an Email. Display names are kept, and
// every non-structural header becomes an Email header, sorted by name with
// one entry per value.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	from, err := msg.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, ErrMissingFrom
	}

	subject := msg.Header.Get("Subject")
	if decoded, err := wordDecoder.DecodeHeader(subject); err == nil {
		subject = decoded
	}

	result := email.New(subject, toAddress(from[0]))
	for _, a := range parseAddressList(msg.Header, "To") {
		result.AddTo(a)
	}
	for _, a := range parseAddressList(msg.Header, "Cc") {
		result.AddCc(a)
	}
	for _, a := range parseAddressList(msg.Header, "Bcc") {
		result.AddBcc(a)
	}

	names := make([]string, 0, len(msg.Header))
	for name := range msg.Header {
		if !structural[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range msg.Header[name] {
			result.AddHeader(name, v)
		}
	}

	var b body
	if err := parseEntity(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, &b); err != nil {
		return nil, err
	}

	if b.hasHTML {
		result.SetBodyHTML(b.html)
	}
	if b.hasText {
		result.SetBodyText(b.text)
	}
	for _, a := range b.attachments {
		result.AddAttachment(a)
	}

	return result, nil
}

// parseEntity handles the top-level body of the message.
func parseEntity(contentType, encoding string, r io.Reader, b *body) error {
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		content, readErr := decode(r, encoding)
		if readErr != nil {
			return fmt.Errorf("failed to read message body: %w", readErr)
		}
		b.text, b.hasText = string(content), true
		return nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(r, boundary, b); err != nil {
			return fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return nil
	}

	content, err := decode(r, encoding)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		b.html, b.hasHTML = string(content), true
	case "text/plain":
		b.text, b.hasText = string(content), true
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		b.text, b.hasText = string(content), true
	}
	return nil
}

// parseMultipart walks a multipart body, descending into nested multiparts.
// The first text/plain and text/html inline parts win.
func parseMultipart(r io.Reader, boundary string, b *body) error {
	reader := multipart.NewReader(r, boundary)

	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, b); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decode(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(disposition), "attachment") {
			b.attachments = append(b.attachments, email.Attachment{
				Filename:    filename(part, mediaType, params),
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if !b.hasText {
				b.text, b.hasText = string(content), true
			}
		case "text/html":
			if !b.hasHTML {
				b.html, b.hasHTML = string(content), true
			}
		default:
			if name := namedFile(part, params); name != "" {
				b.attachments = append(b.attachments, email.Attachment{
					Filename:    name,
					ContentType: mediaType,
					Content:     content,
				})
				continue
			}
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

// decode reads r and undoes its Content-Transfer-Encoding.
func decode(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// filename names an attachment part, falling back to attachment.<subtype>.
func filename(part *multipart.Part, mediaType string, params map[string]string) string {
	if name := namedFile(part, params); name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok {
		return "attachment." + sub
	}
	return "attachment"
}

// namedFile returns the filename from Content-Disposition or the Content-Type
// name parameter.
func namedFile(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
			return decoded
		}
		return name
	}
	return ""
}

// parseAddressList returns the addresses of a header. Unparseable lists fall
// back to a comma split with no display names.
func parseAddressList(h mail.Header, key string) []email.Address {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		var result []email.Address
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.NewAddress(trimmed))
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, a := range addresses {
		result = append(result, toAddress(a))
	}
	return result
}

func toAddress(a *mail.Address) email.Address {
	return email.NewAddress(a.Address, a.Name)
}
