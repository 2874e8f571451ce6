// Package transport defines the message handed to delivery providers and
// renders it to RFC 5322 with go-mail.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// Body part content types.
const (
	TypeTextHTML  = "text/html"
	TypeTextPlain = "text/plain"
)

// idDomain is the right-hand side of generated Message-IDs.
const idDomain = "mailbridge"

// Message is a mail ready for a provider. Order and multiplicity of every
// slice are significant.
//
// ID, Boundary and Date belong to the transport: mapping never sets them, and
// Stamp or the renderer fills them in at send time.
type Message struct {
	Subject     string
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Parts       []Part
	Headers     []Header
	Attachments []Attachment

	ID       string
	Boundary string
	Date     time.Time
}

// Part is a body part.
type Part struct {
	ContentType string
	Content     string
}

// Header is an extra header line. Duplicate names are kept as separate
// entries. A nil Value is a header without a value.
type Header struct {
	Name  string
	Value *string
}

// Attachment is a file part, carried byte for byte.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// AddPart appends a body part.
func (m *Message) AddPart(contentType, content string) {
	m.Parts = append(m.Parts, Part{ContentType: contentType, Content: content})
}

// AddHeader appends a header entry without merging it with earlier ones.
func (m *Message) AddHeader(name string, value *string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Attach appends an attachment part.
func (m *Message) Attach(filename, contentType string, content []byte) {
	m.Attachments = append(m.Attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	})
}

// Part returns the first body part with the given content type.
func (m *Message) Part(contentType string) (Part, bool) {
	for _, p := range m.Parts {
		if p.ContentType == contentType {
			return p, true
		}
	}
	return Part{}, false
}

// Stamp fills in the message ID and date if they are still empty.
func (m *Message) Stamp(now time.Time) {
	if m.ID == "" {
		m.ID = "<" + uuid.NewString() + "@" + idDomain + ">"
	}
	if m.Date.IsZero() {
		m.Date = now
	}
}

// Recipients returns every envelope recipient: To, then Cc, then Bcc.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			out = append(out, a.Address())
		}
	}
	return out
}
