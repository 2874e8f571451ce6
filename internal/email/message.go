// Package email defines the application-level email model. It knows nothing
// about MIME, SMTP or any delivery service; internal/mapper translates it into
// a transport message.
package email

// Email is an email to send. Build one with New and the Add/Set methods; the
// accessors hand out copies, so a built Email cannot be changed through them.
type Email struct {
	subject     string
	from        Address
	to          []Address
	cc          []Address
	bcc         []Address
	bodyHTML    *string
	bodyText    *string
	headers     []Header
	attachments []Attachment
}

// Address is a mailbox with an optional display name.
type Address struct {
	Address string
	Name    string
}

// Header is an extra message header. A nil Value means the header carries no
// value, which is distinct from an empty one.
type Header struct {
	Name  string
	Value *string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// New creates an Email with the two fields every email must have.
func New(subject string, from Address) *Email {
	return &Email{subject: subject, from: from}
}

// NewAddress is shorthand for an Address with an optional display name.
func NewAddress(address string, name ...string) Address {
	a := Address{Address: address}
	if len(name) > 0 {
		a.Name = name[0]
	}
	return a
}

// AddTo appends a primary recipient.
func (e *Email) AddTo(a Address) *Email {
	e.to = append(e.to, a)
	return e
}

// AddCc appends a carbon copy recipient.
func (e *Email) AddCc(a Address) *Email {
	e.cc = append(e.cc, a)
	return e
}

// AddBcc appends a blind carbon copy recipient.
func (e *Email) AddBcc(a Address) *Email {
	e.bcc = append(e.bcc, a)
	return e
}

// SetBodyHTML sets the HTML body. An empty string still counts as set.
func (e *Email) SetBodyHTML(body string) *Email {
	e.bodyHTML = &body
	return e
}

// SetBodyText sets the plain text body. An empty string still counts as set.
func (e *Email) SetBodyText(body string) *Email {
	e.bodyText = &body
	return e
}

// AddHeader appends a header. Called with only a name it adds a header
// without a value; extra values after the first are ignored.
func (e *Email) AddHeader(name string, value ...string) *Email {
	h := Header{Name: name}
	if len(value) > 0 {
		v := value[0]
		h.Value = &v
	}
	e.headers = append(e.headers, h)
	return e
}

// AddAttachment appends an attachment.
func (e *Email) AddAttachment(a Attachment) *Email {
	e.attachments = append(e.attachments, a)
	return e
}

func (e *Email) Subject() string { return e.subject }

func (e *Email) From() Address { return e.from }

func (e *Email) To() []Address { return clone(e.to) }

func (e *Email) Cc() []Address { return clone(e.cc) }

func (e *Email) Bcc() []Address { return clone(e.bcc) }

// BodyHTML returns the HTML body and whether it was set.
func (e *Email) BodyHTML() (string, bool) {
	if e.bodyHTML == nil {
		return "", false
	}
	return *e.bodyHTML, true
}

// BodyText returns the plain text body and whether it was set.
func (e *Email) BodyText() (string, bool) {
	if e.bodyText == nil {
		return "", false
	}
	return *e.bodyText, true
}

func (e *Email) Headers() []Header {
	out := make([]Header, len(e.headers))
	for i, h := range e.headers {
		out[i] = Header{Name: h.Name}
		if h.Value != nil {
			v := *h.Value
			out[i].Value = &v
		}
	}
	return out
}

func (e *Email) Attachments() []Attachment {
	out := make([]Attachment, len(e.attachments))
	for i, a := range e.attachments {
		out[i] = a
		out[i].Content = append([]byte(nil), a.Content...)
	}
	return out
}

func clone(in []Address) []Address {
	return append([]Address(nil), in...)
}
