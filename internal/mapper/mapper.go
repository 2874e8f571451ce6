// Package mapper translates a domain email into a transport message.
package mapper

import (
	"github.com/shineum/mailbridge/internal/email"
	"github.com/shineum/mailbridge/internal/transport"
)

// Map builds a transport message from e. Recipients, headers and attachments
// keep their order and duplicates; the HTML part, when set, precedes the
// text part. Transport-owned fields (ID, boundary, date) are left empty.
//
// The only failure is an address rejected by transport.NewAddress, whose
// *transport.ValidationError is returned as is.
func Map(e *email.Email) (*transport.Message, error) {
	from, err := address(e.From())
	if err != nil {
		return nil, err
	}

	msg := &transport.Message{
		Subject: e.Subject(),
		From:    from,
	}

	if msg.To, err = addresses(e.To()); err != nil {
		return nil, err
	}
	if msg.Cc, err = addresses(e.Cc()); err != nil {
		return nil, err
	}
	if msg.Bcc, err = addresses(e.Bcc()); err != nil {
		return nil, err
	}

	if html, ok := e.BodyHTML(); ok {
		msg.AddPart(transport.TypeTextHTML, html)
	}
	if text, ok := e.BodyText(); ok {
		msg.AddPart(transport.TypeTextPlain, text)
	}

	for _, h := range e.Headers() {
		msg.AddHeader(h.Name, h.Value)
	}

	for _, a := range e.Attachments() {
		msg.Attach(a.Filename, a.ContentType, a.Content)
	}

	return msg, nil
}

func address(a email.Address) (transport.Address, error) {
	return transport.NewAddress(a.Address, a.Name)
}

func addresses(list []email.Address) ([]transport.Address, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]transport.Address, 0, len(list))
	for _, a := range list {
		ta, err := address(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, nil
}
