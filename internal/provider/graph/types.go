// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailbridge/internal/transport"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	From                   *recipient        `json:"from,omitempty"`
	ToRecipients           []recipient       `json:"toRecipients"`
	CcRecipients           []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient       `json:"bccRecipients,omitempty"`
	InternetMessageHeaders []internetHeader  `json:"internetMessageHeaders,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// internetHeader is a custom header. Graph only accepts names starting
// with "x-".
type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a transport message into a sendMail request
// body. Graph takes a single body, so HTML wins over plain text. Headers
// Graph would reject are dropped with a debug log. The message's From is
// only carried over when it is the sending mailbox itself, which keeps its
// display name without requiring send-as rights.
func buildSendMailRequest(sender string, msg *transport.Message) *sendMailRequest {
	body := messageBody{ContentType: "text"}
	if p, ok := msg.Part(transport.TypeTextHTML); ok {
		body.ContentType = "html"
		body.Content = p.Content
	} else if p, ok := msg.Part(transport.TypeTextPlain); ok {
		body.Content = p.Content
	}

	var headers []internetHeader
	for _, h := range msg.Headers {
		if !strings.HasPrefix(strings.ToLower(h.Name), "x-") {
			slog.Debug("dropping header not accepted by Graph API", "header", h.Name)
			continue
		}
		value := ""
		if h.Value != nil {
			value = *h.Value
		}
		headers = append(headers, internetHeader{Name: h.Name, Value: value})
	}

	attachments := lo.Map(msg.Attachments, func(att transport.Attachment, _ int) graphAttachment {
		return graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		}
	})

	var from *recipient
	if strings.EqualFold(msg.From.Address(), sender) {
		r := toRecipient(msg.From)
		from = &r
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:                msg.Subject,
			Body:                   body,
			From:                   from,
			ToRecipients:           recipients(msg.To),
			CcRecipients:           recipients(msg.Cc),
			BccRecipients:          recipients(msg.Bcc),
			InternetMessageHeaders: headers,
			Attachments:            attachments,
		},
		SaveToSentItems: true,
	}
}

func toRecipient(a transport.Address) recipient {
	return recipient{EmailAddress: emailAddress{Address: a.Address(), Name: a.Name()}}
}

func recipients(list []transport.Address) []recipient {
	return lo.Map(list, func(a transport.Address, _ int) recipient {
		return toRecipient(a)
	})
}
