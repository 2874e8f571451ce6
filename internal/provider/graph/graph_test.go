package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailbridge/internal/provider"
	"github.com/shineum/mailbridge/internal/transport"
)

func addr(a, name string) transport.Address {
	return transport.MustAddress(a, name)
}

func textMessage(subject, body string, to ...transport.Address) *transport.Message {
	msg := &transport.Message{
		From:    addr("sender@example.com", "Sender"),
		To:      to,
		Subject: subject,
	}
	msg.AddPart(transport.TypeTextPlain, body)
	return msg
}

// newTokenServer serves a fixed token for every request.
func newTokenServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpiresIn: 3600, TokenType: "Bearer"})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(graphServer, tokenServer *httptest.Server) *GraphProvider {
	p := newWithOverrides(
		GraphProviderConfig{Sender: "sender@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)
	p.retryBase = time.Millisecond
	return p
}

func TestBuildSendMailRequest_BasicEmail(t *testing.T) {
	t.Parallel()

	msg := textMessage("Test Subject", "Hello, World!",
		addr("alice@example.com", ""), addr("bob@example.com", "Bob"))

	req := buildSendMailRequest("sender@example.com", msg)

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "text")
	}
	if req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "Hello, World!")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[0].EmailAddress; got != (emailAddress{Address: "alice@example.com"}) {
		t.Errorf("ToRecipients[0]: got %+v", got)
	}
	if got := req.Message.ToRecipients[1].EmailAddress; got != (emailAddress{Address: "bob@example.com", Name: "Bob"}) {
		t.Errorf("ToRecipients[1]: got %+v", got)
	}
	if req.Message.From == nil || req.Message.From.EmailAddress.Name != "Sender" {
		t.Errorf("From: got %+v, want sender mailbox with display name", req.Message.From)
	}
	if len(req.Message.CcRecipients) != 0 {
		t.Errorf("CcRecipients: got %d, want 0", len(req.Message.CcRecipients))
	}
	if len(req.Message.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(req.Message.Attachments))
	}
}

func TestBuildSendMailRequest_ForeignFromDropped(t *testing.T) {
	t.Parallel()

	msg := textMessage("s", "b", addr("to@example.com", ""))
	msg.From = addr("someone-else@example.com", "")

	req := buildSendMailRequest("sender@example.com", msg)
	if req.Message.From != nil {
		t.Errorf("From: got %+v, want nil for a foreign address", req.Message.From)
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	msg := &transport.Message{From: addr("sender@example.com", ""), Subject: "HTML Email"}
	msg.AddPart(transport.TypeTextHTML, "<p>HTML content</p>")
	msg.AddPart(transport.TypeTextPlain, "Plain text")

	req := buildSendMailRequest("sender@example.com", msg)

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "<p>HTML content</p>")
	}
}

func TestBuildSendMailRequest_RecipientsHeadersAttachments(t *testing.T) {
	t.Parallel()

	v := "42"
	msg := textMessage("All", "body", addr("to@example.com", ""))
	msg.Cc = []transport.Address{addr("cc@example.com", "Carol")}
	msg.Bcc = []transport.Address{addr("bcc@example.com", "")}
	msg.AddHeader("X-Ticket", &v)
	msg.AddHeader("X-Flag", nil)
	msg.AddHeader("Reply-By", &v)
	msg.Attach("report.pdf", "application/pdf", []byte("Hello World"))

	req := buildSendMailRequest("sender@example.com", msg)

	if len(req.Message.CcRecipients) != 1 || req.Message.CcRecipients[0].EmailAddress.Name != "Carol" {
		t.Errorf("CcRecipients: got %+v", req.Message.CcRecipients)
	}
	if len(req.Message.BccRecipients) != 1 || req.Message.BccRecipients[0].EmailAddress.Address != "bcc@example.com" {
		t.Errorf("BccRecipients: got %+v", req.Message.BccRecipients)
	}

	wantHeaders := []internetHeader{{Name: "X-Ticket", Value: "42"}, {Name: "X-Flag", Value: ""}}
	if len(req.Message.InternetMessageHeaders) != len(wantHeaders) {
		t.Fatalf("InternetMessageHeaders: got %+v, want %+v", req.Message.InternetMessageHeaders, wantHeaders)
	}
	for i, h := range wantHeaders {
		if req.Message.InternetMessageHeaders[i] != h {
			t.Errorf("InternetMessageHeaders[%d]: got %+v, want %+v", i, req.Message.InternetMessageHeaders[i], h)
		}
	}

	if len(req.Message.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(req.Message.Attachments))
	}
	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q", att.ODataType)
	}
	if att.Name != "report.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("attachment: got %+v", att)
	}
	if att.ContentBytes != "SGVsbG8gV29ybGQ=" {
		t.Errorf("ContentBytes: got %q, want %q", att.ContentBytes, "SGVsbG8gV29ybGQ=")
	}
}

func TestBuildSendMailRequest_JSONMarshaling(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest("sender@example.com", textMessage("JSON Test", "Body", addr("user@example.com", "")))

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	msg, ok := decoded["message"].(map[string]any)
	if !ok {
		t.Fatal("missing message object")
	}
	for _, key := range []string{"ccRecipients", "bccRecipients", "attachments", "internetMessageHeaders"} {
		if _, present := msg[key]; present {
			t.Errorf("%s should be omitted when empty", key)
		}
	}
	if _, present := msg["toRecipients"]; !present {
		t.Error("toRecipients should always be present")
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "test-token")

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	if err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphProvider_PermanentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		code   string
	}{
		{"bad request", http.StatusBadRequest, "BadRequest"},
		{"forbidden", http.StatusForbidden, "Forbidden"},
		{"not found", http.StatusNotFound, "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tokenServer := newTokenServer(t, "token")
			var calls atomic.Int32
			graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(graphErrorResponse{
					Error: graphError{Code: tt.code, Message: "nope"},
				})
			}))
			defer graphServer.Close()

			p := newTestProvider(graphServer, tokenServer)
			err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", "")))

			var sendErr *sendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("expected *sendError, got %T (%v)", err, err)
			}
			if !sendErr.permanent {
				t.Errorf("HTTP %d should be classified as permanent", tt.status)
			}
			if sendErr.message != "nope" {
				t.Errorf("message: got %q, want %q", sendErr.message, "nope")
			}
			if calls.Load() != 1 {
				t.Errorf("graph call count: got %d, want 1", calls.Load())
			}
		})
	}
}

func TestGraphProvider_RetryOn5xx(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if graphCallCount.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "ServiceUnavailable", Message: "Try again"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	if err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if graphCallCount.Load() != 3 {
		t.Errorf("graph call count: got %d, want 3 (2 failures + 1 success)", graphCallCount.Load())
	}
}

func TestGraphProvider_RetriesExhausted(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", "")))
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !strings.HasPrefix(err.Error(), "Graph API request failed after 3 retries") {
		t.Errorf("error: got %q, want retries exhausted message", err)
	}
	var graphErr *sendError
	if !errors.As(err, &graphErr) || graphErr.statusCode != http.StatusInternalServerError {
		t.Errorf("expected wrapped 500 sendError, got %v", err)
	}
	if graphCallCount.Load() != maxRetries+1 {
		t.Errorf("graph call count: got %d, want %d", graphCallCount.Load(), maxRetries+1)
	}
}

func TestGraphProvider_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var tokenCallCount atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := tokenCallCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+count)),
			ExpiresIn:   3600,
		})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if graphCallCount.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "Unauthorized", Message: "Token expired"},
			})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
			t.Errorf("Authorization after refresh: got %q, want %q", got, "Bearer token-2")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	if err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}
	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
	if tokenCallCount.Load() != 2 {
		t.Errorf("token call count: got %d, want 2", tokenCallCount.Load())
	}
}

func TestGraphProvider_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if graphCallCount.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "TooManyRequests", Message: "Rate limited"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Send(ctx, textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}
	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_TokenRefreshRetriesWithoutWaiting(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if graphCallCount.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)
	p.retryBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Send(ctx, textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("refresh retry should not wait for backoff, got: %v", err)
	}
	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_SecondUnauthorizedUsesBackoff(t *testing.T) {
	t.Parallel()

	var tokenCallCount atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCallCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)

	err := p.Send(context.Background(), textMessage("Test", "Body", addr("user@example.com", "")))

	var graphErr *sendError
	if !errors.As(err, &graphErr) || graphErr.statusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 sendError, got %v", err)
	}
	if graphCallCount.Load() != maxRetries+1 {
		t.Errorf("graph call count: got %d, want %d", graphCallCount.Load(), maxRetries+1)
	}
	if tokenCallCount.Load() != 2 {
		t.Errorf("token call count: got %d, want 2 (one refresh only)", tokenCallCount.Load())
	}
}

func TestGraphProvider_RetryAfterReplacesBackoff(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if graphCallCount.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)
	p.retryBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Send(ctx, textMessage("Test", "Body", addr("user@example.com", ""))); err != nil {
		t.Fatalf("Retry-After should replace the hour-long backoff, got: %v", err)
	}
	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, "token")
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)
	p.retryBase = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, textMessage("Test", "Body", addr("user@example.com", "")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true, transient: false},
		{name: "401 Unauthorized", statusCode: 401, permanent: false, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true, transient: false},
		{name: "429 Too Many Requests", statusCode: 429, permanent: false, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, permanent: false, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, permanent: false, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{in: "7", want: 7 * time.Second, wantOK: true},
		{in: " 2 ", want: 2 * time.Second, wantOK: true},
		{in: "0"},
		{in: "-3"},
		{in: "soon"},
		{in: "Wed, 21 Oct 2015 07:28:00 GMT"},
		{in: ""},
	}

	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseRetryAfter(%q): got (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{
		message:    "test error",
		statusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*GraphProvider)(nil)
}
