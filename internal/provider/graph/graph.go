package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/shineum/mailbridge/internal/transport"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	retryBase  time.Duration
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryBase:  baseRetryDelay,
	}
}

// Send delivers a message via the Microsoft Graph API.
//
// Transient failures are retried with exponential backoff. A 429 waits for
// the server's Retry-After instead, and the first 401 forces a token refresh
// and retries immediately.
func (g *GraphProvider) Send(ctx context.Context, msg *transport.Message) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(g.sender, msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var (
		attempt   int
		refreshed bool
		lastErr   error
		wait      time.Duration
		waitSet   bool
	)
	exponential := retry.NewExponential(g.retryBase)
	backoff := retry.WithMaxRetries(maxRetries, retry.BackoffFunc(func() (time.Duration, bool) {
		if waitSet {
			waitSet = false
			return wait, false
		}
		return exponential.Next()
	}))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}
		attempt++

		err := g.doSendRequest(ctx, bodyJSON)
		if err == nil {
			return nil
		}

		var graphErr *sendError
		if !errors.As(err, &graphErr) || graphErr.permanent {
			return err
		}

		switch {
		case graphErr.statusCode == http.StatusUnauthorized && !refreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, err := g.token.ForceRefresh(); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
			wait, waitSet = 0, true
		case graphErr.statusCode == http.StatusTooManyRequests:
			wait, waitSet = parseRetryAfter(graphErr.retryAfter)
			slog.Info("rate limited by Graph API",
				"retry_after", graphErr.retryAfter,
			)
		default:
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.statusCode,
			)
		}
		lastErr = graphErr
		return retry.RetryableError(graphErr)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("context cancelled during retry wait: %w", err)
	case err == lastErr:
		return fmt.Errorf("Graph API request failed after %d retries: %w", attempt-1, err)
	default:
		return err
	}
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single HTTP request to the Graph API sendMail endpoint.
func (g *GraphProvider) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	token, err := g.token.Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError represents an error from the Graph API send operation with
// classification for retry logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// parseRetryAfter reads a Retry-After value given in seconds. It reports
// false for a missing, non-numeric or non-positive value.
func parseRetryAfter(v string) (time.Duration, bool) {
	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
