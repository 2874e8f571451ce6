package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// tokenCache hands out OAuth2 client-credentials tokens, reusing one until
// it is within tokenExpiryBuffer of expiring.
type tokenCache struct {
	mu     sync.Mutex
	config *clientcredentials.Config
	ctx    context.Context
	source oauth2.TokenSource
}

// fetchFunc adapts a function to oauth2.TokenSource.
type fetchFunc func() (*oauth2.Token, error)

func (f fetchFunc) Token() (*oauth2.Token, error) { return f() }

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	tc := &tokenCache{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		ctx: context.WithValue(context.Background(), oauth2.HTTPClient, httpClient),
	}
	tc.source = tc.newSource()
	return tc
}

// newSource builds an uncached fetcher wrapped in our own expiry policy, so
// the buffer above is the only early-expiry rule in play.
func (tc *tokenCache) newSource() oauth2.TokenSource {
	fetch := fetchFunc(func() (*oauth2.Token, error) {
		return tc.config.Token(tc.ctx)
	})
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetch, tokenExpiryBuffer)
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (tc *tokenCache) Token() (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.token()
}

// ForceRefresh discards the current token and acquires a new one.
// This is used when a 401 response indicates the token is invalid.
func (tc *tokenCache) ForceRefresh() (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.source = tc.newSource()
	return tc.token()
}

// token must be called with tc.mu held.
func (tc *tokenCache) token() (string, error) {
	tok, err := tc.source.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	return tok.AccessToken, nil
}
