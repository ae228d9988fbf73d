package internal

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// defaultHTTPClient is used when neither the context nor the caller supplies a
// client. Unlike http.DefaultClient it will not hang forever on a stalled
// provider.
var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// HTTPClientFromContext returns a *http.Client for use. It will first check the
// context for the oauth2.HTTPClient, then explicit if not nil, then fall back
// to a default client.
func HTTPClientFromContext(ctx context.Context, explicit *http.Client) *http.Client {
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		return hc
	}
	if explicit != nil {
		return explicit
	}
	return defaultHTTPClient
}

// OAuth2Context returns ctx carrying the client that HTTPClientFromContext
// would pick, so golang.org/x/oauth2 calls use it too.
func OAuth2Context(ctx context.Context, explicit *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, HTTPClientFromContext(ctx, explicit))
}
