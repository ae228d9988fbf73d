// Package augment attaches the user's access token to outgoing requests for
// the URLs that should receive it.
package augment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"lds.li/oidcflow/auth"
	"lds.li/oidcflow/metrics"
)

var baseLogAttr = slog.String("component", "augment")

// TokenSource supplies the current access token, if there is one.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, bool)
}

var _ TokenSource = (*auth.Service)(nil)

// Transport is an http.RoundTripper that sets a bearer Authorization header
// on requests whose URL starts with one of Prefixes.
//
// Prefixes starting with "/" match the request path and query, and only apply
// to requests with no host or to requests for Origin. Other prefixes match the
// full request URL.
type Transport struct {
	// Auth supplies the token. Without a token requests pass unmodified.
	Auth TokenSource
	// Prefixes that should receive the token.
	Prefixes []URLPrefix
	// SkipPrefixes are checked first. Requests matching one are passed on
	// without resolving Prefixes.
	SkipPrefixes []string
	// Services resolves deferred prefixes.
	Services *Registry
	// Origin is the application's own origin, for path prefixes.
	Origin *url.URL
	// Base defaults to http.DefaultTransport.
	Base    http.RoundTripper
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.matchesAny(req.URL, t.SkipPrefixes) {
		t.Metrics.IncrementAugment(metrics.RequestSkipped)
		return t.base().RoundTrip(req)
	}

	prefixes, err := t.ResolvePrefixes(ctx)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		t.Metrics.IncrementAugment(metrics.RequestError)
		return nil, fmt.Errorf("resolving URL prefixes: %w", err)
	}

	if !t.matchesAny(req.URL, prefixes) {
		t.Metrics.IncrementAugment(metrics.RequestUnmatched)
		return t.base().RoundTrip(req)
	}

	var tok string
	if t.Auth != nil {
		tok, _ = t.Auth.AccessToken(ctx)
	}
	if tok == "" {
		t.Metrics.IncrementAugment(metrics.RequestNoToken)
		return t.base().RoundTrip(req)
	}

	// the caller's request must not be modified.
	newReq := req.Clone(ctx)
	newReq.Header.Set("Authorization", "Bearer "+tok)

	t.Metrics.IncrementAugment(metrics.RequestAugmented)
	t.logger().DebugContext(ctx, "Attached access token", baseLogAttr, slog.String("host", req.URL.Host), slog.String("path", req.URL.Path))
	return t.base().RoundTrip(newReq)
}

// ResolvePrefixes returns the prefixes that should receive the token. Literal
// and immediately available prefixes come first, in configured order,
// followed by pending ones in configured order. Pending prefixes are fetched
// concurrently, and the first failure is returned.
func (t *Transport) ResolvePrefixes(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer t.Metrics.ObservePrefixResolve(start)

	var (
		ready       []string
		pending     []func(context.Context) (string, error)
		pendingKeys []string
	)
	for _, p := range t.Prefixes {
		if !p.deferred() {
			ready = append(ready, p.literal)
			continue
		}
		svc, err := t.Services.Lookup(p.key)
		if err != nil {
			return nil, err
		}
		v, err := p.load(svc)
		if err != nil {
			return nil, err
		}
		if v.pending == nil {
			t.warnEmpty(ctx, p.key, v.value)
			ready = append(ready, v.value)
			continue
		}
		pendingKeys = append(pendingKeys, p.key)
		pending = append(pending, v.pending)
	}

	loaded := make([]string, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range pending {
		g.Go(func() error {
			s, err := fn(gctx)
			if err != nil {
				return err
			}
			loaded[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, s := range loaded {
		t.warnEmpty(ctx, pendingKeys[i], s)
	}

	return append(ready, loaded...), nil
}

// warnEmpty logs a deferred prefix that resolved to nothing, as it will
// never match a request.
func (t *Transport) warnEmpty(ctx context.Context, key, prefix string) {
	if prefix == "" {
		t.logger().WarnContext(ctx, "Deferred URL prefix resolved empty, no requests will match it", baseLogAttr, slog.String("service", key))
	}
}

func (t *Transport) matchesAny(u *url.URL, prefixes []string) bool {
	for _, p := range prefixes {
		if t.matches(u, p) {
			return true
		}
	}
	return false
}

func (t *Transport) matches(u *url.URL, prefix string) bool {
	// an empty prefix would match everything.
	if prefix == "" {
		return false
	}
	if strings.HasPrefix(prefix, "/") {
		if u.Host != "" && !t.sameOrigin(u) {
			return false
		}
		return strings.HasPrefix(u.RequestURI(), prefix)
	}
	return strings.HasPrefix(u.String(), prefix)
}

func (t *Transport) sameOrigin(u *url.URL) bool {
	if t.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, t.Origin.Scheme) && strings.EqualFold(u.Host, t.Origin.Host)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
