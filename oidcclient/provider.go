package oidcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"golang.org/x/oauth2"
	"lds.li/oidcflow/internal"
)

const DefaultCacheDuration = 10 * time.Minute

// Metadata is the subset of the OIDC discovery document the client uses.
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
}

// Provider is a discovered OIDC provider. The discovery document and signing
// keys are cached for CacheDuration and refreshed on use after that, so a
// single Provider can be shared by many clients.
type Provider struct {
	HTTPClient    *http.Client
	CacheDuration time.Duration

	cacheMu          sync.Mutex
	cacheLastFetched time.Time
	metadata         *Metadata
	cachedHandle     *keyset.Handle

	issuer       string
	discoveryURL string
}

// DiscoverProvider fetches the discovery document and keys for issuer.
func DiscoverProvider(ctx context.Context, issuer string) (*Provider, error) {
	p := NewProvider(issuer)
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("error performing initial metadata discovery: %w", err)
	}
	return p, nil
}

// NewProvider returns a Provider for issuer that discovers lazily, on first
// use.
func NewProvider(issuer string) *Provider {
	issuer = strings.TrimSuffix(issuer, "/")
	return &Provider{
		issuer:       issuer,
		discoveryURL: issuer + "/.well-known/openid-configuration",
	}
}

// Issuer returns the issuer this provider was discovered from.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Metadata returns the current discovery document, refreshing it if the cache
// has expired.
func (p *Provider) Metadata(ctx context.Context) (*Metadata, error) {
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return p.metadata, nil
}

// Endpoint returns the OAuth2 endpoint configuration for this provider.
func (p *Provider) Endpoint(ctx context.Context) (oauth2.Endpoint, error) {
	md, err := p.Metadata(ctx)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return oauth2.Endpoint{
		AuthURL:  md.AuthorizationEndpoint,
		TokenURL: md.TokenEndpoint,
	}, nil
}

// JWKSHandle returns the provider's signing keys as a tink public keyset.
func (p *Provider) JWKSHandle(ctx context.Context) (*keyset.Handle, error) {
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return p.cachedHandle, nil
}

var validJWKSContentTypes = []string{
	"application/json",
	"application/jwk-set+json",
}

func (p *Provider) refreshIfNeeded(ctx context.Context) error {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	cacheFor := p.CacheDuration
	if cacheFor == 0 {
		cacheFor = DefaultCacheDuration
	}

	if !p.cacheLastFetched.IsZero() && time.Since(p.cacheLastFetched) < cacheFor {
		return nil
	}

	hc := internal.HTTPClientFromContext(ctx, p.HTTPClient)

	var md Metadata
	if err := getJSON(ctx, hc, p.discoveryURL, []string{"application/json"}, &md); err != nil {
		return fmt.Errorf("failed to get discovery metadata: %w", err)
	}
	if strings.TrimSuffix(md.Issuer, "/") != p.issuer {
		return fmt.Errorf("discovery document issuer %q does not match %q: %w", md.Issuer, p.issuer, ErrInvalidIssuer)
	}

	var jwksb json.RawMessage
	if err := getJSON(ctx, hc, md.JWKSURI, validJWKSContentTypes, &jwksb); err != nil {
		return fmt.Errorf("failed to get keys: %w", err)
	}
	handle, err := jwt.JWKSetToPublicKeysetHandle(jwksb)
	if err != nil {
		return fmt.Errorf("creating public keyset handle from JWKS: %w", err)
	}

	p.metadata = &md
	p.cachedHandle = handle
	p.cacheLastFetched = time.Now()

	return nil
}

func getJSON(ctx context.Context, hc *http.Client, u string, contentTypes []string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", u, err)
	}
	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", u, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, u, res.StatusCode)
	}
	mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if !slices.Contains(contentTypes, mt) {
		return fmt.Errorf("expected content type %s from %s, got: %s", strings.Join(contentTypes, ", "), u, res.Header.Get("Content-Type"))
	}

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", u, err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}
