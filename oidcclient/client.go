// Package oidcclient is a browser style OIDC relying party. It discovers the
// provider, starts the login redirect, completes it when the browser comes
// back, and keeps the resulting tokens in a storage.Storage.
package oidcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"lds.li/oidcflow/internal"
	"lds.li/oidcflow/storage"
)

// Storage keys. Tokens and login state live side by side in the configured
// storage.
const (
	keyAccessToken         = "access_token"
	keyAccessTokenStoredAt = "access_token_stored_at"
	keyExpiresAt           = "expires_at"
	keyTokenType           = "token_type"
	keyRefreshToken        = "refresh_token"
	keyIDToken             = "id_token"
	keyIDTokenClaims       = "id_token_claims_obj"
	keyIDTokenExpiresAt    = "id_token_expires_at"
	keyState               = "state"
	keyNonce               = "nonce"
	keyPKCEVerifier        = "PKCE_verifier"
)

var tokenKeys = []string{
	keyAccessToken, keyAccessTokenStoredAt, keyExpiresAt, keyTokenType,
	keyRefreshToken, keyIDToken, keyIDTokenClaims, keyIDTokenExpiresAt,
}

var loginStateKeys = []string{keyState, keyNonce, keyPKCEVerifier}

// callbackKeys are the parameters a provider adds to the redirect URI.
var callbackKeys = []string{
	"code", "state", "session_state", "iss", "error", "error_description", "error_uri",
	"access_token", "id_token", "token_type", "expires_in", "scope",
}

// DefaultRefreshTimeoutFactor is the fraction of an access token's lifetime
// after which silent refresh renews it.
const DefaultRefreshTimeoutFactor = 0.75

const (
	silentRefreshPollInterval = time.Minute
	minSilentRefreshWait      = 5 * time.Second
)

var baseLogAttr = slog.String("component", "oidc-client")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// LoginOptions tune callback processing.
type LoginOptions struct {
	// PreventClearHashAfterLogin leaves the callback parameters in the
	// browser URL after a successful login. By default they are removed with
	// Browser.ReplaceURL.
	PreventClearHashAfterLogin bool
}

// Client is an OIDC relying party for a single browser session. It is
// configured with Configure before use.
type Client struct {
	// Browser is the host's navigation surface. Required for the login flow.
	Browser Browser
	// Provider can be set to share a discovered provider between clients. If
	// nil, one is created for the configured issuer on first use.
	Provider *Provider
	// HTTPClient used for discovery, token and key requests. The
	// oauth2.HTTPClient context value takes precedence.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// RefreshTimeoutFactor defaults to DefaultRefreshTimeoutFactor.
	RefreshTimeoutFactor float64

	mu            sync.Mutex
	params        *Params
	storage       storage.Storage
	validation    ValidationHandler
	silentRefresh bool
}

// Configure sets the protocol parameters.
func (c *Client) Configure(p Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = &p
}

// SetStorage sets where tokens and login state are kept. Without it an in
// memory storage is used, which does not survive a page load.
func (c *Client) SetStorage(s storage.Storage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage = s
}

// SetupAutomaticSilentRefresh makes LoadDiscoveryDocumentAndTryLogin renew
// the access token with the refresh token once it is due. Long lived hosts
// can additionally run RunSilentRefresh.
func (c *Client) SetupAutomaticSilentRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silentRefresh = true
}

// SetTokenValidationHandler sets how ID tokens are validated. Without one,
// ID tokens are decoded but their signature is not checked.
func (c *Client) SetTokenValidationHandler(h ValidationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validation = h
}

// TokenValidationHandler returns the configured validation handler, or nil.
func (c *Client) TokenValidationHandler() ValidationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validation
}

// HasValidIDToken reports whether an unexpired ID token is stored.
func (c *Client) HasValidIDToken(ctx context.Context) bool {
	return c.hasUnexpired(ctx, keyIDToken, keyIDTokenExpiresAt)
}

// HasValidAccessToken reports whether an unexpired access token is stored.
func (c *Client) HasValidAccessToken(ctx context.Context) bool {
	return c.hasUnexpired(ctx, keyAccessToken, keyExpiresAt)
}

// AccessToken returns the stored access token, whether or not it is still
// valid. Empty if there is none.
func (c *Client) AccessToken(ctx context.Context) string {
	v, _ := c.lookup(ctx, keyAccessToken)
	return v
}

// IDToken returns the stored raw ID token. Empty if there is none.
func (c *Client) IDToken(ctx context.Context) string {
	v, _ := c.lookup(ctx, keyIDToken)
	return v
}

// IdentityClaims returns the claims of the stored ID token, or nil.
func (c *Client) IdentityClaims(ctx context.Context) map[string]any {
	v, ok := c.lookup(ctx, keyIDTokenClaims)
	if !ok {
		return nil
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(v), &claims); err != nil {
		c.logger().WarnContext(ctx, "Stored identity claims are corrupt", baseLogAttr, errAttr(err))
		return nil
	}
	return claims
}

// LoadDiscoveryDocument makes sure provider metadata and keys are loaded.
func (c *Client) LoadDiscoveryDocument(ctx context.Context) (*Provider, error) {
	params, err := c.configured()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	p := c.Provider
	if p == nil {
		p = NewProvider(params.Issuer)
		p.HTTPClient = c.HTTPClient
		c.Provider = p
	}
	c.mu.Unlock()

	if p.Issuer() != strings.TrimSuffix(params.Issuer, "/") {
		return nil, fmt.Errorf("provider is for %s, client configured for %s: %w", p.Issuer(), params.Issuer, ErrInvalidIssuer)
	}
	if _, err := p.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("loading discovery document: %w", err)
	}
	return p, nil
}

// LoadDiscoveryDocumentAndTryLogin loads the provider and then completes a
// login if the browser is on a callback URL. It returns true if a login was
// completed. When automatic silent refresh is set up and no login happened,
// a due access token is renewed; a failed renewal is logged, not returned.
func (c *Client) LoadDiscoveryDocumentAndTryLogin(ctx context.Context, opts LoginOptions) (bool, error) {
	if _, err := c.LoadDiscoveryDocument(ctx); err != nil {
		return false, err
	}

	loggedIn, err := c.TryLogin(ctx, opts)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	silent := c.silentRefresh
	c.mu.Unlock()

	if !loggedIn && silent && c.refreshDue(ctx) {
		if err := c.RefreshTokens(ctx); err != nil {
			c.logger().WarnContext(ctx, "Silent token refresh failed", baseLogAttr, errAttr(err))
		}
	}

	return loggedIn, nil
}

// TryLogin completes a login from the callback parameters in the browser URL.
// It returns false without error if the URL is not a callback, or is a
// callback for which no login is in progress.
func (c *Client) TryLogin(ctx context.Context, opts LoginOptions) (bool, error) {
	params, err := c.configured()
	if err != nil {
		return false, err
	}
	if c.Browser == nil {
		return false, fmt.Errorf("no browser set: %w", ErrNotConfigured)
	}
	st := c.store()

	cur := c.Browser.URL()
	cb := callbackParams(cur)

	state, qerr := cb.Get("state"), cb.Get("error")
	code, accessToken, rawIDToken := cb.Get("code"), cb.Get("access_token"), cb.Get("id_token")
	if qerr == "" && (state == "" || (code == "" && accessToken == "" && rawIDToken == "")) {
		return false, nil
	}

	wantState, ok, err := st.Get(ctx, keyState)
	if err != nil {
		return false, fmt.Errorf("reading login state: %w", err)
	}
	if !ok {
		c.logger().DebugContext(ctx, "Ignoring callback parameters, no login in progress", baseLogAttr)
		return false, nil
	}
	if state != wantState {
		return false, ErrStateMismatch
	}
	if qerr != "" {
		c.removeKeys(ctx, loginStateKeys)
		return false, fmt.Errorf("%w: %s: %s", ErrLoginFailed, qerr, cb.Get("error_description"))
	}

	p, err := c.LoadDiscoveryDocument(ctx)
	if err != nil {
		return false, err
	}

	var tok *oauth2.Token
	switch {
	case code != "":
		tok, err = c.exchange(ctx, p, params, code)
		if err != nil {
			return false, fmt.Errorf("%w: exchanging code: %w", ErrLoginFailed, err)
		}
		if raw, ok := tok.Extra("id_token").(string); ok {
			rawIDToken = raw
		}
	case accessToken != "":
		tok = &oauth2.Token{AccessToken: accessToken, TokenType: cb.Get("token_type")}
		if ei, err := strconv.Atoi(cb.Get("expires_in")); err == nil && ei > 0 {
			tok.Expiry = c.now().Add(time.Duration(ei) * time.Second)
		}
	}

	var idt *IDToken
	if rawIDToken != "" {
		idt, err = c.validationHandler().ValidateIDToken(ctx, p, params.ClientID, rawIDToken)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		wantNonce, _, err := st.Get(ctx, keyNonce)
		if err != nil {
			return false, fmt.Errorf("reading nonce: %w", err)
		}
		if idt.Nonce != wantNonce {
			return false, ErrInvalidNonce
		}
	} else if params.isCodeFlow() || slices.Contains(strings.Fields(params.ResponseType), "id_token") {
		if slices.Contains(params.Scopes(), ScopeOpenID) {
			return false, ErrMissingIDToken
		}
	}

	if err := c.storeTokens(ctx, tok, idt); err != nil {
		return false, err
	}
	c.removeKeys(ctx, loginStateKeys)

	if !opts.PreventClearHashAfterLogin {
		c.Browser.ReplaceURL(stripCallback(cur))
	}

	c.logger().InfoContext(ctx, "Login completed", baseLogAttr)
	return true, nil
}

// InitLoginFlow starts a new login: fresh state, nonce and PKCE verifier are
// stored, then the browser is sent to the provider's authorization endpoint.
func (c *Client) InitLoginFlow(ctx context.Context) error {
	params, err := c.configured()
	if err != nil {
		return err
	}
	if c.Browser == nil {
		return fmt.Errorf("no browser set: %w", ErrNotConfigured)
	}
	p, err := c.LoadDiscoveryDocument(ctx)
	if err != nil {
		return err
	}
	cfg, err := oauth2Config(ctx, p, params)
	if err != nil {
		return err
	}

	st := c.store()
	state, nonce := uuid.NewString(), uuid.NewString()
	if err := st.Set(ctx, keyState, state); err != nil {
		return fmt.Errorf("storing state: %w", err)
	}
	if err := st.Set(ctx, keyNonce, nonce); err != nil {
		return fmt.Errorf("storing nonce: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", params.ResponseType),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if params.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", params.Resource))
	}
	if params.isCodeFlow() {
		verifier := oauth2.GenerateVerifier()
		if err := st.Set(ctx, keyPKCEVerifier, verifier); err != nil {
			return fmt.Errorf("storing PKCE verifier: %w", err)
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	target := cfg.AuthCodeURL(state, opts...)
	c.logger().DebugContext(ctx, "Starting login flow", baseLogAttr, slog.String("issuer", params.Issuer))
	c.Browser.Navigate(target)

	return nil
}

// RefreshTokens renews the tokens with the stored refresh token.
func (c *Client) RefreshTokens(ctx context.Context) error {
	params, err := c.configured()
	if err != nil {
		return err
	}
	rt, ok := c.lookup(ctx, keyRefreshToken)
	if !ok || rt == "" {
		return ErrNoRefreshToken
	}
	p, err := c.LoadDiscoveryDocument(ctx)
	if err != nil {
		return err
	}
	cfg, err := oauth2Config(ctx, p, params)
	if err != nil {
		return err
	}

	tok, err := cfg.TokenSource(internal.OAuth2Context(ctx, c.HTTPClient), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	var idt *IDToken
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if idt, err = c.validationHandler().ValidateIDToken(ctx, p, params.ClientID, raw); err != nil {
			return fmt.Errorf("validating refreshed id_token: %w", err)
		}
	}

	return c.storeTokens(ctx, tok, idt)
}

// RunSilentRefresh renews the access token shortly before it expires, until
// ctx is done. Failed renewals are logged and retried on the next cycle.
func (c *Client) RunSilentRefresh(ctx context.Context) error {
	for {
		wait := silentRefreshPollInterval
		if d, ok := c.nextRefreshIn(ctx); ok {
			wait = max(d, minSilentRefreshWait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if c.refreshDue(ctx) {
			if err := c.RefreshTokens(ctx); err != nil {
				c.logger().WarnContext(ctx, "Silent token refresh failed", baseLogAttr, errAttr(err))
			}
		}
	}
}

// LogOut removes all stored tokens and any in progress login state.
func (c *Client) LogOut(ctx context.Context) error {
	st := c.store()
	var errs []error
	for _, k := range slices.Concat(tokenKeys, loginStateKeys) {
		if err := st.Remove(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) exchange(ctx context.Context, p *Provider, params Params, code string) (*oauth2.Token, error) {
	cfg, err := oauth2Config(ctx, p, params)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	verifier, ok, err := c.store().Get(ctx, keyPKCEVerifier)
	if err != nil {
		return nil, fmt.Errorf("reading PKCE verifier: %w", err)
	}
	if ok {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	return cfg.Exchange(internal.OAuth2Context(ctx, c.HTTPClient), code, opts...)
}

func (c *Client) storeTokens(ctx context.Context, tok *oauth2.Token, idt *IDToken) error {
	st := c.store()
	now := c.now()

	set := map[string]string{}
	var remove []string

	if tok != nil {
		set[keyAccessToken] = tok.AccessToken
		set[keyTokenType] = tok.TokenType
		set[keyAccessTokenStoredAt] = formatTime(now)
		if tok.Expiry.IsZero() {
			remove = append(remove, keyExpiresAt)
		} else {
			set[keyExpiresAt] = formatTime(tok.Expiry)
		}
		if tok.RefreshToken != "" {
			set[keyRefreshToken] = tok.RefreshToken
		}
	}
	if idt != nil {
		claims, err := json.Marshal(idt.Claims)
		if err != nil {
			return fmt.Errorf("encoding identity claims: %w", err)
		}
		set[keyIDToken] = idt.Raw
		set[keyIDTokenClaims] = string(claims)
		if idt.Expiry.IsZero() {
			remove = append(remove, keyIDTokenExpiresAt)
		} else {
			set[keyIDTokenExpiresAt] = formatTime(idt.Expiry)
		}
	}

	for k, v := range set {
		if err := st.Set(ctx, k, v); err != nil {
			return fmt.Errorf("storing %s: %w", k, err)
		}
	}
	for _, k := range remove {
		if err := st.Remove(ctx, k); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
	}
	return nil
}

func (c *Client) hasUnexpired(ctx context.Context, tokenKey, expiryKey string) bool {
	if _, ok := c.lookup(ctx, tokenKey); !ok {
		return false
	}
	exp, ok := c.lookupTime(ctx, expiryKey)
	if ok && !c.now().Before(exp) {
		return false
	}
	return true
}

// refreshDue reports whether a refresh token is stored and the access token
// is missing or past RefreshTimeoutFactor of its lifetime.
func (c *Client) refreshDue(ctx context.Context) bool {
	if rt, ok := c.lookup(ctx, keyRefreshToken); !ok || rt == "" {
		return false
	}
	if _, ok := c.lookup(ctx, keyAccessToken); !ok {
		return true
	}
	d, ok := c.nextRefreshIn(ctx)
	return ok && d <= 0
}

// nextRefreshIn returns how long until the access token is due for renewal.
func (c *Client) nextRefreshIn(ctx context.Context) (time.Duration, bool) {
	exp, ok := c.lookupTime(ctx, keyExpiresAt)
	if !ok {
		return 0, false
	}
	storedAt, ok := c.lookupTime(ctx, keyAccessTokenStoredAt)
	if !ok {
		storedAt = c.now()
	}

	factor := c.RefreshTimeoutFactor
	if factor <= 0 || factor > 1 {
		factor = DefaultRefreshTimeoutFactor
	}
	due := storedAt.Add(time.Duration(float64(exp.Sub(storedAt)) * factor))
	return due.Sub(c.now()), true
}

func (c *Client) lookup(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.store().Get(ctx, key)
	if err != nil {
		c.logger().WarnContext(ctx, "Reading token storage failed", baseLogAttr, slog.String("key", key), errAttr(err))
		return "", false
	}
	return v, ok
}

func (c *Client) lookupTime(ctx context.Context, key string) (time.Time, bool) {
	v, ok := c.lookup(ctx, key)
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.logger().WarnContext(ctx, "Stored time is corrupt", baseLogAttr, slog.String("key", key), errAttr(err))
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func (c *Client) removeKeys(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := c.store().Remove(ctx, k); err != nil {
			c.logger().WarnContext(ctx, "Removing from token storage failed", baseLogAttr, slog.String("key", k), errAttr(err))
		}
	}
}

func (c *Client) configured() (Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params == nil {
		return Params{}, ErrNotConfigured
	}
	return *c.params, nil
}

func (c *Client) store() storage.Storage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		c.storage = storage.NewMemStorage()
	}
	return c.storage
}

func (c *Client) validationHandler() ValidationHandler {
	if h := c.TokenValidationHandler(); h != nil {
		return h
	}
	return unverifiedHandler{}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func oauth2Config(ctx context.Context, p *Provider, params Params) (*oauth2.Config, error) {
	ep, err := p.Endpoint(ctx)
	if err != nil {
		return nil, err
	}
	// browser clients are public, the client id travels in the form.
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:    params.ClientID,
		Endpoint:    ep,
		RedirectURL: params.RedirectURI,
		Scopes:      params.Scopes(),
	}, nil
}

// callbackParams merges the query and fragment parameters of u. Fragment
// values win, as implicit flows return there.
func callbackParams(u *url.URL) url.Values {
	v := url.Values{}
	for k, vs := range u.Query() {
		v[k] = vs
	}
	if u.Fragment != "" {
		if fv, err := url.ParseQuery(strings.TrimPrefix(u.Fragment, "#")); err == nil {
			for k, vs := range fv {
				v[k] = vs
			}
		}
	}
	return v
}

func stripCallback(u *url.URL) string {
	clean := *u
	q := clean.Query()
	for _, k := range callbackKeys {
		q.Del(k)
	}
	clean.RawQuery = q.Encode()
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
