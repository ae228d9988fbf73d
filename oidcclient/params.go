package oidcclient

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotConfigured    = errors.New("client not configured")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrLoginFailed      = errors.New("login failed")
	ErrStateMismatch    = errors.New("state did not match")
	ErrInvalidNonce     = errors.New("invalid nonce")
	ErrMissingIDToken   = errors.New("id_token is missing")
	ErrNoRefreshToken   = errors.New("no refresh token")
)

// ScopeOpenID is the scope that marks a request as an OIDC authentication
// request.
const ScopeOpenID = "openid"

// Params are the protocol parameters for the login flow.
type Params struct {
	// Issuer is the OIDC issuer URL. Discovery happens relative to it.
	Issuer string `json:"issuer" mapstructure:"issuer"`
	// ClientID is the relying party's client identifier.
	ClientID string `json:"clientId" mapstructure:"client_id"`
	// Resource is sent as the resource indicator on the authorization
	// request, when set.
	Resource string `json:"resource,omitempty" mapstructure:"resource"`
	// RedirectURI is where the provider sends the browser back to.
	RedirectURI string `json:"redirectUri" mapstructure:"redirect_uri"`
	// ResponseType is the OAuth2 response type, e.g. "code" or "id_token
	// token".
	ResponseType string `json:"responseType" mapstructure:"response_type"`
	// Scope is the space separated list of scopes to request.
	Scope string `json:"scope" mapstructure:"scope"`
}

// Validate checks the parameters are usable. It does not contact the issuer.
func (p Params) Validate() error {
	if p.Issuer == "" {
		return fmt.Errorf("issuer is empty: %w", ErrInvalidParameter)
	}
	u, err := url.Parse(p.Issuer)
	if err != nil {
		return fmt.Errorf("issuer %s is invalid: %w", p.Issuer, ErrInvalidParameter)
	}
	if !slices.Contains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("issuer %s scheme is not http or https: %w", p.Issuer, ErrInvalidParameter)
	}
	if p.ClientID == "" {
		return fmt.Errorf("client id is empty: %w", ErrInvalidParameter)
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("redirect URI is empty: %w", ErrInvalidParameter)
	}
	if p.ResponseType == "" {
		return fmt.Errorf("response type is empty: %w", ErrInvalidParameter)
	}
	return nil
}

// Scopes returns Scope split in to its individual values.
func (p Params) Scopes() []string {
	return strings.Fields(p.Scope)
}

func (p Params) isCodeFlow() bool {
	return slices.Contains(strings.Fields(p.ResponseType), "code")
}
