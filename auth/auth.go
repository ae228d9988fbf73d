// Package auth ties an OIDC client, the application's router and a redirect
// path store together in to the handful of decisions an application needs:
// is the user logged in, what is their token, and where should they go after
// a login round trip.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"lds.li/oidcflow/observe"
	"lds.li/oidcflow/oidcclient"
	"lds.li/oidcflow/redirectpath"
	"lds.li/oidcflow/storage"
)

var baseLogAttr = slog.String("component", "auth")

// ErrMissingDependency is returned by New when a required dependency is nil.
var ErrMissingDependency = errors.New("missing dependency")

// Client is the subset of *oidcclient.Client the Service drives.
type Client interface {
	Configure(oidcclient.Params)
	SetStorage(storage.Storage)
	SetupAutomaticSilentRefresh()
	SetTokenValidationHandler(oidcclient.ValidationHandler)
	HasValidIDToken(ctx context.Context) bool
	HasValidAccessToken(ctx context.Context) bool
	AccessToken(ctx context.Context) string
	IdentityClaims(ctx context.Context) map[string]any
	LoadDiscoveryDocumentAndTryLogin(ctx context.Context, opts oidcclient.LoginOptions) (bool, error)
	InitLoginFlow(ctx context.Context) error
}

var _ Client = (*oidcclient.Client)(nil)

// Router builds navigation targets for the host application.
type Router interface {
	// CreateURLTree returns the target for the given path segments.
	CreateURLTree(commands ...string) (*url.URL, error)
}

// Location reports where the application currently is.
type Location interface {
	// Path returns the current application path, with query and fragment.
	Path() string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Client   Client
	Router   Router
	Location Location
	// SessionStorage backs the redirect path. It must survive a full page
	// navigation within one session.
	SessionStorage storage.Storage
	// LocalStorage is where Configure tells the client to keep tokens. If nil,
	// the client's own default is left in place.
	LocalStorage storage.Storage
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service is the application facing view of authentication state.
type Service struct {
	client       Client
	router       Router
	location     Location
	localStorage storage.Storage
	logger       *slog.Logger

	redirectPath  *redirectpath.Store
	authenticated *observe.Value[bool]
	claims        *observe.Value[map[string]any]
}

// New returns a Service over d. The client still needs Configure before a
// flow can start, unless it was configured elsewhere.
func New(d Deps) (*Service, error) {
	switch {
	case d.Client == nil:
		return nil, fmt.Errorf("client: %w", ErrMissingDependency)
	case d.Router == nil:
		return nil, fmt.Errorf("router: %w", ErrMissingDependency)
	case d.Location == nil:
		return nil, fmt.Errorf("location: %w", ErrMissingDependency)
	case d.SessionStorage == nil:
		return nil, fmt.Errorf("session storage: %w", ErrMissingDependency)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		client:        d.Client,
		router:        d.Router,
		location:      d.Location,
		localStorage:  d.LocalStorage,
		logger:        logger,
		redirectPath:  redirectpath.New(d.SessionStorage),
		authenticated: observe.NewValue(false),
		claims:        observe.NewValue[map[string]any](nil),
	}, nil
}

// Configure validates p and applies it to the client, together with the
// fixed policy: tokens in LocalStorage, ID tokens verified against the
// provider's JWKS, and automatic silent refresh.
func (s *Service) Configure(p oidcclient.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.client.Configure(p)
	if s.localStorage != nil {
		s.client.SetStorage(s.localStorage)
	}
	s.client.SetupAutomaticSilentRefresh()
	s.client.SetTokenValidationHandler(oidcclient.NewJWKSValidationHandler())
	return nil
}

// IsAuthenticated reports whether the client holds both a valid ID token and
// a valid access token. It is evaluated on every call.
func (s *Service) IsAuthenticated(ctx context.Context) bool {
	return s.client.HasValidIDToken(ctx) && s.client.HasValidAccessToken(ctx)
}

// AccessToken returns the access token while it is valid.
func (s *Service) AccessToken(ctx context.Context) (string, bool) {
	if !s.client.HasValidAccessToken(ctx) {
		return "", false
	}
	tok := s.client.AccessToken(ctx)
	return tok, tok != ""
}

// IdentityClaims returns the ID token claims, or nil when not authenticated.
func (s *Service) IdentityClaims(ctx context.Context) map[string]any {
	if !s.IsAuthenticated(ctx) {
		return nil
	}
	return s.client.IdentityClaims(ctx)
}

// GetIdentityClaims decodes the identity claims in to a T. It returns nil
// without error when not authenticated.
func GetIdentityClaims[T any](ctx context.Context, s *Service) (*T, error) {
	claims := s.IdentityClaims(ctx)
	if claims == nil {
		return nil, nil
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encoding claims: %w", err)
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding claims in to %T: %w", v, err)
	}
	return &v, nil
}

// Authenticated is updated each time StartAuthenticationFlow completes.
func (s *Service) Authenticated() *observe.Value[bool] {
	return s.authenticated
}

// Claims is updated each time StartAuthenticationFlow completes, after
// Authenticated.
func (s *Service) Claims() *observe.Value[map[string]any] {
	return s.claims
}

// RedirectPath is the store holding where to go after login.
func (s *Service) RedirectPath() *redirectpath.Store {
	return s.redirectPath
}

// StartAuthenticationFlow loads the provider and completes a login if the
// application is on a login callback. It is a no-op round trip otherwise.
// Once it completes, Authenticated and then Claims are published. The
// callback parameters are left in the URL.
func (s *Service) StartAuthenticationFlow(ctx context.Context) (bool, error) {
	ok, err := s.client.LoadDiscoveryDocumentAndTryLogin(ctx, oidcclient.LoginOptions{PreventClearHashAfterLogin: true})
	if err != nil {
		return false, fmt.Errorf("authentication flow: %w", err)
	}

	authenticated := s.IsAuthenticated(ctx)
	s.authenticated.Set(authenticated)
	s.claims.Set(s.IdentityClaims(ctx))

	s.logger.DebugContext(ctx, "Authentication flow completed", baseLogAttr, slog.Bool("logged_in", ok), slog.Bool("authenticated", authenticated))
	return ok, nil
}

// ResolveRedirectTarget decides what the application should do next.
//
// When not authenticated, the current path is remembered, the login redirect
// is started and Blocked is returned. When authenticated with a remembered
// path, the path is consumed and NavigateTo returned for it. Otherwise
// NoRedirectNeeded.
func (s *Service) ResolveRedirectTarget(ctx context.Context) (Resolution, error) {
	if !s.IsAuthenticated(ctx) {
		if err := s.redirectPath.Set(ctx, s.location.Path()); err != nil {
			return Resolution{}, err
		}
		if err := s.client.InitLoginFlow(ctx); err != nil {
			return Resolution{}, fmt.Errorf("starting login flow: %w", err)
		}
		return Resolution{Kind: Blocked}, nil
	}

	p, ok, err := s.redirectPath.Take(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolution{Kind: NoRedirectNeeded}, nil
	}

	target, err := s.router.CreateURLTree(p)
	if err != nil {
		return Resolution{}, fmt.Errorf("building target for %s: %w", p, err)
	}
	return Resolution{Kind: NavigateTo, Target: target}, nil
}
