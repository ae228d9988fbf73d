package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"lds.li/oidcflow/augment"
	"lds.li/oidcflow/auth"
	"lds.li/oidcflow/config"
	"lds.li/oidcflow/guard"
	"lds.li/oidcflow/metrics"
	"lds.li/oidcflow/oidcclient"
	"lds.li/oidcflow/storage"
)

const (
	sessionCookie = "oidcflow_session"
	// providerService is the registry key the OIDC provider is available
	// under for deferred URL prefixes.
	providerService = "oidc-provider"
	maxAPIBody      = 1 << 20
)

var baseLogAttr = slog.String("component", "oidcflow-demo")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

type server struct {
	cfg      *config.Config
	baseURL  *url.URL
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics

	provider *oidcclient.Provider
	sessions storage.Storage
	// tokens is set when tokens are kept in a file, keyed by session id.
	tokens storage.Storage
	redis  *redis.Client

	// api is copied per request with the session's token source.
	api augment.Transport
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*server, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	s := &server{
		cfg:      cfg,
		baseURL:  baseURL,
		logger:   logger,
		gatherer: reg,
		metrics:  metrics.New(reg),
		provider: oidcclient.NewProvider(cfg.OIDC.Issuer),
	}

	if cfg.RedisURL != "" {
		rc, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = rc
		s.sessions = storage.NewRedisStorage(rc, "oidcflow:", cfg.SessionTTL)
	} else {
		s.sessions = storage.NewMemStorage()
	}
	if cfg.TokenFile != "" {
		s.tokens = &storage.FileStorage{Path: cfg.TokenFile}
	}

	services := augment.NewRegistry()
	services.Register(providerService, s.provider)

	prefixes := make([]augment.URLPrefix, 0, len(cfg.API.Prefixes)+1)
	for _, p := range cfg.API.Prefixes {
		prefixes = append(prefixes, augment.Prefix(p))
	}
	prefixes = append(prefixes, augment.LoadPrefix(providerService, userinfoPrefix))

	s.api = augment.Transport{
		Prefixes:     prefixes,
		SkipPrefixes: cfg.API.SkipPrefixes,
		Services:     services,
		Origin:       baseURL,
		Metrics:      s.metrics,
		Logger:       logger,
	}

	return s, nil
}

// userinfoPrefix sends the token to the provider's userinfo endpoint, which
// is only known once discovery has run.
func userinfoPrefix(p *oidcclient.Provider) augment.PrefixValue {
	return augment.Pending(func(ctx context.Context) (string, error) {
		md, err := p.Metadata(ctx)
		if err != nil {
			return "", err
		}
		return md.UserinfoEndpoint, nil
	})
}

func (s *server) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Closing redis client failed", baseLogAttr, errAttr(err))
		}
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)
		r.Get("/logout", s.handleLogout)

		r.Route("/app", func(r chi.Router) {
			r.Use(guard.Middleware(s.authenticator, s.metrics, s.logger))
			r.Get("/api-check", s.handleAPICheck)
			r.Get("/*", s.handleApp)
		})
	})

	return r
}

type sessionKey struct{}

type session struct {
	client *oidcclient.Client
	auth   *auth.Service
}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	return sess
}

// withSession builds the auth service for the browser session of the request,
// issuing a session cookie if there is none yet.
func (s *server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var id string
		if c, err := r.Cookie(sessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   s.baseURL.Scheme == "https",
				SameSite: http.SameSiteLaxMode,
				MaxAge:   int(s.cfg.SessionTTL.Seconds()),
			})
		}

		sessStorage := storage.Prefixed(s.sessions, "session:"+id+":")
		tokens := storage.Prefixed(sessStorage, "tokens:")
		if s.tokens != nil {
			tokens = storage.Prefixed(s.tokens, id+":")
		}

		b := &oidcclient.RequestBrowser{W: w, R: r}
		client := &oidcclient.Client{Browser: b, Provider: s.provider, Logger: s.logger}
		svc, err := auth.New(auth.Deps{
			Client:         client,
			Router:         auth.PathRouter{},
			Location:       b,
			SessionStorage: sessStorage,
			LocalStorage:   tokens,
			Logger:         s.logger,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to build auth service", baseLogAttr, errAttr(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if err := svc.Configure(s.cfg.OIDC); err != nil {
			s.logger.ErrorContext(ctx, "Failed to configure auth service", baseLogAttr, errAttr(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

		sess := &session{client: client, auth: svc}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionKey{}, sess)))
	})
}

func (s *server) authenticator(_ http.ResponseWriter, r *http.Request) (guard.Authenticator, error) {
	sess := sessionFrom(r.Context())
	if sess == nil {
		return nil, fmt.Errorf("no session for %s", r.URL.Path)
	}
	return sess.auth, nil
}

func (s *server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, `<!doctype html><title>oidcflow</title><p><a href="/app/">Enter the application</a></p>`)
}

type profile struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (s *server) handleApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	p, err := auth.GetIdentityClaims[profile](ctx, sess.auth)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read identity claims", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Path    string   `json:"path"`
		Profile *profile `json:"profile"`
	}{Path: r.URL.Path, Profile: p})
}

func (s *server) handleAPICheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.API.CheckURL == "" {
		http.NotFound(w, r)
		return
	}

	tr := s.api
	tr.Auth = sessionFrom(ctx).auth
	hc := &http.Client{Transport: &tr, Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.API.CheckURL, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res, err := hc.Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "API check failed", baseLogAttr, errAttr(err))
		http.Error(w, "API unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = res.Body.Close() }()

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(res.Body, maxAPIBody))
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	if err := sess.client.LogOut(ctx); err != nil {
		s.logger.WarnContext(ctx, "Clearing tokens failed", baseLogAttr, errAttr(err))
	}
	if err := sess.auth.RedirectPath().Clear(ctx); err != nil {
		s.logger.WarnContext(ctx, "Clearing redirect path failed", baseLogAttr, errAttr(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
