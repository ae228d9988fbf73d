// Package guard decides whether a route may be entered, starting the login
// redirect or a post login navigation when it may not.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"lds.li/oidcflow/auth"
	"lds.li/oidcflow/metrics"
)

var baseLogAttr = slog.String("component", "guard")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Authenticator is the part of *auth.Service the gate needs.
type Authenticator interface {
	StartAuthenticationFlow(ctx context.Context) (bool, error)
	ResolveRedirectTarget(ctx context.Context) (auth.Resolution, error)
}

var _ Authenticator = (*auth.Service)(nil)

// Decision is the outcome of an activation attempt. Exactly one of three
// states holds: allowed, redirect, or denied.
type Decision struct {
	// Allowed means the requested route can be shown.
	Allowed bool
	// Redirect is set when the router should go here instead.
	Redirect *url.URL
}

// Denied reports whether activation was refused outright. The login redirect
// is already under way in that case, so the caller should do nothing more.
func (d Decision) Denied() bool {
	return !d.Allowed && d.Redirect == nil
}

func (d Decision) String() string {
	switch {
	case d.Allowed:
		return metrics.DecisionAllowed
	case d.Redirect != nil:
		return metrics.DecisionRedirect
	default:
		return metrics.DecisionDenied
	}
}

// Gate guards route activation.
type Gate struct {
	Auth Authenticator
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CanActivate settles the authentication state, then decides. Errors from the
// login round trip are returned as is; no decision is made for them.
func (g *Gate) CanActivate(ctx context.Context) (Decision, error) {
	start := time.Now()

	if _, err := g.Auth.StartAuthenticationFlow(ctx); err != nil {
		g.Metrics.ObserveGuard(metrics.DecisionError, start)
		return Decision{}, err
	}

	res, err := g.Auth.ResolveRedirectTarget(ctx)
	if err != nil {
		g.Metrics.ObserveGuard(metrics.DecisionError, start)
		return Decision{}, err
	}

	var d Decision
	switch res.Kind {
	case auth.Blocked:
	case auth.NoRedirectNeeded:
		d.Allowed = true
	case auth.NavigateTo:
		d.Redirect = res.Target
	default:
		g.Metrics.ObserveGuard(metrics.DecisionError, start)
		return Decision{}, fmt.Errorf("unknown redirect resolution %d", res.Kind)
	}

	g.Metrics.ObserveGuard(d.String(), start)
	g.logger().DebugContext(ctx, "Route activation decided", baseLogAttr, slog.String("decision", d.String()))
	return d, nil
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
