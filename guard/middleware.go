package guard

import (
	"log/slog"
	"net/http"

	"lds.li/oidcflow/metrics"
)

// AuthenticatorFactory returns the Authenticator for the session of r. Any
// login navigation it starts must be written to w.
type AuthenticatorFactory func(w http.ResponseWriter, r *http.Request) (Authenticator, error)

// Handler guards an http.Handler with a Gate per request.
type Handler struct {
	// Authenticators builds the per request Authenticator. Required.
	Authenticators AuthenticatorFactory
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Middleware returns a chi compatible middleware guarding with factory.
func Middleware(factory AuthenticatorFactory, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	h := &Handler{Authenticators: factory, Metrics: m, Logger: logger}
	return h.Wrap
}

// Wrap protects next. Allowed requests reach next, redirect decisions are
// sent as 303 to the target, and denied requests get nothing more as the
// authenticator has already sent the browser to log in.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		a, err := h.Authenticators(w, r)
		if err != nil {
			h.logger().ErrorContext(ctx, "Failed to set up authenticator", baseLogAttr, errAttr(err))
			http.Error(w, "Session unavailable", http.StatusInternalServerError)
			return
		}

		g := &Gate{Auth: a, Metrics: h.Metrics, Logger: h.Logger}
		d, err := g.CanActivate(ctx)
		if err != nil {
			h.logger().ErrorContext(ctx, "Route activation failed", baseLogAttr, errAttr(err))
			http.Error(w, "Authentication failed", http.StatusBadGateway)
			return
		}

		switch {
		case d.Allowed:
			next.ServeHTTP(w, r)
		case d.Redirect != nil:
			http.Redirect(w, r, d.Redirect.String(), http.StatusSeeOther)
		}
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
