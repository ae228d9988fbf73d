package auth

import "net/url"

// ResolutionKind is the outcome of ResolveRedirectTarget.
type ResolutionKind int

const (
	// Blocked means the user is not authenticated and the login redirect has
	// been started.
	Blocked ResolutionKind = iota
	// NoRedirectNeeded means the user is authenticated and nothing was
	// waiting.
	NoRedirectNeeded
	// NavigateTo means the user just logged in and should be taken to Target.
	NavigateTo
)

func (k ResolutionKind) String() string {
	switch k {
	case Blocked:
		return "blocked"
	case NoRedirectNeeded:
		return "no_redirect_needed"
	case NavigateTo:
		return "navigate_to"
	default:
		return "unknown"
	}
}

type Resolution struct {
	Kind ResolutionKind
	// Target is set for NavigateTo.
	Target *url.URL
}
