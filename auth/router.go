package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPath is returned for paths that do not parse.
var ErrInvalidPath = errors.New("invalid application path")

// PathRouter builds targets from application paths. Paths may carry a query
// and fragment. Leading slashes are collapsed, so a stored "//host" can never
// become a URL on another host.
type PathRouter struct {
	// Base is resolved against when set, e.g. to produce absolute URLs.
	Base *url.URL
}

var _ Router = PathRouter{}

func (r PathRouter) CreateURLTree(commands ...string) (*url.URL, error) {
	var segs []string
	for _, c := range commands {
		c = strings.TrimLeft(c, "/")
		if c = strings.TrimSuffix(c, "/"); c != "" {
			segs = append(segs, c)
		}
	}
	ref, err := url.Parse("/" + strings.Join(segs, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing %v: %w", commands, ErrInvalidPath)
	}

	if r.Base == nil {
		return ref, nil
	}
	return r.Base.ResolveReference(ref), nil
}
