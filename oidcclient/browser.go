package oidcclient

import (
	"net/http"
	"net/url"
)

// Browser is the navigation surface of the host application.
type Browser interface {
	// URL returns the current location, including query and fragment.
	URL() *url.URL
	// Navigate performs a full page navigation to target. In memory state of
	// the application should be assumed lost afterwards.
	Navigate(target string)
	// ReplaceURL swaps the current history entry for target without
	// navigating.
	ReplaceURL(target string)
}

// RequestBrowser adapts a single server side HTTP request to Browser. Each
// request is one page load: navigation is an HTTP redirect, and URL
// replacement is not possible, so it is only recorded.
type RequestBrowser struct {
	W http.ResponseWriter
	R *http.Request

	navigatedTo string
	replacedURL string
}

var _ Browser = (*RequestBrowser)(nil)

func (b *RequestBrowser) URL() *url.URL {
	u := *b.R.URL
	if u.Host == "" {
		u.Host = b.R.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if b.R.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}

// Path returns the application path of the request, with its query.
func (b *RequestBrowser) Path() string {
	return b.R.URL.RequestURI()
}

func (b *RequestBrowser) Navigate(target string) {
	b.navigatedTo = target
	http.Redirect(b.W, b.R, target, http.StatusFound)
}

func (b *RequestBrowser) ReplaceURL(target string) {
	b.replacedURL = target
}

// Navigated returns the target of the navigation performed during this
// request, if any.
func (b *RequestBrowser) Navigated() (string, bool) {
	return b.navigatedTo, b.navigatedTo != ""
}
