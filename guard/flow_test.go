package guard

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lds.li/oidcflow/auth"
	"lds.li/oidcflow/internal"
	"lds.li/oidcflow/oidcclient"
	"lds.li/oidcflow/storage"
)

// TestLoginRoundTrip drives a protected server through a full login against
// an in process provider.
func TestLoginRoundTrip(t *testing.T) {
	tp := internal.NewTestProvider(t, "flow-client")
	provider := oidcclient.NewProvider(tp.Issuer())

	// one browser session.
	session := storage.NewMemStorage()
	tokens := storage.NewMemStorage()

	var params oidcclient.Params
	factory := func(w http.ResponseWriter, r *http.Request) (Authenticator, error) {
		b := &oidcclient.RequestBrowser{W: w, R: r}
		svc, err := auth.New(auth.Deps{
			Client:         &oidcclient.Client{Browser: b, Provider: provider},
			Router:         auth.PathRouter{},
			Location:       b,
			SessionStorage: session,
			LocalStorage:   tokens,
		})
		if err != nil {
			return nil, err
		}
		if err := svc.Configure(params); err != nil {
			return nil, err
		}
		return svc, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/app/", Middleware(factory, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	})))
	app := httptest.NewServer(mux)
	t.Cleanup(app.Close)

	params = oidcclient.Params{
		Issuer:       tp.Issuer(),
		ClientID:     "flow-client",
		RedirectURI:  app.URL + "/app/callback",
		ResponseType: "code",
		Scope:        "openid profile",
	}

	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	get := func(t *testing.T, u string) *http.Response {
		t.Helper()
		res, err := hc.Get(u)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = res.Body.Close() })
		return res
	}

	// unauthenticated: sent to the provider.
	res := get(t, app.URL+"/app/applications?tab=1")
	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusFound)
	}
	authURL := res.Header.Get("Location")
	if !strings.HasPrefix(authURL, tp.Issuer()+"/authorize") {
		t.Fatalf("redirected to %s, want the provider", authURL)
	}

	// the provider sends the browser back, and the app returns the user to
	// where they were headed.
	cb, err := tp.Authorize(authURL)
	if err != nil {
		t.Fatal(err)
	}
	res = get(t, cb)
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("callback status = %d, want %d", res.StatusCode, http.StatusSeeOther)
	}
	if got := res.Header.Get("Location"); got != "/app/applications?tab=1" {
		t.Fatalf("callback redirected to %s", got)
	}

	res = get(t, app.URL+"/app/applications?tab=1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello /app/applications" {
		t.Errorf("body = %q", body)
	}

	// the pending path was consumed.
	res = get(t, app.URL+"/app/other")
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := tp.TokenRequests(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
}
