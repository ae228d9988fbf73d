package augment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"lds.li/oidcflow/metrics"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, bool) {
	return string(s), s != ""
}

// recordingTransport stands in for the network and remembers what it was
// sent.
type recordingTransport struct {
	reqs []*http.Request
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.reqs = append(r.reqs, req)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Request: req}, nil
}

func (r *recordingTransport) lastAuth(t *testing.T) string {
	t.Helper()
	if len(r.reqs) == 0 {
		t.Fatal("no request reached the base transport")
	}
	return r.reqs[len(r.reqs)-1].Header.Get("Authorization")
}

func roundTrip(t *testing.T, tr http.RoundTripper, target string) {
	t.Helper()
	res, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("round trip %s: %v", target, err)
	}
	_ = res.Body.Close()
}

func TestTransport_LiteralPrefix(t *testing.T) {
	base := &recordingTransport{}
	tr := &Transport{
		Auth:     staticToken("T"),
		Prefixes: []URLPrefix{Prefix("/api")},
		Base:     base,
	}

	roundTrip(t, tr, "/api/foo")
	if got := base.lastAuth(t); got != "Bearer T" {
		t.Errorf("/api/foo Authorization = %q, want Bearer T", got)
	}

	roundTrip(t, tr, "/other")
	if got := base.lastAuth(t); got != "" {
		t.Errorf("/other Authorization = %q, want none", got)
	}
}

type prefixService struct {
	prefix string
	delay  time.Duration
	calls  atomic.Int32
}

func (s *prefixService) asyncPrefix() PrefixValue {
	return Pending(func(ctx context.Context) (string, error) {
		s.calls.Add(1)
		select {
		case <-time.After(s.delay):
			return s.prefix, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}

func TestTransport_DeferredPrefix(t *testing.T) {
	svcs := NewRegistry()
	svcs.Register("prefixes", &prefixService{prefix: "/async-prefix", delay: 10 * time.Millisecond})

	base := &recordingTransport{}
	tr := &Transport{
		Auth: staticToken("T"),
		Prefixes: []URLPrefix{
			LoadPrefix("prefixes", (*prefixService).asyncPrefix),
			Prefix("/api"),
		},
		Services: svcs,
		Base:     base,
	}

	got, err := tr.ResolvePrefixes(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/api", "/async-prefix"}, got); diff != "" {
		t.Errorf("resolved prefixes (-want +got):\n%s", diff)
	}

	roundTrip(t, tr, "/async-prefix/x")
	if got := base.lastAuth(t); got != "Bearer T" {
		t.Errorf("Authorization = %q, want Bearer T", got)
	}
}

func TestTransport_SkipPrefixShortCircuits(t *testing.T) {
	svc := &prefixService{prefix: "/api"}
	svcs := NewRegistry()
	svcs.Register("prefixes", svc)

	base := &recordingTransport{}
	tr := &Transport{
		Auth:         staticToken("T"),
		Prefixes:     []URLPrefix{LoadPrefix("prefixes", (*prefixService).asyncPrefix)},
		SkipPrefixes: []string{"/api/public"},
		Services:     svcs,
		Base:         base,
	}

	roundTrip(t, tr, "/api/public/logo.png")
	if got := base.lastAuth(t); got != "" {
		t.Errorf("Authorization = %q on skipped request", got)
	}
	if n := svc.calls.Load(); n != 0 {
		t.Errorf("deferred prefix resolved %d times for a skipped request", n)
	}

	roundTrip(t, tr, "/api/private")
	if got := base.lastAuth(t); got != "Bearer T" {
		t.Errorf("Authorization = %q, want Bearer T", got)
	}
	if n := svc.calls.Load(); n != 1 {
		t.Errorf("deferred prefix resolved %d times, want 1", n)
	}
}

func TestTransport_ImmediateDeferredPrefix(t *testing.T) {
	type config struct{ apiURL string }

	svcs := NewRegistry()
	svcs.Register("config", config{apiURL: "https://api.example.com/"})

	base := &recordingTransport{}
	tr := &Transport{
		Auth: staticToken("T"),
		Prefixes: []URLPrefix{
			LoadPrefix("config", func(c config) PrefixValue { return Ready(c.apiURL) }),
		},
		Services: svcs,
		Base:     base,
	}

	roundTrip(t, tr, "https://api.example.com/v1/things")
	if got := base.lastAuth(t); got != "Bearer T" {
		t.Errorf("Authorization = %q, want Bearer T", got)
	}
	roundTrip(t, tr, "https://api.example.com.evil.example/v1")
	if got := base.lastAuth(t); got != "" {
		t.Errorf("token sent to look-alike host")
	}
}

func TestTransport_PendingPrefixesRunConcurrently(t *testing.T) {
	// each pending prefix waits for the other to start.
	aStarted, bStarted := make(chan struct{}), make(chan struct{})
	await := func(mine, other chan struct{}, prefix string) PrefixValue {
		return Pending(func(ctx context.Context) (string, error) {
			close(mine)
			select {
			case <-other:
				return prefix, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	}

	svcs := NewRegistry()
	svcs.Register("svc", struct{}{})
	tr := &Transport{
		Prefixes: []URLPrefix{
			LoadPrefix("svc", func(struct{}) PrefixValue { return await(aStarted, bStarted, "/a") }),
			LoadPrefix("svc", func(struct{}) PrefixValue { return await(bStarted, aStarted, "/b") }),
		},
		Services: svcs,
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	got, err := tr.ResolvePrefixes(ctx)
	if err != nil {
		t.Fatalf("pending prefixes were not resolved concurrently: %v", err)
	}
	if diff := cmp.Diff([]string{"/a", "/b"}, got); diff != "" {
		t.Errorf("resolved prefixes (-want +got):\n%s", diff)
	}
}

func TestTransport_EmptyDeferredPrefixWarns(t *testing.T) {
	svcs := NewRegistry()
	svcs.Register("ready", struct{}{})
	svcs.Register("pending", struct{}{})

	var logs bytes.Buffer
	base := &recordingTransport{}
	tr := &Transport{
		Auth: staticToken("T"),
		Prefixes: []URLPrefix{
			LoadPrefix("ready", func(struct{}) PrefixValue { return Ready("") }),
			LoadPrefix("pending", func(struct{}) PrefixValue {
				return Pending(func(context.Context) (string, error) { return "", nil })
			}),
		},
		Services: svcs,
		Base:     base,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	}

	roundTrip(t, tr, "https://api.example.com/v1")
	if got := base.lastAuth(t); got != "" {
		t.Errorf("empty prefix attached a token: %q", got)
	}
	for _, svc := range []string{"service=ready", "service=pending"} {
		if !strings.Contains(logs.String(), svc) {
			t.Errorf("no warning for %s in logs:\n%s", svc, logs.String())
		}
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("empty prefix not logged as a warning:\n%s", logs.String())
	}
}

func TestTransport_ResolutionErrors(t *testing.T) {
	boom := errors.New("boom")

	svcs := NewRegistry()
	svcs.Register("failing", struct{}{})
	svcs.Register("wrong", 42)

	for _, tc := range []struct {
		name    string
		prefix  URLPrefix
		wantErr error
	}{
		{
			name:    "unregistered",
			prefix:  LoadPrefix("missing", func(struct{}) PrefixValue { return Ready("/x") }),
			wantErr: ErrServiceNotRegistered,
		},
		{
			name:    "wrong type",
			prefix:  LoadPrefix("wrong", func(string) PrefixValue { return Ready("/x") }),
			wantErr: ErrServiceType,
		},
		{
			name: "pending fails",
			prefix: LoadPrefix("failing", func(struct{}) PrefixValue {
				return Pending(func(context.Context) (string, error) { return "", boom })
			}),
			wantErr: boom,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := metrics.New(prometheus.NewRegistry())
			base := &recordingTransport{}
			tr := &Transport{
				Auth:     staticToken("T"),
				Prefixes: []URLPrefix{Prefix("/api"), tc.prefix},
				Services: svcs,
				Base:     base,
				Metrics:  m,
			}

			_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "/api/x", nil))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want error %v, got: %v", tc.wantErr, err)
			}
			if len(base.reqs) != 0 {
				t.Error("request was sent despite resolution failure")
			}
			if got := testutil.ToFloat64(m.AugmentRequests.WithLabelValues(metrics.RequestError)); got != 1 {
				t.Errorf("error count = %v, want 1", got)
			}
		})
	}
}

func TestTransport_NilRegistry(t *testing.T) {
	tr := &Transport{Prefixes: []URLPrefix{LoadPrefix("svc", func(any) PrefixValue { return Ready("/x") })}}
	if _, err := tr.ResolvePrefixes(t.Context()); !errors.Is(err, ErrServiceNotRegistered) {
		t.Fatalf("want ErrServiceNotRegistered, got: %v", err)
	}
}

func TestTransport_NoToken(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	base := &recordingTransport{}
	tr := &Transport{
		Auth:     staticToken(""),
		Prefixes: []URLPrefix{Prefix("/api")},
		Base:     base,
		Metrics:  m,
	}

	roundTrip(t, tr, "/api/foo")
	if got := base.lastAuth(t); got != "" {
		t.Errorf("Authorization = %q without a token", got)
	}
	if got := testutil.ToFloat64(m.AugmentRequests.WithLabelValues(metrics.RequestNoToken)); got != 1 {
		t.Errorf("no_token count = %v, want 1", got)
	}
}

func TestTransport_DoesNotMutateRequest(t *testing.T) {
	base := &recordingTransport{}
	tr := &Transport{
		Auth:     staticToken("T"),
		Prefixes: []URLPrefix{Prefix("/api")},
		Base:     base,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/foo", nil)
	req.Header.Set("Authorization", "Basic old")

	res, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()

	if got := req.Header.Get("Authorization"); got != "Basic old" {
		t.Errorf("original request Authorization changed to %q", got)
	}
	if got := base.lastAuth(t); got != "Bearer T" {
		t.Errorf("sent Authorization = %q, want Bearer T", got)
	}
	if base.reqs[0] == req {
		t.Error("original request was sent instead of a clone")
	}
}

func TestTransport_Origin(t *testing.T) {
	origin, _ := url.Parse("https://app.example.com")

	for _, tc := range []struct {
		name   string
		origin *url.URL
		target string
		want   string
	}{
		{name: "no host", target: "/api/x", want: "Bearer T"},
		{name: "same origin", origin: origin, target: "https://app.example.com/api/x", want: "Bearer T"},
		{name: "same origin, case", origin: origin, target: "https://APP.example.com/api/x", want: "Bearer T"},
		{name: "other host", origin: origin, target: "https://other.example.com/api/x"},
		{name: "other scheme", origin: origin, target: "http://app.example.com/api/x"},
		{name: "host without origin", target: "https://app.example.com/api/x"},
		{name: "query counts", origin: origin, target: "https://app.example.com/apix?y=1", want: "Bearer T"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			base := &recordingTransport{}
			tr := &Transport{
				Auth:     staticToken("T"),
				Prefixes: []URLPrefix{Prefix("/api")},
				Origin:   tc.origin,
				Base:     base,
			}
			roundTrip(t, tr, tc.target)
			if got := base.lastAuth(t); got != tc.want {
				t.Errorf("Authorization = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTransport_WithHTTPClient(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	hc := &http.Client{Transport: &Transport{
		Auth:     staticToken("T"),
		Prefixes: []URLPrefix{Prefix(srv.URL + "/api/")},
	}}

	res, err := hc.Get(srv.URL + "/api/things")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()

	if got := <-gotAuth; got != "Bearer T" {
		t.Errorf("server saw Authorization %q", got)
	}
}

func TestTransport_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	tr := &Transport{
		Auth:         staticToken("T"),
		Prefixes:     []URLPrefix{Prefix("/api")},
		SkipPrefixes: []string{"/api/public"},
		Base:         &recordingTransport{},
		Metrics:      m,
	}

	roundTrip(t, tr, "/api/x")
	roundTrip(t, tr, "/api/public/x")
	roundTrip(t, tr, "/other")

	for outcome, want := range map[string]float64{
		metrics.RequestAugmented: 1,
		metrics.RequestSkipped:   1,
		metrics.RequestUnmatched: 1,
	} {
		if got := testutil.ToFloat64(m.AugmentRequests.WithLabelValues(outcome)); got != want {
			t.Errorf("%s = %v, want %v", outcome, got, want)
		}
	}
}
