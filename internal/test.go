package internal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

type TestSigner struct {
	key *ecdsa.PrivateKey
	kid string
}

func NewTestSigner(t testing.TB) *TestSigner {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var randVal [4]byte
	if _, err := rand.Read(randVal[:]); err != nil {
		t.Fatal(err)
	}

	return &TestSigner{key: key, kid: base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randVal[:])}
}

func (t *TestSigner) Sign(claims any) (string, error) {
	claimsBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       t.key,
	}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"kid": t.kid},
	})
	if err != nil {
		return "", err
	}

	sig, err := signer.Sign(claimsBytes)
	if err != nil {
		return "", err
	}

	return sig.CompactSerialize()
}

func (t *TestSigner) JWKS() []byte {
	jwks := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				KeyID:     t.kid,
				Key:       &t.key.PublicKey,
				Algorithm: string(jose.ES256),
				Use:       "sig",
			},
		},
	}
	jwksb, err := json.Marshal(jwks)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal JWKS: %v", err))
	}
	return jwksb
}

type testGrant struct {
	nonce     string
	challenge string
}

// TestProvider is an in process OIDC provider. It serves discovery, keys and
// a token endpoint that supports the authorization code grant with PKCE and
// the refresh token grant.
type TestProvider struct {
	Server   *httptest.Server
	Signer   *TestSigner
	ClientID string
	Subject  string

	// AccessTokenTTL defaults to an hour.
	AccessTokenTTL time.Duration
	// OmitIDToken makes the token endpoint leave out the id_token.
	OmitIDToken bool

	mu            sync.Mutex
	codes         map[string]testGrant
	refreshTokens map[string]bool
	tokenRequests int
}

func NewTestProvider(t testing.TB, clientID string) *TestProvider {
	tp := &TestProvider{
		Signer:        NewTestSigner(t),
		ClientID:      clientID,
		Subject:       "test-subject",
		codes:         map[string]testGrant{},
		refreshTokens: map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                tp.Issuer(),
			"authorization_endpoint":                tp.Issuer() + "/authorize",
			"token_endpoint":                        tp.Issuer() + "/token",
			"jwks_uri":                              tp.Issuer() + "/jwks",
			"id_token_signing_alg_values_supported": []string{"ES256"},
			"code_challenge_methods_supported":      []string{"S256"},
		})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(tp.Signer.JWKS())
	})
	mux.HandleFunc("POST /token", tp.handleToken)

	tp.Server = httptest.NewServer(mux)
	t.Cleanup(tp.Server.Close)
	return tp
}

func (tp *TestProvider) Issuer() string {
	return tp.Server.URL
}

// TokenRequests returns how many token endpoint calls succeeded.
func (tp *TestProvider) TokenRequests() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.tokenRequests
}

// Authorize acts as the user approving the login at authURL, returning the
// redirect URI with the issued code and the echoed state.
func (tp *TestProvider) Authorize(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("client_id") != tp.ClientID {
		return "", fmt.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
	if m := q.Get("code_challenge_method"); m != "" && m != "S256" {
		return "", fmt.Errorf("unsupported code_challenge_method %q", m)
	}

	code := uuid.NewString()
	tp.mu.Lock()
	tp.codes[code] = testGrant{nonce: q.Get("nonce"), challenge: q.Get("code_challenge")}
	tp.mu.Unlock()

	cb, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		return "", err
	}
	cbq := cb.Query()
	cbq.Set("code", code)
	cbq.Set("state", q.Get("state"))
	cb.RawQuery = cbq.Encode()
	return cb.String(), nil
}

// IDToken signs an ID token for the configured subject.
func (tp *TestProvider) IDToken(nonce string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := map[string]any{
		"iss":   tp.Issuer(),
		"aud":   tp.ClientID,
		"sub":   tp.Subject,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"email": tp.Subject + "@example.com",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return tp.Signer.Sign(claims)
}

func (tp *TestProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != tp.ClientID {
		tokenError(w, "invalid_client")
		return
	}

	var nonce string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		tp.mu.Lock()
		g, ok := tp.codes[r.PostForm.Get("code")]
		delete(tp.codes, r.PostForm.Get("code"))
		tp.mu.Unlock()
		if !ok {
			tokenError(w, "invalid_grant")
			return
		}
		if g.challenge != "" {
			sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
				tokenError(w, "invalid_grant")
				return
			}
		}
		nonce = g.nonce
	case "refresh_token":
		tp.mu.Lock()
		ok := tp.refreshTokens[r.PostForm.Get("refresh_token")]
		tp.mu.Unlock()
		if !ok {
			tokenError(w, "invalid_grant")
			return
		}
	default:
		tokenError(w, "unsupported_grant_type")
		return
	}

	ttl := tp.AccessTokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	resp := map[string]any{
		"access_token":  uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    int(ttl.Seconds()),
		"refresh_token": uuid.NewString(),
	}
	if !tp.OmitIDToken {
		idt, err := tp.IDToken(nonce, ttl)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = idt
	}

	tp.mu.Lock()
	tp.refreshTokens[resp["refresh_token"].(string)] = true
	tp.tokenRequests++
	tp.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
