package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/objectql/flowcore/internal/config"
)

// authFixture bundles a signing key, a JWKS endpoint serving its public
// half, and a client pointed at it.
type authFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	client *JWKSClient
	cfg    config.IdentityConfig
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	f := &authFixture{key: key, kid: "signer-1"}
	f.server = serveJWKS(t, rsaJWK(f.kid, &key.PublicKey))
	f.client = NewJWKSClient(f.server.URL, time.Hour)
	f.cfg = config.IdentityConfig{
		Issuer:     "https://auth.flowcore.test",
		Audience:   "flowcore-api",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
	return f
}

// token signs claims with the fixture key, layering overrides on top of a
// valid flowcore identity.
func (f *authFixture) token(t *testing.T, overrides map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       "user-requester",
		"tenant_id": "acme-corp",
		"email":     "requester@acme.example",
		"roles":     []string{"requester"},
		"iss":       f.cfg.Issuer,
		"aud":       f.cfg.Audience,
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return signToken(t, f.key, jwt.SigningMethodRS256, f.kid, claims)
}

func signToken(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func serveJWKS(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// authedStatus runs a request with the given bearer token through the
// authenticator and returns the recorder.
func (f *authFixture) authedStatus(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	handler := JWTAuthenticator(f.cfg, f.client)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ClaimsFrom(r.Context()) == nil {
			t.Error("verified claims missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestJWKSClient_key_types(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := serveJWKS(t,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-1", "kty": "oct"},
	)
	client := NewJWKSClient(srv.URL, time.Hour)

	got, err := client.GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := got.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Errorf("GetKey(rsa-1) = %T, want matching *rsa.PublicKey", got)
	}

	got, err = client.GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := got.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Errorf("GetKey(ec-1) = %T, want matching *ecdsa.PublicKey", got)
	}

	// Symmetric key types are never served for verification.
	if _, err := client.GetKey("oct-1"); err == nil {
		t.Error("GetKey(oct-1) should fail for an unsupported key type")
	}
}

func TestJWKSClient_unknown_kid(t *testing.T) {
	client := NewJWKSClient(serveJWKS(t).URL, time.Hour)
	if _, err := client.GetKey("nope"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSClient_caches_within_ttl(t *testing.T) {
	var fetches atomic.Int32
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{rsaJWK("k", &key.PublicKey)}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Hour)
	client.minRefresh = 0
	client.GetKey("k")
	client.GetKey("k")

	if n := fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times within ttl, want 1", n)
	}
}

func TestJWKSClient_degraded_on_refresh_failure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{rsaJWK("k", &key.PublicKey)}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Nanosecond)
	client.minRefresh = 0
	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	// Provider goes down after the cache expires; the stale key is served.
	broken.Store(true)
	time.Sleep(time.Millisecond)
	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("GetKey with failing provider = %v, want cached key", err)
	}
}

func TestJWTAuthenticator_valid_token(t *testing.T) {
	f := newAuthFixture(t)
	if w := f.authedStatus(t, f.token(t, nil)); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_valid_EC_token(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	f := newAuthFixture(t)
	f.client = NewJWKSClient(serveJWKS(t, ecJWK("ec-signer", &ecKey.PublicKey)).URL, time.Hour)

	token := signToken(t, ecKey, jwt.SigningMethodES256, "ec-signer", jwt.MapClaims{
		"sub": "user-requester", "tenant_id": "acme-corp",
		"iss": f.cfg.Issuer, "aud": f.cfg.Audience,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if w := f.authedStatus(t, token); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for ES256 token", w.Code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	f := newAuthFixture(t)

	wrongKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cases := []struct {
		name        string
		token       string
		wantMessage string
	}{
		{
			name:        "expired",
			token:       f.token(t, map[string]any{"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour))}),
			wantMessage: "Token expired",
		},
		{
			name:        "wrong issuer",
			token:       f.token(t, map[string]any{"iss": "https://rogue.example"}),
			wantMessage: "Invalid token issuer",
		},
		{
			name:        "wrong audience",
			token:       f.token(t, map[string]any{"aud": "some-other-api"}),
			wantMessage: "Invalid token audience",
		},
		{
			name:        "missing exp",
			token:       f.token(t, map[string]any{"exp": nil}),
			wantMessage: "Token missing a required claim",
		},
		{
			name:        "wrong signing key",
			token:       signToken(t, wrongKey, jwt.SigningMethodRS256, f.kid, jwt.MapClaims{"iss": f.cfg.Issuer, "aud": f.cfg.Audience, "exp": jwt.NewNumericDate(time.Now().Add(time.Hour))}),
			wantMessage: "Invalid token signature",
		},
		{
			name:        "unknown kid",
			token:       signToken(t, f.key, jwt.SigningMethodRS256, "retired-kid", jwt.MapClaims{"iss": f.cfg.Issuer, "aud": f.cfg.Audience, "exp": jwt.NewNumericDate(time.Now().Add(time.Hour))}),
			wantMessage: "Unknown signing key",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.authedStatus(t, tc.token)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			env := decodeErrorBody(t, w)
			if env.Message != tc.wantMessage {
				t.Errorf("message = %q, want %q", env.Message, tc.wantMessage)
			}
		})
	}
}

func TestJWTAuthenticator_header_handling(t *testing.T) {
	f := newAuthFixture(t)
	handler := JWTAuthenticator(f.cfg, f.client)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a bearer token")
	}))

	for name, header := range map[string]string{
		"missing header": "",
		"basic auth":     "Basic dXNlcjpwYXNz",
		"bare token":     f.token(t, nil),
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestJWTAuthenticator_disallowed_algorithm(t *testing.T) {
	f := newAuthFixture(t)
	f.cfg.Algorithms = []string{"ES256"}

	w := f.authedStatus(t, f.token(t, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for RS256 token under ES256-only config", w.Code)
	}
	if env := decodeErrorBody(t, w); env.Message != "Disallowed signing algorithm" {
		t.Errorf("message = %q, want Disallowed signing algorithm", env.Message)
	}
}

func TestJWTAuthenticator_clock_skew(t *testing.T) {
	f := newAuthFixture(t)
	// Expired 15 seconds ago, inside the verification leeway.
	token := f.token(t, map[string]any{"exp": jwt.NewNumericDate(time.Now().Add(-15 * time.Second))})
	if w := f.authedStatus(t, token); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 inside the clock-skew leeway", w.Code)
	}
}
