package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/config"
	"github.com/objectql/flowcore/model"
)

// tokenLeeway absorbs clock skew between the identity provider and this
// service when validating exp/nbf.
const tokenLeeway = 30 * time.Second

// JWKSClient fetches the identity provider's JSON Web Key Set and caches
// the parsed public keys by key ID. A failed refresh falls back to the
// cached keys so token verification survives transient IdP outages.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// JWKSOption configures a JWKSClient.
type JWKSOption func(*JWKSClient)

// WithJWKSLogger sets the client logger.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSClient) { c.logger = logger }
}

// WithJWKSHTTPClient overrides the HTTP client used for fetches.
func WithJWKSHTTPClient(hc *http.Client) JWKSOption {
	return func(c *JWKSClient) { c.httpClient = hc }
}

// NewJWKSClient creates a client for the given JWKS URL. Keys are cached
// for ttl; refreshes are additionally rate limited so a burst of tokens
// with unknown kids cannot hammer the provider.
func NewJWKSClient(url string, ttl time.Duration, opts ...JWKSOption) *JWKSClient {
	c := &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		keys:       make(map[string]crypto.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the public key for kid, refreshing the cached set when it
// is stale or the kid is unknown.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, fresh := c.cached(kid); fresh {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		// Degraded mode: a stale key still verifies signatures.
		c.mu.RLock()
		key, held := c.keys[kid]
		c.mu.RUnlock()
		if held {
			c.logger.Warn("jwks refresh failed, serving cached key",
				zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	c.mu.RLock()
	key, held := c.keys[kid]
	c.mu.RUnlock()
	if !held {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

// cached returns the key for kid when it is present and within ttl.
func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, held := c.keys[kid]
	return key, held && time.Since(c.lastFetch) <= c.ttl
}

// jsonWebKey is the subset of RFC 7517 this service verifies tokens with.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	tooSoon := time.Since(c.lastFetch) < c.minRefresh && len(c.keys) > 0
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped",
				zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	return nil
}

// publicKey materializes the JWK into a crypto.PublicKey. Key types other
// than RSA and EC are rejected.
func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N, "n")
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt(k.E, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt(k.X, "x")
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt(k.Y, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(raw, field string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token on every request against the
// identity config and stores the verified claims in the request context.
// The RequestContext builder downstream maps claims to identity fields.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return jwks.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, err := bearerToken(r)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(err.Error()))
				return
			}

			token, err := jwt.Parse(tokenStr, keyFunc,
				jwt.WithValidMethods(cfg.Algorithms),
				jwt.WithIssuer(cfg.Issuer),
				jwt.WithAudience(cfg.Audience),
				jwt.WithLeeway(tokenLeeway),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(describeTokenError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("Missing authorization header")
	}
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return "", errors.New("Invalid authorization header format")
	}
	return token, nil
}

// describeTokenError maps verification failures to stable client-facing
// messages without leaking parser internals.
func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token missing a required claim"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(err.Error(), "kid"), strings.Contains(err.Error(), "signing key"):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
