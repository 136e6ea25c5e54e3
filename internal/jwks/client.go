package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Validation failures, matched with errors.Is by callers.
var (
	ErrMalformed  = errors.New("malformed token")
	ErrExpired    = errors.New("token expired")
	ErrIssuer     = errors.New("invalid issuer")
	ErrAudience   = errors.New("invalid audience")
	ErrUnknownKey = errors.New("signing key not found")
	ErrSignature  = errors.New("invalid signature")
	ErrSubject    = errors.New("subject is not a wallet address")
)

// cacheTTL bounds how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key bytes
}

// Claims are the verified claims of a wallet token.
type Claims struct {
	Subject   common.Address
	Issuer    string
	ExpiresAt time.Time
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	keys      *JWKS
	expiresAt time.Time

	// signing key of a test client; nil otherwise
	testKey ed25519.PrivateKey
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// testKid is the key id tokens minted by a test client carry.
const testKid = "test"

// NewTestClient creates a client that trusts a freshly generated local key.
// Tokens for it are minted with Sign.
func NewTestClient() *Client {
	pub, priv, _ := ed25519.GenerateKey(nil)
	return &Client{
		now:     time.Now,
		testKey: priv,
		keys: &JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: testKid, Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}},
		expiresAt: time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Sign mints a token for subject with a test client's key.
func (c *Client) Sign(subject, issuer, audience string, ttl time.Duration) (string, error) {
	if c.testKey == nil {
		return "", errors.New("jwks: Sign requires a test client")
	}
	now := c.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": subject,
		"iss": issuer,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = testKid
	return tok.SignedString(c.testKey)
}

// fetchJWKS fetches the key set from the issuer
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var keys JWKS
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &keys, nil
}

// getJWKS retrieves the key set from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.mu.RLock()
	if c.keys != nil && c.now().Before(c.expiresAt) {
		keys := c.keys
		c.mu.RUnlock()
		return keys, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if c.keys != nil && c.now().Before(c.expiresAt) {
		return c.keys, nil
	}

	keys, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.expiresAt = c.now().Add(cacheTTL)
	return keys, nil
}

// publicKey resolves kid to an Ed25519 public key
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	keys, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" || key.Alg != "EdDSA" {
			return nil, fmt.Errorf("%w: unsupported key type %s/%s", ErrUnknownKey, key.Kty, key.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: bad public key encoding", ErrUnknownKey)
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, kid)
}

// ValidateJWT verifies tokenString and returns its claims. The subject must be a hex wallet address.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	var keyErr error
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			keyErr = fmt.Errorf("%w: missing kid", ErrMalformed)
			return nil, keyErr
		}
		key, err := c.publicKey(ctx, kid)
		if err != nil {
			keyErr = err
		}
		return key, err
	}

	token, err := parser.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc)
	if err != nil {
		switch {
		case keyErr != nil:
			return nil, keyErr
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrAudience
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims := token.Claims.(jwt.MapClaims)
	sub, _ := claims.GetSubject()
	if !common.IsHexAddress(sub) || !strings.HasPrefix(sub, "0x") {
		return nil, ErrSubject
	}
	out := &Claims{Subject: common.HexToAddress(sub)}
	out.Issuer, _ = claims.GetIssuer()
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
