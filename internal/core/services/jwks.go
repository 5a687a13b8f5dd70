package services

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"streamgate/pkg/cache"
)

const (
	jwksCacheMaxEntries = 5
	jwksCacheMaxAge     = 10 * time.Minute
)

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSClient fetches RSA public keys from a remote key-set endpoint,
// resolved by key id. Fetched keys are held in a bounded TTL cache so
// repeated verifications do not hammer the auth server and rotated keys
// age out within the freshness window.
type JWKSClient struct {
	uri        string
	httpClient *http.Client
	keys       *cache.Cache
}

func NewJWKSClient(uri string) *JWKSClient {
	return &JWKSClient{
		uri:        uri,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		keys:       cache.NewBounded(jwksCacheMaxAge, jwksCacheMaxEntries),
	}
}

// SigningKey returns the public key for the given key id, from cache or
// the remote endpoint.
func (c *JWKSClient) SigningKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v, err := c.keys.GetOrSet(ctx, kid, func(ctx context.Context) (interface{}, error) {
		return c.fetchKey(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (c *JWKSClient) fetchKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", c.uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS document: %w", err)
	}

	for _, key := range doc.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "RSA" {
			return nil, fmt.Errorf("key %s has unsupported type %s", kid, key.Kty)
		}
		return parseRSAKey(key)
	}

	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func parseRSAKey(key jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus for key %s: %w", key.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent for key %s: %w", key.Kid, err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent for key %s", key.Kid)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
