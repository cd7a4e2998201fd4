package auth

import (
	"context"
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
	"time"

	"github.com/IolandaManzali/litellm/internal/cache"
)

// keySetCacheKey is the single well-known cache slot the verification key
// set lives under. Refreshes replace it wholesale.
const keySetCacheKey = "auth:jwks"

const defaultKeySetTTL = time.Hour

// jwk is the subset of RFC 7517 fields the gateway reads. Unknown fields
// and unsupported key types are skipped, not rejected.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`

	// RSA
	N string `json:"n"`
	E string `json:"e"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// KeyRecord is one usable verification key from the key set.
type KeyRecord struct {
	Kid string
	Kty string
	Key crypto.PublicKey
}

// KeySet is the parsed verification key set.
type KeySet struct {
	Keys []KeyRecord
}

// KeySetSource fetches the verification key set over HTTP and caches the
// raw document. Load serves from cache; Refresh bypasses it and replaces
// the cached document.
type KeySetSource struct {
	url        string
	ttl        time.Duration
	cache      cache.Cache
	httpClient *http.Client
}

// NewKeySetSource builds a source for the given endpoint. The cache may be
// nil, in which case every Load fetches.
func NewKeySetSource(url string, c cache.Cache, ttl time.Duration) *KeySetSource {
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	return &KeySetSource{
		url:        url,
		ttl:        ttl,
		cache:      c,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Load returns the key set, serving the cached document when present.
func (s *KeySetSource) Load(ctx context.Context) (*KeySet, error) {
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, keySetCacheKey); ok {
			ks, err := parseKeySet(raw)
			if err == nil {
				return ks, nil
			}
			// A corrupt cached document falls through to a fetch.
		}
	}
	return s.Refresh(ctx)
}

// Refresh fetches the key set from the endpoint and replaces the cached
// document with the response.
func (s *KeySetSource) Refresh(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build key set request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: fetch key set: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("auth: read key set: %w", err)
	}

	ks, err := parseKeySet(raw)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, keySetCacheKey, raw, s.ttl)
	}
	return ks, nil
}

func parseKeySet(raw []byte) (*KeySet, error) {
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("auth: parse key set: %w", err)
	}
	if len(doc.Keys) == 0 {
		return nil, errors.New("auth: key set holds no keys")
	}

	ks := &KeySet{}
	for _, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			// Skip keys of unsupported type rather than failing the set.
			continue
		}
		ks.Keys = append(ks.Keys, KeyRecord{Kid: k.Kid, Kty: k.Kty, Key: pub})
	}
	if len(ks.Keys) == 0 {
		return nil, errors.New("auth: key set holds no usable signature keys")
	}
	return ks, nil
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, fmt.Errorf("auth: rsa modulus: %w", err)
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return nil, fmt.Errorf("auth: rsa exponent: %w", err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := curveByName(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, fmt.Errorf("auth: ec x coordinate: %w", err)
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, fmt.Errorf("auth: ec y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("auth: unsupported curve %q", name)
	}
}
