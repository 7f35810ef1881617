// Package client verifies authfed access tokens inside backend services that
// share the signing key, without a round trip to the auth server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"

	"authfed/session"
)

// ValidatorConfig configures the token validator. Keys are symmetric JWKs;
// listing several lets a backend accept tokens across a key rotation.
type ValidatorConfig struct {
	KeySetFile string
	Keys       []session.Key
	// Algorithm applies to keys whose JWK carries no alg.
	Algorithm string
	// Leeway absorbs clock skew against the auth server. Zero means DefaultLeeway.
	Leeway time.Duration

	now func() time.Time
}

// DefaultLeeway is the clock skew tolerated when ValidatorConfig.Leeway is unset.
const DefaultLeeway = 30 * time.Second

// Validator verifies access tokens against one or more shared keys.
type Validator struct {
	issuers []*session.Issuer
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	Picture   string
	Provider  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewValidator loads the key set and builds a verifier per key.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	keys := append([]session.Key(nil), cfg.Keys...)
	if cfg.KeySetFile != "" {
		loaded, err := LoadKeySet(cfg.KeySetFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, loaded...)
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key required")
	}

	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}

	v := &Validator{}
	for _, k := range keys {
		if k.Algorithm == "" {
			k.Algorithm = cfg.Algorithm
		}
		// TTLs only matter when minting, which a Validator never does.
		sc := k.Config(session.DefaultAccessTTL, session.DefaultRefreshTTL)
		sc.Leeway = leeway
		sc.Now = cfg.now
		iss, err := session.NewIssuer(sc)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.ID, err)
		}
		v.issuers = append(v.issuers, iss)
	}
	return v, nil
}

// LoadKeySet reads a file holding either a single JWK or a JWK set.
func LoadKeySet(path string) ([]session.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err == nil && len(set.Keys) > 0 {
		keys := make([]session.Key, 0, len(set.Keys))
		for _, jwk := range set.Keys {
			raw, err := json.Marshal(jwk)
			if err != nil {
				return nil, fmt.Errorf("encode jwk %q: %w", jwk.KeyID, err)
			}
			k, err := session.KeyFromJWK(raw)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		return keys, nil
	}

	k, err := session.KeyFromJWK(data)
	if err != nil {
		return nil, err
	}
	return []session.Key{k}, nil
}

// Validate verifies rawToken as an access token. Refresh tokens are rejected.
func (v *Validator) Validate(rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	var lastErr error
	for _, iss := range v.issuers {
		c, err := iss.ClaimsOfKind(rawToken, session.KindAccess)
		if err != nil {
			lastErr = err
			continue
		}
		return mapClaims(c), nil
	}
	return nil, lastErr
}

// HasClaims ensures the named custom claims are present and non-empty.
func (v *Validator) HasClaims(claims *Claims, required ...string) error {
	for _, need := range required {
		val, ok := claims.Raw[need]
		if !ok || val == nil || val == "" {
			return fmt.Errorf("missing claim %s", need)
		}
	}
	return nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator, requiredClaims ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(strings.TrimSpace(parts[1]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasClaims(claims, requiredClaims...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func mapClaims(c session.Claims) *Claims {
	raw := make(map[string]any, len(c.Custom)+1)
	for k, val := range c.Custom {
		raw[k] = val
	}
	raw[session.ClaimSubject] = c.Subject

	str := func(key string) string {
		s, _ := c.Custom[key].(string)
		return s
	}
	return &Claims{
		Subject:   c.Subject,
		Email:     str("email"),
		Name:      str("name"),
		Picture:   str("picture"),
		Provider:  str("provider"),
		ExpiresAt: c.ExpiresAt,
		IssuedAt:  c.IssuedAt,
		Raw:       raw,
	}
}
