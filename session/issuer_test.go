package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"authfed/autherr"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, mutate func(*Config)) *Issuer {
	t.Helper()
	cfg := Config{
		Secret:     testSecret,
		AccessTTL:  time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	iss, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestAccessTokenRoundTrip(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, err := iss.GenerateAccessToken("108234", map[string]any{"email": "a@b.com", "admin": true})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}

	sub, err := iss.Subject(token)
	if err != nil {
		t.Fatalf("Subject returned error: %v", err)
	}
	if sub != "108234" {
		t.Fatalf("subject mismatch: %q", sub)
	}

	claims, err := iss.Claims(token)
	if err != nil {
		t.Fatalf("Claims returned error: %v", err)
	}
	if claims.Custom["email"] != "a@b.com" || claims.Custom["admin"] != true {
		t.Fatalf("custom claims lost: %+v", claims.Custom)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("unexpected kind %q", claims.Kind)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != time.Minute {
		t.Fatalf("unexpected lifetime %v", got)
	}
	if !iss.IsValid(token) {
		t.Fatalf("fresh token should be valid")
	}
}

func TestSubjectOverridesCustomClaim(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, err := iss.GenerateAccessToken("real-subject", map[string]any{"sub": "forged", "role": "user"})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}
	claims, err := iss.Claims(token)
	if err != nil {
		t.Fatalf("Claims returned error: %v", err)
	}
	if claims.Subject != "real-subject" {
		t.Fatalf("custom sub overrode subject: %q", claims.Subject)
	}
	if _, ok := claims.Custom["sub"]; ok {
		t.Fatalf("sub must not appear among custom claims")
	}
}

func TestReservedClaimsOwnedByIssuer(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, err := iss.GenerateAccessToken("user", map[string]any{
		"exp":       float64(1),
		"iat":       float64(1),
		"token_use": "refresh",
	})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}
	claims, err := iss.Claims(token)
	if err != nil {
		t.Fatalf("reserved claims from caller should have been overwritten: %v", err)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("token_use overridden by caller: %q", claims.Kind)
	}
}

func TestRefreshTokenCarriesOnlyTimingClaims(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, err := iss.GenerateRefreshToken("user")
	if err != nil {
		t.Fatalf("GenerateRefreshToken returned error: %v", err)
	}
	claims, err := iss.Claims(token)
	if err != nil {
		t.Fatalf("Claims returned error: %v", err)
	}
	if claims.Subject != "user" || claims.Kind != KindRefresh {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Custom) != 0 {
		t.Fatalf("refresh token must not carry custom claims: %+v", claims.Custom)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != 24*time.Hour {
		t.Fatalf("unexpected lifetime %v", got)
	}
}

func TestClaimsOfKindRejectsOtherKind(t *testing.T) {
	iss := newTestIssuer(t, nil)

	access, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	refresh, err := iss.GenerateRefreshToken("user")
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}

	if _, err := iss.ClaimsOfKind(access, KindAccess); err != nil {
		t.Fatalf("access token rejected as access: %v", err)
	}
	if _, err := iss.ClaimsOfKind(refresh, KindRefresh); err != nil {
		t.Fatalf("refresh token rejected as refresh: %v", err)
	}
	if _, err := iss.ClaimsOfKind(refresh, KindAccess); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	if _, err := iss.ClaimsOfKind(access, KindRefresh); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
	if !iss.IsValid(refresh) {
		t.Fatalf("IsValid accepts either kind")
	}
}

func TestEmptySubjectRejected(t *testing.T) {
	iss := newTestIssuer(t, nil)

	if _, err := iss.GenerateAccessToken("", nil); !errors.Is(err, autherr.ErrInvalidSubject) {
		t.Fatalf("expected invalid subject, got %v", err)
	}
	if _, err := iss.GenerateRefreshToken("  "); !errors.Is(err, autherr.ErrInvalidSubject) {
		t.Fatalf("expected invalid subject, got %v", err)
	}
}

func TestExpiredTokenInvalid(t *testing.T) {
	iss := newTestIssuer(t, func(c *Config) { c.AccessTTL = -time.Minute })

	token, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if iss.IsValid(token) {
		t.Fatalf("expired token reported valid")
	}
	if _, err := iss.Subject(token); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected token invalid, got %v", err)
	}
	if _, err := iss.Claims(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expiry cause, got %v", err)
	}
}

func TestTokenExpiresAfterClockAdvances(t *testing.T) {
	iss := newTestIssuer(t, nil)
	start := time.Now()
	iss.now = func() time.Time { return start }

	token, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if !iss.IsValid(token) {
		t.Fatalf("token should be valid right after issue")
	}

	iss.now = func() time.Time { return start.Add(2 * time.Minute) }
	if iss.IsValid(token) {
		t.Fatalf("token should be invalid once expired")
	}
}

func TestForeignKeyRejected(t *testing.T) {
	signer := newTestIssuer(t, func(c *Config) { c.Secret = []byte("ffffffffffffffffffffffffffffffff") })
	verifier := newTestIssuer(t, nil)

	token, err := signer.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if verifier.IsValid(token) {
		t.Fatalf("token signed with another key must not verify")
	}
	if _, err := verifier.Claims(token); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected token invalid, got %v", err)
	}
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	iss := newTestIssuer(t, nil)
	now := time.Now()
	claims := jwt.MapClaims{"sub": "user", "iat": now.Unix(), "exp": now.Add(time.Hour).Unix()}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign hs512: %v", err)
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	rs256, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rsaKey)
	if err != nil {
		t.Fatalf("sign rs256: %v", err)
	}

	for name, token := range map[string]string{"none": none, "HS512": hs512, "RS256": rs256} {
		if iss.IsValid(token) {
			t.Fatalf("%s token accepted by HS256 issuer", name)
		}
	}
}

func TestTamperedAndMalformedTokens(t *testing.T) {
	iss := newTestIssuer(t, nil)
	token, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	parts := strings.Split(token, ".")

	forged := jwt.MapClaims{"sub": "admin", "iat": time.Now().Unix(), "exp": time.Now().Add(time.Hour).Unix()}
	payload, _ := json.Marshal(forged)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(payload) + "." + parts[2]

	for name, raw := range map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"two parts":  parts[0] + "." + parts[1],
		"tampered":   tampered,
		"bad base64": parts[0] + ".%%%." + parts[2],
	} {
		if iss.IsValid(raw) {
			t.Fatalf("%s token reported valid", name)
		}
		if _, err := iss.Subject(raw); !errors.Is(err, autherr.ErrTokenInvalid) {
			t.Fatalf("%s: expected token invalid, got %v", name, err)
		}
	}
}

func TestMissingExpiryRejected(t *testing.T) {
	iss := newTestIssuer(t, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user", "iat": time.Now().Unix()}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if iss.IsValid(token) {
		t.Fatalf("token without exp must not verify")
	}
}

func TestDeterministicForFixedClock(t *testing.T) {
	iss := newTestIssuer(t, nil)
	fixed := time.Unix(1_700_000_000, 0)
	iss.now = func() time.Time { return fixed }

	a, err := iss.GenerateAccessToken("user", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	b, err := iss.GenerateAccessToken("user", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if a != b {
		t.Fatalf("identical input produced different tokens")
	}
}

func TestKeyIDPinned(t *testing.T) {
	signer := newTestIssuer(t, func(c *Config) { c.KeyID = "k1" })
	verifier := newTestIssuer(t, func(c *Config) { c.KeyID = "k2" })
	same := newTestIssuer(t, func(c *Config) { c.KeyID = "k1" })

	token, err := signer.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if verifier.IsValid(token) {
		t.Fatalf("token with foreign kid accepted")
	}
	if !same.IsValid(token) {
		t.Fatalf("token with matching kid rejected")
	}
}

func TestNewIssuerConfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"short secret", Config{Secret: []byte("short"), AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"short secret for HS512", Config{Secret: testSecret, Algorithm: "HS512", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"unsupported alg", Config{Secret: testSecret, Algorithm: "RS256", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"none alg", Config{Secret: testSecret, Algorithm: "none", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"zero access ttl", Config{Secret: testSecret, RefreshTTL: time.Hour}},
		{"zero refresh ttl", Config{Secret: testSecret, AccessTTL: time.Minute}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewIssuer(tc.cfg); !errors.Is(err, autherr.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}

	long := append(append([]byte(nil), testSecret...), testSecret...)
	iss, err := NewIssuer(Config{Secret: long, Algorithm: "hs512", AccessTTL: time.Minute, RefreshTTL: time.Hour})
	if err != nil {
		t.Fatalf("HS512 with 64 byte secret should be accepted: %v", err)
	}
	token, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if !iss.IsValid(token) {
		t.Fatalf("HS512 token should verify")
	}
}

func TestIssuerMutatingSecretAfterConstruction(t *testing.T) {
	secret := append([]byte(nil), testSecret...)
	iss, err := NewIssuer(Config{Secret: secret, AccessTTL: time.Minute, RefreshTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := iss.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	secret[0] ^= 0xff
	if !iss.IsValid(token) {
		t.Fatalf("issuer key must be immune to caller mutation")
	}
}

func TestConcurrentUse(t *testing.T) {
	iss := newTestIssuer(t, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := "user-" + string(rune('a'+n%26))
			token, err := iss.GenerateAccessToken(sub, map[string]any{"n": n})
			if err != nil {
				errs <- err
				return
			}
			got, err := iss.Subject(token)
			if err != nil {
				errs <- err
				return
			}
			if got != sub {
				errs <- errors.New("subject mismatch: " + got)
			}
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent use failed: %v", err)
	}
}

func TestKeyFromJWK(t *testing.T) {
	doc, err := NewJWK("key-2026", "HS384")
	if err != nil {
		t.Fatalf("NewJWK: %v", err)
	}
	key, err := KeyFromJWK(doc)
	if err != nil {
		t.Fatalf("KeyFromJWK: %v", err)
	}
	if key.ID != "key-2026" || key.Algorithm != "HS384" || len(key.Secret) != 48 {
		t.Fatalf("unexpected key: id=%q alg=%q len=%d", key.ID, key.Algorithm, len(key.Secret))
	}

	iss, err := NewIssuer(key.Config(time.Minute, time.Hour))
	if err != nil {
		t.Fatalf("NewIssuer from jwk: %v", err)
	}
	token, err := iss.GenerateRefreshToken("user")
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if parsed.Header["kid"] != "key-2026" || parsed.Header["alg"] != "HS384" {
		t.Fatalf("unexpected header: %v", parsed.Header)
	}
}

func TestKeyFromJWKRejectsAsymmetric(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	doc, err := json.Marshal(jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "rsa", Algorithm: "RS256", Use: "sig"})
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	if _, err := KeyFromJWK(doc); !errors.Is(err, autherr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := KeyFromJWK([]byte("{")); !errors.Is(err, autherr.ErrConfiguration) {
		t.Fatalf("expected configuration error for malformed jwk, got %v", err)
	}
}

func TestLeewayToleratesClockSkew(t *testing.T) {
	now := time.Now()
	minter := newTestIssuer(t, nil)
	minter.now = func() time.Time { return now }
	token, err := minter.GenerateAccessToken("user", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	behind := func() time.Time { return now.Add(-2 * time.Second) }

	strict := newTestIssuer(t, nil)
	strict.now = behind
	if _, err := strict.ClaimsOfKind(token, KindAccess); !errors.Is(err, jwt.ErrTokenUsedBeforeIssued) {
		t.Fatalf("expected used-before-issued without leeway, got %v", err)
	}

	lenient := newTestIssuer(t, func(c *Config) { c.Leeway = 30 * time.Second })
	lenient.now = behind
	if _, err := lenient.ClaimsOfKind(token, KindAccess); err != nil {
		t.Fatalf("ClaimsOfKind with leeway returned error: %v", err)
	}

	if _, err := NewIssuer(Config{Secret: testSecret, AccessTTL: time.Minute, RefreshTTL: time.Hour, Leeway: -time.Second}); !errors.Is(err, autherr.ErrConfiguration) {
		t.Fatalf("expected configuration error for negative leeway, got %v", err)
	}
}

func TestExpiredClaimsOfKind(t *testing.T) {
	iss := newTestIssuer(t, nil)
	start := time.Now()
	iss.now = func() time.Time { return start }

	access, err := iss.GenerateAccessToken("user", map[string]any{"email": "a@b.com"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	refresh, err := iss.GenerateRefreshToken("user")
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}

	iss.now = func() time.Time { return start.Add(10 * time.Minute) }
	if iss.IsValid(access) {
		t.Fatalf("access token should have expired")
	}
	claims, err := iss.ExpiredClaimsOfKind(access, KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("ExpiredClaimsOfKind returned error: %v", err)
	}
	if claims.Subject != "user" || claims.Custom["email"] != "a@b.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := iss.ExpiredClaimsOfKind(access, KindAccess, time.Minute); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected rejection past the window, got %v", err)
	}
	if _, err := iss.ExpiredClaimsOfKind(refresh, KindAccess, time.Hour); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected refresh token to be rejected as access, got %v", err)
	}
	foreign := newTestIssuer(t, func(c *Config) { c.Secret = []byte("ffffffffffffffffffffffffffffffff") })
	if _, err := foreign.ExpiredClaimsOfKind(access, KindAccess, time.Hour); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected foreign key rejection, got %v", err)
	}
}

func TestSigningFailureIsTagged(t *testing.T) {
	iss := newTestIssuer(t, nil)
	_, err := iss.GenerateAccessToken("user", map[string]any{"bad": make(chan int)})
	if err == nil {
		t.Fatalf("expected error for unencodable claim")
	}
	if autherr.KindOf(err) != autherr.KindConfiguration {
		t.Fatalf("expected configuration kind, got %v (%v)", autherr.KindOf(err), err)
	}
}
