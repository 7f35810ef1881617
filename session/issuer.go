// Package session mints and verifies the self-contained, HMAC-signed session
// tokens handed to browsers after a successful provider login.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authfed/autherr"
)

// Token lifetime defaults applied by callers that leave the TTLs unset.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultAlgorithm  = "HS256"
)

// Claim names owned by the issuer. Caller-supplied claims never override them.
const (
	ClaimSubject   = "sub"
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimTokenUse  = "token_use"
)

// TokenKind tells access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Config configures an Issuer.
type Config struct {
	Secret     []byte
	KeyID      string
	Algorithm  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway tolerates clock skew on iat and exp when verifying tokens minted
	// by another process.
	Leeway time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Claims is the verified content of a session token.
type Claims struct {
	Subject   string
	Custom    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Kind is empty for tokens minted without a token_use claim.
	Kind TokenKind
}

// Issuer signs and verifies session tokens with one symmetric key. The key and
// TTLs are fixed at construction, so an Issuer is safe for concurrent use.
type Issuer struct {
	key        []byte
	kid        string
	method     *jwt.SigningMethodHMAC
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// NewIssuer validates the configuration and constructs an Issuer. The secret
// must be at least as long as the output of the chosen hash.
func NewIssuer(cfg Config) (*Issuer, error) {
	const op = "session.NewIssuer"

	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "unsupported signing algorithm %q", cfg.Algorithm)
	}
	if minLen := method.Hash.Size(); len(cfg.Secret) < minLen {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "signing secret must be at least %d bytes for %s, got %d", minLen, alg, len(cfg.Secret))
	}
	if cfg.AccessTTL == 0 {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "access token ttl required")
	}
	if cfg.RefreshTTL == 0 {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "refresh token ttl required")
	}
	if cfg.Leeway < 0 {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "leeway must not be negative")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Issuer{
		key:        append([]byte(nil), cfg.Secret...),
		kid:        cfg.KeyID,
		method:     method,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		leeway:     cfg.Leeway,
		now:        now,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// GenerateAccessToken mints an access token for subject. extra is copied into
// the claims first; the subject and the timing claims always win.
func (i *Issuer) GenerateAccessToken(subject string, extra map[string]any) (string, error) {
	const op = "session.GenerateAccessToken"
	if strings.TrimSpace(subject) == "" {
		return "", autherr.Errorf(op, autherr.KindInvalidSubject, "subject required")
	}

	claims := make(jwt.MapClaims, len(extra)+4)
	for k, v := range extra {
		claims[k] = v
	}
	i.stamp(claims, subject, KindAccess, i.accessTTL)

	token, err := i.sign(claims)
	if err != nil {
		return "", autherr.E(op, autherr.KindConfiguration, fmt.Errorf("sign: %w", err))
	}
	return token, nil
}

// GenerateRefreshToken mints a refresh token carrying only the subject and timing claims.
func (i *Issuer) GenerateRefreshToken(subject string) (string, error) {
	const op = "session.GenerateRefreshToken"
	if strings.TrimSpace(subject) == "" {
		return "", autherr.Errorf(op, autherr.KindInvalidSubject, "subject required")
	}

	claims := make(jwt.MapClaims, 4)
	i.stamp(claims, subject, KindRefresh, i.refreshTTL)

	token, err := i.sign(claims)
	if err != nil {
		return "", autherr.E(op, autherr.KindConfiguration, fmt.Errorf("sign: %w", err))
	}
	return token, nil
}

// Subject verifies token and returns its subject.
func (i *Issuer) Subject(token string) (string, error) {
	claims, err := i.verify("session.Subject", token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Claims verifies token and returns the complete claim set.
func (i *Issuer) Claims(token string) (Claims, error) {
	return i.verify("session.Claims", token)
}

// ClaimsOfKind verifies token and additionally requires its token_use claim to
// equal kind, so a refresh token cannot stand in for an access token.
func (i *Issuer) ClaimsOfKind(token string, kind TokenKind) (Claims, error) {
	const op = "session.ClaimsOfKind"
	claims, err := i.verify(op, token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kind {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "expected %s token, got %q", kind, claims.Kind)
	}
	return claims, nil
}

// ExpiredClaimsOfKind verifies the signature, key and kind of token but
// accepts it after expiry, as long as it expired at most within ago.
// Used to carry profile claims from a lapsed access token into its successor.
func (i *Issuer) ExpiredClaimsOfKind(token string, kind TokenKind, within time.Duration) (Claims, error) {
	const op = "session.ExpiredClaimsOfKind"
	claims, err := i.parse(op, token, jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kind {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "expected %s token, got %q", kind, claims.Kind)
	}
	now := i.now()
	if claims.IssuedAt.After(now.Add(i.leeway)) {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "token used before issued")
	}
	if claims.ExpiresAt.Add(within).Before(now) {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "token expired more than %s ago", within)
	}
	return claims, nil
}

// IsValid reports whether token verifies. Every failure maps to false.
func (i *Issuer) IsValid(token string) bool {
	_, err := i.verify("session.IsValid", token)
	return err == nil
}

func (i *Issuer) stamp(claims jwt.MapClaims, subject string, kind TokenKind, ttl time.Duration) {
	now := i.now()
	claims[ClaimSubject] = subject
	claims[ClaimIssuedAt] = now.Unix()
	claims[ClaimExpiresAt] = now.Add(ttl).Unix()
	claims[ClaimTokenUse] = string(kind)
}

func (i *Issuer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(i.method, claims)
	if i.kid != "" {
		token.Header["kid"] = i.kid
	}
	return token.SignedString(i.key)
}

func (i *Issuer) verify(op, raw string) (Claims, error) {
	return i.parse(op, raw,
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)
}

func (i *Issuer) parse(op, raw string, opts ...jwt.ParserOption) (Claims, error) {
	if raw == "" {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "token required")
	}

	parser := jwt.NewParser(append([]jwt.ParserOption{jwt.WithValidMethods([]string{i.method.Alg()})}, opts...)...)

	mc := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, mc, i.keyfunc)
	if err != nil {
		return Claims{}, autherr.E(op, autherr.KindTokenInvalid, err)
	}
	if !tok.Valid {
		return Claims{}, autherr.Errorf(op, autherr.KindTokenInvalid, "token invalid")
	}

	return toClaims(op, mc)
}

func (i *Issuer) keyfunc(token *jwt.Token) (any, error) {
	if i.kid != "" {
		kid, _ := token.Header["kid"].(string)
		if kid != i.kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}
	return i.key, nil
}

func toClaims(op string, mc jwt.MapClaims) (Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, autherr.E(op, autherr.KindTokenInvalid, errors.Join(errors.New("sub missing"), err))
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return Claims{}, autherr.E(op, autherr.KindTokenInvalid, errors.Join(errors.New("iat missing"), err))
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, autherr.E(op, autherr.KindTokenInvalid, errors.Join(errors.New("exp missing"), err))
	}
	kind, _ := mc[ClaimTokenUse].(string)

	custom := make(map[string]any, len(mc))
	for k, v := range mc {
		switch k {
		case ClaimSubject, ClaimIssuedAt, ClaimExpiresAt, ClaimTokenUse:
			continue
		}
		custom[k] = v
	}

	return Claims{
		Subject:   sub,
		Custom:    custom,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		Kind:      TokenKind(kind),
	}, nil
}
