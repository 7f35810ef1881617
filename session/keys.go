package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v3"

	"authfed/autherr"
)

// Key is a symmetric signing key loaded from a JWK document.
type Key struct {
	ID        string
	Secret    []byte
	Algorithm string
}

// KeyFromJWK parses a kty=oct JSON Web Key.
func KeyFromJWK(data []byte) (Key, error) {
	const op = "session.KeyFromJWK"
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return Key{}, autherr.E(op, autherr.KindConfiguration, fmt.Errorf("parse jwk: %w", err))
	}
	secret, ok := jwk.Key.([]byte)
	if !ok {
		return Key{}, autherr.Errorf(op, autherr.KindConfiguration, "jwk %q is not a symmetric key", jwk.KeyID)
	}
	if jwk.Use != "" && jwk.Use != "sig" {
		return Key{}, autherr.Errorf(op, autherr.KindConfiguration, "jwk %q has use %q, want sig", jwk.KeyID, jwk.Use)
	}
	return Key{ID: jwk.KeyID, Secret: secret, Algorithm: jwk.Algorithm}, nil
}

// LoadKeyFile reads a JWK from disk.
func LoadKeyFile(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, autherr.E("session.LoadKeyFile", autherr.KindConfiguration, fmt.Errorf("read key file: %w", err))
	}
	return KeyFromJWK(data)
}

// NewJWK generates a random symmetric key sized for alg and returns it as a
// JWK document.
func NewJWK(kid, alg string) ([]byte, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	size, ok := map[string]int{"HS256": 32, "HS384": 48, "HS512": 64}[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	jwk := jose.JSONWebKey{Key: secret, KeyID: kid, Algorithm: alg, Use: "sig"}
	return json.MarshalIndent(jwk, "", "  ")
}

// Config returns an issuer configuration using this key.
func (k Key) Config(accessTTL, refreshTTL time.Duration) Config {
	return Config{
		Secret:     k.Secret,
		KeyID:      k.ID,
		Algorithm:  k.Algorithm,
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}
}
