package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Hardcoded token and flow defaults
const (
	DefaultAccessTTL       = time.Hour
	DefaultRefreshTTL      = 7 * 24 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
	DefaultProviderTimeout = 15 * time.Second
	DefaultHSTSMaxAge      = 63072000
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTHFED_"

// Secret is a configuration string that never prints its value.
type Secret string

// String masks the secret.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// LogValue masks the secret in structured logs.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Value returns the raw secret.
func (s Secret) Value() string {
	return string(s)
}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Provider ProviderConfig `yaml:"provider" envPrefix:"PROVIDER_"`
	Tokens   TokenConfig    `yaml:"tokens" envPrefix:"TOKENS_"`
}

// ServerConfig controls listener, TLS, cookie and HTTP concerns.
type ServerConfig struct {
	PublicURL        string          `yaml:"public_url" env:"PUBLIC_URL" validate:"required,http_url"`
	DevListenAddr    string          `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr   string          `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr  string          `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode          bool            `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain     string          `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	FrontendRedirect string          `yaml:"frontend_redirect" env:"FRONTEND_REDIRECT" validate:"omitempty,http_url"`
	AllowedOrigins   []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	TLS              TLSConfig       `yaml:"tls" envPrefix:"TLS_"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL" validate:"omitempty,email"`
	CacheDir   string   `yaml:"cache_dir" env:"CACHE_DIR"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE" validate:"gte=0"`
}

// RateLimitConfig bounds requests per client address on the login endpoints.
// A zero PerMinute disables limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" env:"PER_MINUTE" validate:"gte=0"`
	Burst     int `yaml:"burst" env:"BURST" validate:"gte=0"`
}

// ProviderConfig is the registration with the upstream identity provider.
// Endpoints left empty are discovered from Issuer, or default to Google.
type ProviderConfig struct {
	Issuer       string        `yaml:"issuer" env:"ISSUER" validate:"omitempty,http_url"`
	ClientID     string        `yaml:"client_id" env:"CLIENT_ID" validate:"required"`
	ClientSecret Secret        `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string        `yaml:"redirect_url" env:"REDIRECT_URL" validate:"required,http_url"`
	Scopes       []string      `yaml:"scopes" env:"SCOPES" envSeparator:","`
	AuthURL      string        `yaml:"auth_url" env:"AUTH_URL" validate:"omitempty,http_url"`
	TokenURL     string        `yaml:"token_url" env:"TOKEN_URL" validate:"omitempty,http_url"`
	UserInfoURL  string        `yaml:"userinfo_url" env:"USERINFO_URL" validate:"omitempty,http_url"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
}

// TokenConfig configures the session token issuer. Exactly one of
// SigningSecret and SigningKeyFile must be set.
type TokenConfig struct {
	SigningSecret  Secret        `yaml:"signing_secret" env:"SIGNING_SECRET"`
	SigningKeyFile string        `yaml:"signing_key_file" env:"SIGNING_KEY_FILE"`
	Algorithm      string        `yaml:"algorithm" env:"ALGORITHM" validate:"omitempty,oneof=HS256 HS384 HS512"`
	AccessTTL      time.Duration `yaml:"access_ttl" env:"ACCESS_TTL" validate:"gt=0"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL" validate:"gt=0"`
	// Leeway tolerates clock skew between replicas sharing the signing key.
	Leeway time.Duration `yaml:"leeway" env:"LEEWAY" validate:"gte=0"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
			RateLimit: RateLimitConfig{
				PerMinute: 60,
				Burst:     20,
			},
		},
		Provider: ProviderConfig{
			Scopes:  []string{"profile", "email"},
			Timeout: DefaultProviderTimeout,
		},
		Tokens: TokenConfig{
			Algorithm:  "HS256",
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides overlays AUTHFED_* variables. Unset variables keep the file values.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Server.AllowedOrigins = splitAndTrim(strings.Join(cfg.Server.AllowedOrigins, ","))
	cfg.Server.TLS.Domains = splitAndTrim(strings.Join(cfg.Server.TLS.Domains, ","))
	cfg.Provider.Scopes = splitAndTrim(strings.Join(cfg.Provider.Scopes, ","))
	return nil
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs struct-tag validation followed by cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				slog.Error("Invalid configuration value", "field", fe.Namespace(), "rule", fe.Tag(), "param", fe.Param())
			}
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", configPath(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !c.Server.DevMode {
		if !strings.HasPrefix(c.Server.PublicURL, "https://") {
			slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must use https in production")
			return fmt.Errorf("server.public_url must start with https:// in production, got: %s", c.Server.PublicURL)
		}
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided in production")
		}
	}

	// Cookie domain should be a suffix of the public URL host
	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("parse server.public_url: %w", err)
		}
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Provider.ClientSecret == "" {
		slog.Error("Missing required provider configuration", "field", "provider.client_secret")
		return errors.New("provider.client_secret is required")
	}

	hasSecret := c.Tokens.SigningSecret != ""
	hasKeyFile := c.Tokens.SigningKeyFile != ""
	switch {
	case hasSecret && hasKeyFile:
		slog.Error("Conflicting token configuration", "fields", []string{"tokens.signing_secret", "tokens.signing_key_file"})
		return errors.New("set only one of tokens.signing_secret and tokens.signing_key_file")
	case !hasSecret && !hasKeyFile:
		slog.Error("Missing required token configuration", "field", "tokens.signing_secret")
		return errors.New("tokens.signing_secret or tokens.signing_key_file is required")
	case hasSecret && len(c.Tokens.SigningSecret) < 32:
		slog.Error("Signing secret too short", "field", "tokens.signing_secret", "min_bytes", 32)
		return errors.New("tokens.signing_secret must be at least 32 bytes")
	}

	if c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		slog.Error("Refresh token outlives access token check failed", "access_ttl", c.Tokens.AccessTTL, "refresh_ttl", c.Tokens.RefreshTTL)
		return fmt.Errorf("tokens.refresh_ttl (%s) must not be shorter than tokens.access_ttl (%s)", c.Tokens.RefreshTTL, c.Tokens.AccessTTL)
	}

	return nil
}

// configPath turns a validator namespace such as Config.Provider.ClientID into
// a lowercase dotted path for error messages.
func configPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
