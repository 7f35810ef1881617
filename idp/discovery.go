package idp

import (
	"context"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"authfed/autherr"
)

// Discover resolves the provider endpoints from the issuer's
// /.well-known/openid-configuration document. Endpoints already set in cfg
// take precedence over discovered ones.
func Discover(ctx context.Context, issuer string, cfg Config) (*Client, error) {
	const op = "idp.Discover"
	issuer = strings.TrimSuffix(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "issuer required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, hc), issuer)
	if err != nil {
		return nil, classify(op, autherr.KindConfiguration, err)
	}

	var meta struct {
		UserInfoURL string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, autherr.E(op, autherr.KindConfiguration, err)
	}

	endpoint := provider.Endpoint()
	if cfg.AuthURL == "" {
		cfg.AuthURL = endpoint.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = endpoint.TokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = meta.UserInfoURL
	}
	if cfg.UserInfoURL == "" {
		return nil, autherr.Errorf(op, autherr.KindConfiguration, "provider %s does not advertise a userinfo endpoint", issuer)
	}

	return NewClient(cfg), nil
}
