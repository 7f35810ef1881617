package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"authfed/idp"
	"authfed/session"
)

// providerName is stamped into access tokens as the provider claim.
const providerName = "google"

// IdentityProvider represents the minimal behaviour required from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL() (idp.AuthorizationRequest, error)
	Exchange(ctx context.Context, code string) (idp.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (idp.Profile, error)
}

// BuildProvider constructs the provider client, using discovery when an issuer is configured.
func BuildProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*idp.Client, error) {
	pc := cfg.Provider
	clientCfg := idp.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret.Value(),
		RedirectURL:  pc.RedirectURL,
		Scopes:       pc.Scopes,
		AuthURL:      pc.AuthURL,
		TokenURL:     pc.TokenURL,
		UserInfoURL:  pc.UserInfoURL,
		HTTPClient:   &http.Client{Timeout: pc.Timeout},
	}

	if pc.Issuer == "" {
		logger.Info("provider configured", "auth_url", firstNonEmpty(pc.AuthURL, idp.DefaultAuthURL), "discovery", false)
		return idp.NewClient(clientCfg), nil
	}

	client, err := idp.Discover(ctx, pc.Issuer, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", pc.Issuer, err)
	}
	logger.Info("provider configured", "issuer", pc.Issuer, "discovery", true)
	return client, nil
}

// BuildIssuer constructs the session token issuer from the signing secret or key file.
func BuildIssuer(cfg Config) (*session.Issuer, error) {
	tc := cfg.Tokens
	if tc.SigningKeyFile != "" {
		key, err := session.LoadKeyFile(tc.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		if key.Algorithm == "" {
			key.Algorithm = tc.Algorithm
		}
		sc := key.Config(tc.AccessTTL, tc.RefreshTTL)
		sc.Leeway = tc.Leeway
		return session.NewIssuer(sc)
	}
	return session.NewIssuer(session.Config{
		Secret:     []byte(tc.SigningSecret.Value()),
		Algorithm:  tc.Algorithm,
		AccessTTL:  tc.AccessTTL,
		RefreshTTL: tc.RefreshTTL,
		Leeway:     tc.Leeway,
	})
}

// profileClaimNames lists the profile claims an access token may carry.
var profileClaimNames = []string{"email", "name", "picture"}

// profileClaims are the custom claims carried by access tokens.
func profileClaims(p idp.Profile) map[string]any {
	claims := map[string]any{"provider": providerName}
	if p.Email != "" {
		claims["email"] = p.Email
	}
	if p.Name != "" {
		claims["name"] = p.Name
	}
	if p.Picture != "" {
		claims["picture"] = p.Picture
	}
	return claims
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
