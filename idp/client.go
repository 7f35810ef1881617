// Package idp drives the OAuth 2.0 authorization-code flow against a single
// upstream identity provider: authorization URL, code exchange and userinfo.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"authfed/autherr"
)

// Google endpoints used when the configuration leaves them empty.
const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"profile", "email"}

const maxResponseBytes = 1 << 20

// FlowState names the logical steps of one authorization-code flow. Nothing
// in this package persists it; callers use it to label progress.
type FlowState string

const (
	FlowInitiated        FlowState = "initiated"
	FlowAwaitingCallback FlowState = "awaiting_callback"
	FlowCodeReceived     FlowState = "code_received"
	FlowTokenObtained    FlowState = "token_obtained"
	FlowProfileObtained  FlowState = "profile_obtained"
)

// Config holds the provider registration. It is copied at construction.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient is the transport used for token and userinfo calls.
	// Timeouts and retries belong to it. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// AuthorizationRequest is what the browser is sent to the provider with.
// The caller must persist State and compare it against the callback.
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	URL         string
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// Profile is the authenticated user as reported by the userinfo endpoint.
// Only ID is relied upon for identity linkage.
type Profile struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Client talks to one provider. It holds no mutable state and is safe for
// concurrent use.
type Client struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewClient constructs a Client, filling unset endpoints and scopes with the Google defaults.
func NewClient(cfg Config) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = DefaultUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	cfg.Scopes = append([]string(nil), cfg.Scopes...)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// AuthCodeURL builds the provider authorization URL with a fresh state value.
// redirect_uri and scope are percent-encoded; the remaining parameters are
// inserted as-is. No network call is made.
func (c *Client) AuthCodeURL() (AuthorizationRequest, error) {
	const op = "idp.AuthCodeURL"
	if err := c.requireRegistration(op); err != nil {
		return AuthorizationRequest{}, err
	}

	state := uuid.NewString()

	var b strings.Builder
	b.WriteString(c.cfg.AuthURL)
	if strings.Contains(c.cfg.AuthURL, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("client_id=" + c.cfg.ClientID)
	b.WriteString("&redirect_uri=" + queryEscape(c.cfg.RedirectURL))
	b.WriteString("&response_type=code")
	b.WriteString("&scope=" + queryEscape(strings.Join(c.cfg.Scopes, " ")))
	b.WriteString("&state=" + state)
	b.WriteString("&access_type=offline")
	b.WriteString("&prompt=consent")

	return AuthorizationRequest{
		ClientID:    c.cfg.ClientID,
		RedirectURI: c.cfg.RedirectURL,
		Scopes:      append([]string(nil), c.cfg.Scopes...),
		State:       state,
		URL:         b.String(),
	}, nil
}

// ExchangeCode trades an authorization code for the provider access token.
// state is accepted for symmetry with the caller's CSRF check and is not
// inspected here; the caller compares it before calling.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) (string, error) {
	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Exchange performs the token endpoint call and returns the full response.
// It is never retried: the code is consumed by the provider on first use.
func (c *Client) Exchange(ctx context.Context, code string) (TokenResponse, error) {
	const op = "idp.Exchange"
	if err := c.requireRegistration(op); err != nil {
		return TokenResponse{}, err
	}
	if code == "" {
		return TokenResponse{}, autherr.Errorf(op, autherr.KindTokenExchange, "authorization code required")
	}

	tok, err := c.oauth.Exchange(c.transportContext(ctx), code)
	if err != nil {
		return TokenResponse{}, classify(op, autherr.KindTokenExchange, err)
	}
	if tok.AccessToken == "" {
		return TokenResponse{}, autherr.Errorf(op, autherr.KindTokenExchange, "access_token missing in response")
	}

	return TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn(tok.Extra("expires_in")),
	}, nil
}

// FetchProfile calls the userinfo endpoint with the provider access token.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	const op = "idp.FetchProfile"
	if accessToken == "" {
		return Profile{}, autherr.Errorf(op, autherr.KindProfileFetch, "access token required")
	}

	hc := c.oauth.Client(c.transportContext(ctx), &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	hc.Timeout = c.httpClient.Timeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserInfoURL, nil)
	if err != nil {
		return Profile{}, autherr.E(op, autherr.KindConfiguration, fmt.Errorf("create userinfo request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Profile{}, classify(op, autherr.KindProfileFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Profile{}, autherr.E(op, autherr.KindProviderUnreachable, fmt.Errorf("read userinfo response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, autherr.Errorf(op, autherr.KindProfileFetch, "userinfo returned %s", resp.Status)
	}

	var raw struct {
		ID      json.RawMessage `json:"id"`
		Email   string          `json:"email"`
		Name    string          `json:"name"`
		Picture string          `json:"picture"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Profile{}, autherr.E(op, autherr.KindProfileFetch, fmt.Errorf("parse userinfo: %w", err))
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return Profile{}, autherr.E(op, autherr.KindProfileFetch, err)
	}
	if id == "" {
		return Profile{}, autherr.Errorf(op, autherr.KindProfileFetch, "id missing in userinfo response")
	}

	return Profile{
		ID:      id,
		Email:   raw.Email,
		Name:    raw.Name,
		Picture: raw.Picture,
	}, nil
}

func (c *Client) requireRegistration(op string) error {
	if strings.TrimSpace(c.cfg.ClientID) == "" {
		return autherr.Errorf(op, autherr.KindConfiguration, "client id required")
	}
	if strings.TrimSpace(c.cfg.RedirectURL) == "" {
		return autherr.Errorf(op, autherr.KindConfiguration, "redirect uri required")
	}
	return nil
}

func (c *Client) transportContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// classify maps transport failures to KindProviderUnreachable and everything
// else (the provider answered) to fallback.
func classify(op string, fallback autherr.Kind, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return autherr.E(op, autherr.KindProviderUnreachable, err)
	}
	return autherr.E(op, fallback, err)
}

// queryEscape is url.QueryEscape with spaces as %20.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

// decodeID accepts string and numeric identifiers.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("parse id: %w", err)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %w", err)
	}
	return n.String(), nil
}
