package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"authfed/autherr"
	"authfed/idp"
	"authfed/session"
)

const maxBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Provider IdentityProvider
	Tokens   *session.Issuer
	Metrics  *Metrics
	Limiter  *RateLimiter
	Registry *prometheus.Registry

	cookies cookieJar
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	provider, err := BuildProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tokens, err := BuildIssuer(cfg)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}
	return NewAppWith(cfg, logger, provider, tokens), nil
}

// NewAppWith assembles an App around an already constructed provider and issuer.
func NewAppWith(cfg Config, logger *slog.Logger, provider IdentityProvider, tokens *session.Issuer) *App {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Tokens:   tokens,
		Metrics:  metrics,
		Limiter:  NewRateLimiter(cfg.Server.RateLimit, metrics, logger),
		Registry: reg,
		cookies:  newCookieJar(cfg),
	}
}

// Close releases background resources.
func (a *App) Close() {
	a.Limiter.Stop()
}

type loginRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	// AccessToken is the caller's previous, possibly expired, access token.
	AccessToken string `json:"accessToken"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

type loginResult struct {
	AccessToken  string
	RefreshToken string
	Profile      idp.Profile
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	req, ok := a.startLogin(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": req.URL, "state": req.State})
}

func (a *App) handleLoginRedirect(w http.ResponseWriter, r *http.Request) {
	req, ok := a.startLogin(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, req.URL, http.StatusFound)
}

func (a *App) startLogin(w http.ResponseWriter, r *http.Request) (idp.AuthorizationRequest, bool) {
	req, err := a.Provider.AuthCodeURL()
	if err != nil {
		a.Logger.Error("oauth.login.start", "error", err, "request_id", RequestIDFromContext(r.Context()))
		a.writeKindError(w, err)
		return idp.AuthorizationRequest{}, false
	}
	a.cookies.setState(w, req.State)
	a.Logger.Info("oauth.login.start",
		"flow_state", idp.FlowAwaitingCallback,
		"request_id", RequestIDFromContext(r.Context()))
	return req, true
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Warn("oauth.callback.denied", "error", providerErr, "request_id", reqID)
		a.cookies.clearState(w)
		a.Metrics.LoginCompleted("denied")
		a.finishWithError(w, r, http.StatusBadRequest, "access_denied")
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		a.finishWithError(w, r, http.StatusBadRequest, "missing_code_or_state")
		return
	}
	if !a.cookies.checkState(r, state) {
		a.Logger.Warn("oauth.callback.state_mismatch", "request_id", reqID)
		a.Metrics.LoginCompleted("state_mismatch")
		a.finishWithError(w, r, http.StatusBadRequest, "invalid_state")
		return
	}
	a.cookies.clearState(w)
	a.Logger.Info("oauth.callback.code", "flow_state", idp.FlowCodeReceived, "request_id", reqID)

	res, err := a.completeLogin(r.Context(), code)
	if err != nil {
		a.finishWithError(w, r, statusFor(err), autherr.KindOf(err).String())
		return
	}

	a.cookies.setRefresh(w, res.RefreshToken)
	if a.Config.Server.FrontendRedirect == "" {
		writeJSON(w, http.StatusOK, a.loginResponse(res))
		return
	}
	http.Redirect(w, r, frontendURL(a.Config.Server.FrontendRedirect, url.Values{
		"success":      {"true"},
		"token":        {res.AccessToken},
		"refreshToken": {res.RefreshToken},
	}), http.StatusFound)
}

func (a *App) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}
	if !a.cookies.checkState(r, body.State) {
		a.Logger.Warn("oauth.callback.state_mismatch", "request_id", RequestIDFromContext(r.Context()))
		a.Metrics.LoginCompleted("state_mismatch")
		writeError(w, http.StatusBadRequest, "invalid_state", "state does not match")
		return
	}
	a.cookies.clearState(w)

	res, err := a.completeLogin(r.Context(), body.Code)
	if err != nil {
		a.writeKindError(w, err)
		return
	}
	a.cookies.setRefresh(w, res.RefreshToken)
	writeJSON(w, http.StatusOK, a.loginResponse(res))
}

// completeLogin runs exchange, profile fetch and token minting for one code.
// The code is consumed by the provider, so nothing here is retried.
func (a *App) completeLogin(ctx context.Context, code string) (loginResult, error) {
	reqID := RequestIDFromContext(ctx)

	start := time.Now()
	tok, err := a.Provider.Exchange(ctx, code)
	a.Metrics.ProviderCall("token", time.Since(start))
	if err != nil {
		a.loginFailed(reqID, "oauth.callback.exchange", err)
		return loginResult{}, err
	}
	a.Logger.Info("oauth.callback.token",
		"flow_state", idp.FlowTokenObtained,
		"provider_refresh_token", tok.RefreshToken != "",
		"expires_in", tok.ExpiresIn,
		"request_id", reqID)

	start = time.Now()
	profile, err := a.Provider.FetchProfile(ctx, tok.AccessToken)
	a.Metrics.ProviderCall("userinfo", time.Since(start))
	if err != nil {
		a.loginFailed(reqID, "oauth.callback.profile", err)
		return loginResult{}, err
	}
	a.Logger.Info("oauth.callback.profile",
		"flow_state", idp.FlowProfileObtained,
		"user_sub", profile.ID,
		"request_id", reqID)

	access, err := a.Tokens.GenerateAccessToken(profile.ID, profileClaims(profile))
	if err != nil {
		a.loginFailed(reqID, "oauth.callback.mint", err)
		return loginResult{}, err
	}
	refresh, err := a.Tokens.GenerateRefreshToken(profile.ID)
	if err != nil {
		a.loginFailed(reqID, "oauth.callback.mint", err)
		return loginResult{}, err
	}
	a.Metrics.TokenIssued(string(session.KindAccess))
	a.Metrics.TokenIssued(string(session.KindRefresh))
	a.Metrics.LoginCompleted("success")

	return loginResult{AccessToken: access, RefreshToken: refresh, Profile: profile}, nil
}

func (a *App) loginFailed(reqID, step string, err error) {
	kind := autherr.KindOf(err)
	a.Logger.Error(step, "error", err, "kind", kind.String(), "retryable", kind.Retryable(), "request_id", reqID)
	a.Metrics.LoginCompleted(kind.String())
}

func (a *App) loginResponse(res loginResult) map[string]any {
	return map[string]any{
		"success":      true,
		"token":        res.AccessToken,
		"refreshToken": res.RefreshToken,
		"expiresIn":    int64(a.Tokens.AccessTTL().Seconds()),
		"user": userResponse{
			ID:      res.Profile.ID,
			Email:   res.Profile.Email,
			Name:    res.Profile.Name,
			Picture: res.Profile.Picture,
		},
	}
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
	}
	raw := firstNonEmpty(refreshFromCookie(r), body.RefreshToken)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing_token", "refresh token required")
		return
	}

	claims, err := a.Tokens.ClaimsOfKind(raw, session.KindRefresh)
	if err != nil {
		a.Metrics.TokenVerified("rejected")
		a.Logger.Warn("oauth.refresh.rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
		a.cookies.clearRefresh(w)
		a.writeKindError(w, err)
		return
	}
	a.Metrics.TokenVerified("accepted")

	previous := firstNonEmpty(extractBearerToken(r.Header.Get("Authorization")), body.AccessToken)
	access, err := a.Tokens.GenerateAccessToken(claims.Subject, a.carriedClaims(r, claims.Subject, previous))
	if err != nil {
		a.writeKindError(w, err)
		return
	}
	a.Metrics.TokenIssued(string(session.KindAccess))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     access,
		"expiresIn": int64(a.Tokens.AccessTTL().Seconds()),
	})
}

// carriedClaims copies the profile claims of the caller's previous access
// token into its successor. The previous token may have expired, but it must
// verify under the current key and belong to the same subject.
func (a *App) carriedClaims(r *http.Request, subject, previous string) map[string]any {
	claims := map[string]any{"provider": providerName}
	if previous == "" {
		return claims
	}
	prior, err := a.Tokens.ExpiredClaimsOfKind(previous, session.KindAccess, a.Tokens.RefreshTTL())
	if err != nil {
		a.Logger.Debug("oauth.refresh.previous_ignored", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return claims
	}
	if prior.Subject != subject {
		a.Logger.Warn("oauth.refresh.subject_mismatch", "request_id", RequestIDFromContext(r.Context()))
		return claims
	}
	for _, k := range profileClaimNames {
		if v, ok := prior.Custom[k].(string); ok && v != "" {
			claims[k] = v
		}
	}
	return claims
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "token invalid or expired")
		return
	}
	resp := map[string]any{
		"sub":       claims.Subject,
		"issuedAt":  claims.IssuedAt.Unix(),
		"expiresAt": claims.ExpiresAt.Unix(),
	}
	for k, v := range claims.Custom {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.cookies.clearRefresh(w)
	a.cookies.clearState(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// finishWithError redirects to the frontend with an error code, or answers
// JSON when no frontend is configured.
func (a *App) finishWithError(w http.ResponseWriter, r *http.Request, status int, code string) {
	if a.Config.Server.FrontendRedirect == "" {
		writeError(w, status, code, http.StatusText(status))
		return
	}
	http.Redirect(w, r, frontendURL(a.Config.Server.FrontendRedirect, url.Values{"error": {code}}), http.StatusFound)
}

func (a *App) writeKindError(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	writeError(w, statusFor(err), kind.String(), publicMessage(kind))
}

// statusFor maps an error kind to the HTTP status reported to browsers.
func statusFor(err error) int {
	switch autherr.KindOf(err) {
	case autherr.KindProviderUnreachable:
		return http.StatusBadGateway
	case autherr.KindTokenExchange, autherr.KindProfileFetch, autherr.KindInvalidSubject:
		return http.StatusBadRequest
	case autherr.KindTokenInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(kind autherr.Kind) string {
	switch kind {
	case autherr.KindProviderUnreachable:
		return "identity provider unreachable, start the login again"
	case autherr.KindTokenExchange:
		return "authorization code could not be exchanged"
	case autherr.KindProfileFetch:
		return "user profile could not be retrieved"
	case autherr.KindInvalidSubject:
		return "provider returned no user id"
	case autherr.KindTokenInvalid:
		return "token invalid or expired"
	default:
		return "internal error"
	}
}

func frontendURL(base string, params url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return errors.New("decode body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]any{"success": false, "error": code, "error_description": desc})
}
