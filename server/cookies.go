package server

import (
	"crypto/subtle"
	"net/http"
	"time"
)

const (
	stateCookieName   = "oauth_state"
	refreshCookieName = "refresh_token"
)

// cookieJar writes the state and refresh cookies with one policy. Lax is
// required for the state cookie to survive the top-level redirect back from
// the provider.
type cookieJar struct {
	secure     bool
	sameSite   http.SameSite
	domain     string
	stateTTL   time.Duration
	refreshTTL time.Duration
}

func newCookieJar(cfg Config) cookieJar {
	return cookieJar{
		secure:     !cfg.Server.DevMode,
		sameSite:   http.SameSiteLaxMode,
		domain:     cfg.Server.CookieDomain,
		stateTTL:   DefaultStateTTL,
		refreshTTL: cfg.Tokens.RefreshTTL,
	}
}

func (c cookieJar) set(w http.ResponseWriter, name, value, path string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if value == "" {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   maxAge,
	})
}

func (c cookieJar) setState(w http.ResponseWriter, state string) {
	c.set(w, stateCookieName, state, "/api/oauth", c.stateTTL)
}

func (c cookieJar) clearState(w http.ResponseWriter) {
	c.set(w, stateCookieName, "", "/api/oauth", 0)
}

// checkState reports whether state matches the state cookie. A missing
// cookie or empty state never matches.
func (c cookieJar) checkState(r *http.Request, state string) bool {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
}

func (c cookieJar) setRefresh(w http.ResponseWriter, token string) {
	c.set(w, refreshCookieName, token, "/api/oauth", c.refreshTTL)
}

func (c cookieJar) clearRefresh(w http.ResponseWriter) {
	c.set(w, refreshCookieName, "", "/api/oauth", 0)
}

func refreshFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
