package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"authfed/autherr"
)

func newDiscoveryServer(t *testing.T, issuerOverride string, withUserInfo bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := srv.URL
		if issuerOverride != "" {
			issuer = issuerOverride
		}
		doc := map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/jwks",
		}
		if withUserInfo {
			doc["userinfo_endpoint"] = srv.URL + "/userinfo"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "discovered-token", "token_type": "Bearer"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"7","name":"Discovered"}`))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverResolvesEndpoints(t *testing.T) {
	srv := newDiscoveryServer(t, "", true)

	c, err := Discover(context.Background(), srv.URL+"/", Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app/cb",
	})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}

	req, err := c.AuthCodeURL()
	if err != nil {
		t.Fatalf("AuthCodeURL returned error: %v", err)
	}
	if !strings.HasPrefix(req.URL, srv.URL+"/authorize?") {
		t.Fatalf("authorization url not discovered: %s", req.URL)
	}

	token, err := c.ExchangeCode(context.Background(), "code", req.State)
	if err != nil {
		t.Fatalf("ExchangeCode returned error: %v", err)
	}
	profile, err := c.FetchProfile(context.Background(), token)
	if err != nil {
		t.Fatalf("FetchProfile returned error: %v", err)
	}
	if profile.ID != "7" || profile.Name != "Discovered" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestDiscoverKeepsExplicitEndpoints(t *testing.T) {
	srv := newDiscoveryServer(t, "", true)

	c, err := Discover(context.Background(), srv.URL, Config{
		ClientID:    "client",
		RedirectURL: "https://app/cb",
		AuthURL:     "https://override.test/auth",
	})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	req, err := c.AuthCodeURL()
	if err != nil {
		t.Fatalf("AuthCodeURL returned error: %v", err)
	}
	if !strings.HasPrefix(req.URL, "https://override.test/auth?") {
		t.Fatalf("explicit endpoint was replaced: %s", req.URL)
	}
}

func TestDiscoverFailures(t *testing.T) {
	mismatch := newDiscoveryServer(t, "https://other-issuer.test", true)
	noUserInfo := newDiscoveryServer(t, "", false)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name   string
		issuer string
		want   error
	}{
		{"empty issuer", "", autherr.ErrConfiguration},
		{"issuer mismatch", mismatch.URL, autherr.ErrConfiguration},
		{"no userinfo endpoint", noUserInfo.URL, autherr.ErrConfiguration},
		{"unreachable", closedURL, autherr.ErrProviderUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Discover(context.Background(), tc.issuer, Config{ClientID: "client", RedirectURL: "https://app/cb"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
