package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleProvider_AuthURL(t *testing.T) {
	provider := NewGoogleProvider("client-id", "client-secret", "https://gw.example.com/oauth/callback",
		[]string{"openid", "https://www.googleapis.com/auth/youtube.readonly"})

	raw := provider.AuthURL("signed.continuation")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "accounts.google.com", u.Host)
	q := u.Query()
	assert.Equal(t, "signed.continuation", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://gw.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Empty(t, q.Get("access_type"), "no refresh token unless asked for")
	assert.Contains(t, q.Get("scope"), "youtube.readonly")

	offline := NewGoogleProvider("client-id", "s", "https://gw.example.com/cb", nil, WithOfflineAccess())
	u, err = url.Parse(offline.AuthURL("x"))
	require.NoError(t, err)
	assert.Equal(t, "offline", u.Query().Get("access_type"))
}

func TestGoogleProvider_EnvOverrides(t *testing.T) {
	t.Setenv("GOOGLE_OAUTH_AUTH_URL", "http://fake-google/authorize")
	provider := NewGoogleProvider("c", "s", "http://localhost/cb", nil)
	assert.Contains(t, provider.AuthURL("st"), "http://fake-google/authorize?")
}

func fakeGoogle(t *testing.T, user googleUserInfoResponse, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.upstream",
			"token_type":   "Bearer",
			"expires_in":   3599,
			"scope":        "openid https://www.googleapis.com/auth/youtube.readonly",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ya29.upstream" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	})
	return httptest.NewServer(mux)
}

func TestGoogleProvider_Exchange(t *testing.T) {
	tests := []struct {
		name           string
		user           googleUserInfoResponse
		expectedDomain string
		expectedSub    string
	}{
		{
			name: "workspace account",
			user: googleUserInfoResponse{
				ID: "1001", Email: "Creator@Studio.io", VerifiedEmail: true,
				Name: "Creator", HostedDomain: "studio.io",
			},
			expectedDomain: "studio.io",
			expectedSub:    "1001",
		},
		{
			name: "consumer account derives domain from email",
			user: googleUserInfoResponse{
				Sub: "2002", Email: "someone@gmail.com", VerifiedEmail: true, Name: "Someone",
			},
			expectedDomain: "gmail.com",
			expectedSub:    "2002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := fakeGoogle(t, tt.user, &calls)
			defer server.Close()

			provider := NewGoogleProvider("c", "s", "http://localhost/cb", []string{"openid"},
				WithEndpoints(server.URL+"/authorize", server.URL+"/token", server.URL+"/userinfo"),
				WithHTTPClient(server.Client()))

			grant, err := provider.Exchange(context.Background(), "good-code")
			require.NoError(t, err)

			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, "ya29.upstream", grant.AccessToken)
			assert.Empty(t, grant.RefreshToken)
			assert.WithinDuration(t, time.Now().Add(time.Hour), grant.Expiry, time.Minute)
			assert.Equal(t, []string{"openid", "https://www.googleapis.com/auth/youtube.readonly"}, grant.Scopes)
			assert.Equal(t, tt.expectedSub, grant.Identity.Subject)
			assert.Equal(t, tt.expectedDomain, grant.Identity.Domain)
			assert.Equal(t, tt.user.Name, grant.Identity.Name)
			assert.False(t, grant.Expired(time.Now()))
		})
	}
}

func TestGoogleProvider_ExchangeRejected(t *testing.T) {
	var calls atomic.Int32
	server := fakeGoogle(t, googleUserInfoResponse{}, &calls)
	defer server.Close()

	provider := NewGoogleProvider("c", "s", "http://localhost/cb", nil,
		WithEndpoints("", server.URL+"/token", server.URL+"/userinfo"),
		WithHTTPClient(server.Client()))

	_, err := provider.Exchange(context.Background(), "replayed-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token exchange")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGoogleProvider_UserInfoFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.upstream",
			"token_type":   "Bearer",
			"expires_in":   3599,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"insufficient_scope"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := NewGoogleProvider("c", "s", "http://localhost/cb", nil,
		WithEndpoints("", server.URL+"/token", server.URL+"/userinfo"),
		WithHTTPClient(server.Client()))

	_, err := provider.Exchange(context.Background(), "good-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "insufficient_scope")
}

func TestValidateDomain(t *testing.T) {
	id := Identity{Email: "a@studio.io", Domain: "studio.io"}
	assert.NoError(t, ValidateDomain(id, nil))
	assert.NoError(t, ValidateDomain(id, []string{"studio.io"}))

	err := ValidateDomain(id, []string{"other.com"})
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
}
