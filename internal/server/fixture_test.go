package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/config"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/oauth"
	"github.com/dgellow/yt-mcp-gateway/internal/session"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/dgellow/yt-mcp-gateway/internal/testutil"
	"github.com/dgellow/yt-mcp-gateway/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL  = "https://yt.example.com"
	testSecret   = "0123456789abcdef0123456789abcdef"
	testRedirect = "https://client.example/cb"
	testState    = "client-state-1234"
	testVerifier = "verifier-0123456789-0123456789-0123456789-abc"
)

type fixture struct {
	store    *storage.MemoryStorage
	provider fosite.OAuth2Provider
	upstream *testutil.MockProvider
	agents   *session.Registry
	auth     *AuthHandlers
	mcp      *MCPHandler
	handler  http.Handler
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	return newFixtureWithBind(t, tools.NewRegistry().Bind, opts...)
}

// newFixtureWithBind builds the fixture around a custom tool binder.
func newFixtureWithBind(t *testing.T, bind session.BindFunc, opts ...session.Option) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	provider, err := oauth.NewOAuthProvider(config.AuthConfig{Issuer: testBaseURL, TokenTTL: time.Hour}, store, []byte(testSecret))
	require.NoError(t, err)

	upstream := &testutil.MockProvider{AuthorizeEndpoint: "https://accounts.example.com/auth"}
	machine := oauth.NewMachine(oauth.MachineConfig{
		Issuer:     testBaseURL,
		TokenTTL:   time.Hour,
		FlowTTL:    10 * time.Minute,
		SigningKey: []byte(testSecret),
	}, provider, store, upstream)

	agents := session.NewRegistry(bind, opts...)
	t.Cleanup(agents.Shutdown)

	f := &fixture{
		store:    store,
		provider: provider,
		upstream: upstream,
		agents:   agents,
		auth:     NewAuthHandlers(provider, machine, store, testBaseURL, testBaseURL),
		mcp:      NewMCPHandler(mcp.Implementation{Name: "yt-mcp-gateway", Version: "test"}, testBaseURL, agents),
	}
	t.Cleanup(func() { _ = f.mcp.Shutdown(context.Background()) })

	authed := NewAuthMiddleware(provider, store, agents, testBaseURL)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", f.auth.WellKnownHandler)
	mux.HandleFunc("/.well-known/oauth-protected-resource", f.auth.ProtectedResourceMetadataHandler)
	mux.HandleFunc("/authorize", f.auth.AuthorizeHandler)
	mux.HandleFunc("/oauth/callback", f.auth.CallbackHandler)
	mux.HandleFunc("/token", f.auth.TokenHandler)
	mux.HandleFunc("/register", f.auth.RegisterHandler)
	mux.HandleFunc("/clients/{client_id}", f.auth.ClientMetadataHandler)
	mux.Handle("/sse", authed(f.mcp))
	mux.Handle("/sse/message", authed(f.mcp))
	mux.Handle("/mcp", authed(f.mcp))
	f.handler = mux
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// register creates a public client through /register.
func (f *fixture) register(t *testing.T) string {
	t.Helper()
	body := `{"redirect_uris": ["` + testRedirect + `"], "scope": "read write"}`
	w := f.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	clientID, _ := resp["client_id"].(string)
	require.NotEmpty(t, clientID)
	return clientID
}

func authorizeURL(clientID string) string {
	return "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"state":                 {testState},
		"scope":                 {"read"},
		"code_challenge":        {s256(testVerifier)},
		"code_challenge_method": {"S256"},
	}.Encode()
}

func isRedirect(code int) bool {
	return code == http.StatusFound || code == http.StatusSeeOther
}

// authorize walks a user agent through /authorize and the upstream callback
// and returns the downstream authorization code.
func (f *fixture) authorize(t *testing.T, clientID, email, upstreamCode string) string {
	t.Helper()

	w := f.do(httptest.NewRequest(http.MethodGet, authorizeURL(clientID), nil))
	require.True(t, isRedirect(w.Code), "authorize: %d %s", w.Code, w.Body.String())
	upstreamURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := upstreamURL.Query().Get("state")
	require.NotEmpty(t, state)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	f.upstream.On("Exchange", mock.Anything, upstreamCode).Return(&idp.UpstreamGrant{
		AccessToken: "ya29." + email,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
		Identity: idp.Identity{
			Subject:       "sub-" + email,
			Email:         email,
			EmailVerified: true,
			Name:          "Test User",
			Domain:        strings.SplitN(email, "@", 2)[1],
		},
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+url.Values{
		"state": {state},
		"code":  {upstreamCode},
	}.Encode(), nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = f.do(req)
	require.True(t, isRedirect(w.Code), "callback: %d %s", w.Code, w.Body.String())

	back, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirect, back.Scheme+"://"+back.Host+back.Path)
	require.Equal(t, testState, back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *fixture) redeem(t *testing.T, clientID, code string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {clientID},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

// login runs the whole authorization flow for email and returns a bearer
// token for the tool transports.
func (f *fixture) login(t *testing.T, email string) string {
	t.Helper()
	clientID := f.register(t)
	code := f.authorize(t, clientID, email, "google-code-"+email)

	w := f.redeem(t, clientID, code)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	token, _ := resp["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func rpcRequest(id int, method string, params any) string {
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func (f *fixture) mcpPost(token, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	return f.do(req)
}

// initialize opens a streamable session and returns its id.
func (f *fixture) initialize(t *testing.T, token string) string {
	t.Helper()
	w := f.mcpPost(token, "", rpcRequest(1, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sessionID := w.Header().Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)
	return sessionID
}
