package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/config"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/dgellow/yt-mcp-gateway/internal/testutil"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer    = "https://yt.example.com"
	testSecret    = "0123456789abcdef0123456789abcdef"
	testClientID  = "client-x"
	testRedirect  = "https://a.example/cb"
	testState     = "client-state-1234"
	testVerifier  = "verifier-0123456789-0123456789-0123456789-abc"
	upstreamToken = "ya29.upstream-token"
)

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingStore records the credential store writes the machine makes.
type countingStore struct {
	storage.Storage
	puts     atomic.Int32
	consumes atomic.Int32
}

func (s *countingStore) PutGrant(ctx context.Context, g *storage.Grant) error {
	s.puts.Add(1)
	return s.Storage.PutGrant(ctx, g)
}

func (s *countingStore) ConsumeCode(ctx context.Context, hash string, expiresAt time.Time) error {
	s.consumes.Add(1)
	return s.Storage.ConsumeCode(ctx, hash, expiresAt)
}

type flowFixture struct {
	store    *storage.MemoryStorage
	counted  *countingStore
	provider fosite.OAuth2Provider
	upstream *testutil.MockProvider
	machine  *Machine
	clock    *fakeClock
}

func newFlowFixture(t *testing.T, allowedDomains ...string) *flowFixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	provider, err := NewOAuthProvider(config.AuthConfig{Issuer: testIssuer, TokenTTL: time.Hour}, store, []byte(testSecret))
	require.NoError(t, err)

	_, err = store.CreateClient(ctx, testClientID, []string{testRedirect}, DefaultClientScopes, testIssuer)
	require.NoError(t, err)

	f := &flowFixture{
		store:    store,
		counted:  &countingStore{Storage: store},
		provider: provider,
		upstream: &testutil.MockProvider{AuthorizeEndpoint: "https://accounts.example.com/auth"},
		clock:    &fakeClock{t: time.Now()},
	}
	f.machine = NewMachine(MachineConfig{
		Issuer:         testIssuer,
		TokenTTL:       time.Hour,
		FlowTTL:        10 * time.Minute,
		AllowedDomains: allowedDomains,
		SigningKey:     []byte(testSecret),
	}, provider, f.counted, f.upstream, WithClock(f.clock.Now))
	return f
}

func authorizeParams() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirect},
		"state":                 {testState},
		"scope":                 {"read"},
		"code_challenge":        {s256(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func authorizeRequest(params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, testIssuer+"/authorize?"+params.Encode(), nil)
}

// startFlow runs Start and returns the continuation Google would echo back.
func (f *flowFixture) startFlow(t *testing.T) (*Redirect, string) {
	t.Helper()
	redirect, err := f.machine.Start(context.Background(), authorizeRequest(authorizeParams()))
	require.NoError(t, err)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return redirect, state
}

func upstreamGrant(email, token string, expiry time.Time) *idp.UpstreamGrant {
	return &idp.UpstreamGrant{
		AccessToken:  token,
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
		Identity: idp.Identity{
			Subject: "sub-" + email,
			Email:   email,
			Name:    "Test User",
			Domain:  strings.SplitN(email, "@", 2)[1],
		},
	}
}

// redeem exchanges a downstream code at the token endpoint the way an MCP
// client would.
func (f *flowFixture) redeem(t *testing.T, code string) string {
	t.Helper()
	ctx := context.Background()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {testClientID},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	accessReq, err := f.provider.NewAccessRequest(ctx, req, &Session{DefaultSession: &fosite.DefaultSession{}})
	require.NoError(t, err)
	resp, err := f.provider.NewAccessResponse(ctx, accessReq)
	require.NoError(t, err)
	return resp.GetAccessToken()
}

func TestFlow_CompleteIssuesOneGrant(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	redirect, state := f.startFlow(t)
	assert.True(t, strings.HasPrefix(redirect.URL, "https://accounts.example.com/auth?"))
	assert.Equal(t, AwaitingUpstreamCallback, redirect.Flow.State())
	assert.NotEmpty(t, redirect.Binding)
	assert.Zero(t, f.counted.puts.Load(), "start must not write grants")

	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, f.clock.Now().Add(2*time.Hour)), nil).Once()

	ex, err := f.machine.Callback(ctx, CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.NoError(t, err)
	assert.Equal(t, Issuing, ex.Flow.State())
	assert.Equal(t, redirect.Flow.ID, ex.Flow.ID)

	ar, resp, err := f.machine.Issue(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, Complete, ex.Flow.State())
	assert.Equal(t, testRedirect, ar.GetRedirectURI().String())
	assert.Equal(t, testState, resp.GetParameters().Get("state"))
	code := resp.GetCode()
	require.NotEmpty(t, code)
	assert.Equal(t, int32(1), f.counted.puts.Load())

	token := f.redeem(t, code)
	require.NotEmpty(t, token)

	session, _, err := IntrospectAccessToken(ctx, f.provider, token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", session.Email)

	grant, err := f.store.GetGrant(ctx, session.GrantID)
	require.NoError(t, err)
	assert.Equal(t, upstreamToken, grant.Props.AccessToken)
	assert.Equal(t, "alice@example.com", grant.Props.Email)
	assert.Equal(t, testClientID, grant.ClientID)

	user, err := f.store.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, user.Grants)

	f.upstream.AssertExpectations(t)
}

func TestFlow_GrantExpiryFollowsUpstreamToken(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	redirect, state := f.startFlow(t)
	upstreamExpiry := f.clock.Now().Add(20 * time.Minute)
	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, upstreamExpiry), nil).Once()

	ex, err := f.machine.Callback(ctx, CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.NoError(t, err)
	_, resp, err := f.machine.Issue(ctx, ex)
	require.NoError(t, err)

	session, _, err := IntrospectAccessToken(ctx, f.provider, f.redeem(t, resp.GetCode()))
	require.NoError(t, err)
	grant, err := f.store.GetGrant(ctx, session.GrantID)
	require.NoError(t, err)
	assert.WithinDuration(t, upstreamExpiry, grant.ExpiresAt, time.Second)
}

func TestFlow_ReplayedCodeFails(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	redirect, state := f.startFlow(t)
	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, time.Time{}), nil).Once()

	params := CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding}
	ex, err := f.machine.Callback(ctx, params)
	require.NoError(t, err)
	_, _, err = f.machine.Issue(ctx, ex)
	require.NoError(t, err)

	_, err = f.machine.Callback(ctx, params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodeAlreadyUsed))

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, ExchangingCode, flowErr.State)
	assert.Equal(t, http.StatusBadRequest, flowErr.HTTPStatus())

	assert.Equal(t, int32(1), f.counted.puts.Load(), "replay must not issue a second grant")
	f.upstream.AssertNumberOfCalls(t, "Exchange", 1)
}

func TestFlow_ReplayAfterFlowTTLStillDetected(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	provider, err := NewOAuthProvider(config.AuthConfig{Issuer: testIssuer, TokenTTL: time.Hour}, store, []byte(testSecret))
	require.NoError(t, err)
	_, err = store.CreateClient(ctx, testClientID, []string{testRedirect}, DefaultClientScopes, testIssuer)
	require.NoError(t, err)

	upstream := &testutil.MockProvider{AuthorizeEndpoint: "https://accounts.example.com/auth"}
	upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, time.Time{}), nil).Once()

	machine := NewMachine(MachineConfig{
		Issuer:     testIssuer,
		TokenTTL:   time.Hour,
		FlowTTL:    2 * time.Minute,
		SigningKey: []byte(testSecret),
	}, provider, store, upstream, WithClock(clock.Now))
	f := &flowFixture{store: store, provider: provider, upstream: upstream, machine: machine, clock: clock}

	redirect, state := f.startFlow(t)
	_, err = machine.Callback(ctx, CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.NoError(t, err)

	// The first continuation has expired but the code is still redeemable upstream.
	clock.Advance(5 * time.Minute)
	redirect, state = f.startFlow(t)
	_, err = machine.Callback(ctx, CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
	upstream.AssertNumberOfCalls(t, "Exchange", 1)

	clock.Advance(UpstreamCodeLifetime)
	redirect, state = f.startFlow(t)
	upstream.On("Exchange", mock.Anything, "abc123").
		Return(nil, errors.New("invalid_grant")).Once()
	_, err = machine.Callback(ctx, CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	assert.ErrorIs(t, err, ErrUpstreamExchangeFailed)
}

func TestFlow_ConcurrentReplayExchangesOnce(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	redirect, state := f.startFlow(t)
	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, time.Time{}), nil)

	params := CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding}
	var wg sync.WaitGroup
	var succeeded, replayed atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Callback(ctx, params)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrCodeAlreadyUsed):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), replayed.Load())
	f.upstream.AssertNumberOfCalls(t, "Exchange", 1)
}

func TestFlow_StateMismatch(t *testing.T) {
	tests := []struct {
		name   string
		params func(state, binding string) CallbackParams
	}{
		{
			name: "tampered continuation",
			params: func(state, binding string) CallbackParams {
				return CallbackParams{State: state + "x", Code: "abc123", Binding: binding}
			},
		},
		{
			name: "unknown state",
			params: func(_, binding string) CallbackParams {
				return CallbackParams{State: "not-a-continuation", Code: "abc123", Binding: binding}
			},
		},
		{
			name: "missing binding cookie",
			params: func(state, _ string) CallbackParams {
				return CallbackParams{State: state, Code: "abc123"}
			},
		},
		{
			name: "binding from another flow",
			params: func(state, binding string) CallbackParams {
				return CallbackParams{State: state, Code: "abc123", Binding: binding + "0"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlowFixture(t)
			redirect, state := f.startFlow(t)

			_, err := f.machine.Callback(context.Background(), tt.params(state, redirect.Binding))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStateMismatch), "got %v", err)

			f.upstream.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
			assert.Zero(t, f.counted.consumes.Load())
			assert.Zero(t, f.counted.puts.Load())
		})
	}
}

func TestFlow_PendingFlow(t *testing.T) {
	f := newFlowFixture(t)
	redirect, state := f.startFlow(t)

	assert.Equal(t, redirect.Flow.ID, f.machine.PendingFlow(state))
	assert.Empty(t, f.machine.PendingFlow(state+"x"))
	assert.Empty(t, f.machine.PendingFlow(""))

	f.clock.Advance(11 * time.Minute)
	assert.Empty(t, f.machine.PendingFlow(state))
}

func TestFlow_Expired(t *testing.T) {
	f := newFlowFixture(t)
	redirect, state := f.startFlow(t)

	f.clock.Advance(11 * time.Minute)

	_, err := f.machine.Callback(context.Background(), CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFlowExpired))
	f.upstream.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
}

func TestFlow_UpstreamExchangeFailed(t *testing.T) {
	f := newFlowFixture(t)
	redirect, state := f.startFlow(t)

	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(nil, errors.New("invalid_grant")).Once()

	_, err := f.machine.Callback(context.Background(), CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamExchangeFailed))

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, http.StatusBadGateway, flowErr.HTTPStatus())
	assert.Zero(t, f.counted.puts.Load())
}

func TestFlow_ProviderError(t *testing.T) {
	f := newFlowFixture(t)
	redirect, state := f.startFlow(t)

	_, err := f.machine.Callback(context.Background(), CallbackParams{
		State:   state,
		Error:   "access_denied",
		Binding: redirect.Binding,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	f.upstream.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
}

func TestFlow_DomainNotAllowed(t *testing.T) {
	f := newFlowFixture(t, "company.com")
	redirect, state := f.startFlow(t)

	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("mallory@gmail.com", upstreamToken, time.Time{}), nil).Once()

	_, err := f.machine.Callback(context.Background(), CallbackParams{State: state, Code: "abc123", Binding: redirect.Binding})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Zero(t, f.counted.puts.Load())
}

func TestFlow_StartValidation(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(url.Values)
		wantCode     ErrorCode
		wantRedirect bool
	}{
		{
			name:     "unknown client",
			mutate:   func(v url.Values) { v.Set("client_id", "nobody") },
			wantCode: CodeInvalidClient,
		},
		{
			name:     "missing client",
			mutate:   func(v url.Values) { v.Del("client_id") },
			wantCode: CodeInvalidClient,
		},
		{
			name:     "unregistered redirect",
			mutate:   func(v url.Values) { v.Set("redirect_uri", "https://evil.example/cb") },
			wantCode: CodeInvalidRedirect,
		},
		{
			name:     "redirect prefix is not a match",
			mutate:   func(v url.Values) { v.Set("redirect_uri", testRedirect+"/extra") },
			wantCode: CodeInvalidRedirect,
		},
		{
			name:         "public client without PKCE",
			mutate:       func(v url.Values) { v.Del("code_challenge"); v.Del("code_challenge_method") },
			wantCode:     CodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "resource outside issuer",
			mutate:       func(v url.Values) { v.Set("resource", "https://other.example.com/api") },
			wantCode:     CodeInvalidTarget,
			wantRedirect: true,
		},
		{
			name:         "unsupported response type",
			mutate:       func(v url.Values) { v.Set("response_type", "token") },
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlowFixture(t)
			params := authorizeParams()
			tt.mutate(params)

			redirect, err := f.machine.Start(context.Background(), authorizeRequest(params))
			require.Error(t, err)
			assert.Nil(t, redirect)

			var flowErr *FlowError
			require.ErrorAs(t, err, &flowErr)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, flowErr.Code)
			}
			if tt.wantRedirect {
				assert.Equal(t, testRedirect, flowErr.RedirectURI)
				assert.Equal(t, testState, flowErr.ClientState)
			} else {
				assert.Empty(t, flowErr.RedirectURI, "errors before redirect validation must not redirect")
			}
		})
	}
}

func TestFlow_ResourceBecomesAudience(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	params := authorizeParams()
	params.Set("resource", testIssuer+"/mcp")
	redirect, err := f.machine.Start(ctx, authorizeRequest(params))
	require.NoError(t, err)
	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)

	f.upstream.On("Exchange", mock.Anything, "abc123").
		Return(upstreamGrant("alice@example.com", upstreamToken, time.Time{}), nil).Once()
	ex, err := f.machine.Callback(ctx, CallbackParams{State: u.Query().Get("state"), Code: "abc123", Binding: redirect.Binding})
	require.NoError(t, err)
	_, resp, err := f.machine.Issue(ctx, ex)
	require.NoError(t, err)

	_, ar, err := IntrospectAccessToken(ctx, f.provider, f.redeem(t, resp.GetCode()))
	require.NoError(t, err)
	assert.Contains(t, []string(ar.GetGrantedAudience()), testIssuer+"/mcp")
	assert.NoError(t, ValidateAudience(ar.GetGrantedAudience(), testIssuer))
}

func TestFlow_SessionsDoNotShareProps(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	issue := func(email, token, code string) string {
		redirect, state := f.startFlow(t)
		f.upstream.On("Exchange", mock.Anything, code).
			Return(upstreamGrant(email, token, time.Time{}), nil).Once()
		ex, err := f.machine.Callback(ctx, CallbackParams{State: state, Code: code, Binding: redirect.Binding})
		require.NoError(t, err)
		_, resp, err := f.machine.Issue(ctx, ex)
		require.NoError(t, err)
		return f.redeem(t, resp.GetCode())
	}

	tokenA := issue("alice@example.com", "ya29.alice", "code-a")
	tokenB := issue("bob@example.com", "ya29.bob", "code-b")

	sessionA, _, err := IntrospectAccessToken(ctx, f.provider, tokenA)
	require.NoError(t, err)
	sessionB, _, err := IntrospectAccessToken(ctx, f.provider, tokenB)
	require.NoError(t, err)
	require.NotEqual(t, sessionA.GrantID, sessionB.GrantID)

	grantA, err := f.store.GetGrant(ctx, sessionA.GrantID)
	require.NoError(t, err)
	grantB, err := f.store.GetGrant(ctx, sessionB.GrantID)
	require.NoError(t, err)
	assert.Equal(t, "ya29.alice", grantA.Props.AccessToken)
	assert.Equal(t, "ya29.bob", grantB.Props.AccessToken)
}

func TestFlow_IssueRequiresExchangedFlow(t *testing.T) {
	f := newFlowFixture(t)
	ex := &Exchanged{
		Flow:         newFlow("f1", AwaitingUpstreamCallback, nil),
		Continuation: &Continuation{ClientID: testClientID, RedirectURI: testRedirect},
		Grant:        upstreamGrant("alice@example.com", upstreamToken, time.Time{}),
	}
	_, _, err := f.machine.Issue(context.Background(), ex)
	require.Error(t, err)
	assert.Zero(t, f.counted.puts.Load())
}
