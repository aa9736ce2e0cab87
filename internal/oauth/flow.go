package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/crypto"
	"github.com/dgellow/yt-mcp-gateway/internal/envutil"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/dgellow/yt-mcp-gateway/internal/telemetry"
	"github.com/google/uuid"
	"github.com/ory/fosite"
)

// DefaultExchangeTimeout bounds the upstream code exchange.
const DefaultExchangeTimeout = 30 * time.Second

// UpstreamCodeLifetime is the longest an upstream authorization code stays
// redeemable (RFC 6749 section 4.1.2). Consumed codes are remembered at least
// this long.
const UpstreamCodeLifetime = 10 * time.Minute

// MachineConfig holds the settings of the authorization state machine.
type MachineConfig struct {
	Issuer         string
	TokenTTL       time.Duration
	FlowTTL        time.Duration
	AllowedDomains []string
	// SigningKey signs continuations and flow bindings and keys the hash
	// under which consumed upstream codes are remembered.
	SigningKey []byte
}

// Machine runs the authorization code flow against the upstream provider and
// issues downstream grants through fosite.
type Machine struct {
	provider fosite.OAuth2Provider
	store    storage.Storage
	upstream idp.Provider
	metrics  *telemetry.Metrics

	continuations   crypto.TokenSigner
	bindings        crypto.CSRFProtection
	codeKey         []byte
	issuer          string
	tokenTTL        time.Duration
	flowTTL         time.Duration
	allowedDomains  []string
	exchangeTimeout time.Duration
	now             func() time.Time
}

type MachineOption func(*Machine)

// WithClock makes the machine and its signers read time from now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
		m.continuations = m.continuations.WithClock(now)
		m.bindings = m.bindings.WithClock(now)
	}
}

func WithMetrics(metrics *telemetry.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

func WithExchangeTimeout(d time.Duration) MachineOption {
	return func(m *Machine) { m.exchangeTimeout = d }
}

func NewMachine(cfg MachineConfig, provider fosite.OAuth2Provider, store storage.Storage, upstream idp.Provider, opts ...MachineOption) *Machine {
	m := &Machine{
		provider:        provider,
		store:           store,
		upstream:        upstream,
		continuations:   crypto.NewTokenSigner(cfg.SigningKey, cfg.FlowTTL),
		bindings:        crypto.NewCSRFProtection(cfg.SigningKey, cfg.FlowTTL),
		codeKey:         cfg.SigningKey,
		issuer:          cfg.Issuer,
		tokenTTL:        cfg.TokenTTL,
		flowTTL:         cfg.FlowTTL,
		allowedDomains:  cfg.AllowedDomains,
		exchangeTimeout: DefaultExchangeTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// codeRetention covers both the continuation and the upstream code, so a
// replay under a fresh continuation is still recognised.
func (m *Machine) codeRetention() time.Duration {
	return max(m.flowTTL, UpstreamCodeLifetime)
}

// FlowTTL is how long a started flow may wait for its callback.
func (m *Machine) FlowTTL() time.Duration {
	return m.flowTTL
}

// Redirect is the outcome of Start: where to send the user agent and the
// binding to set on it.
type Redirect struct {
	Flow    *Flow
	URL     string
	Binding string
}

// Start validates a downstream authorization request and produces the
// redirect to the upstream provider. Nothing is written to the store.
func (m *Machine) Start(ctx context.Context, r *http.Request) (*Redirect, error) {
	flow := newFlow(uuid.NewString(), Idle, m.metrics)

	if err := r.ParseForm(); err != nil {
		return nil, flow.fail(ctx, CodeInvalidRequest, "malformed authorization request", err)
	}
	ensureDevState(r)

	clientID := r.Form.Get("client_id")
	flow.ClientID = clientID
	if clientID == "" {
		return nil, flow.fail(ctx, CodeInvalidClient, "client_id is required", nil)
	}
	client, err := m.store.GetClientWithMetadata(ctx, clientID)
	if err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			return nil, flow.fail(ctx, CodeInvalidClient, "unknown client", err)
		}
		return nil, flow.fail(ctx, CodeServerError, "failed to load client", err)
	}

	redirectURI := r.Form.Get("redirect_uri")
	if !client.HasRedirectURI(redirectURI) {
		return nil, flow.fail(ctx, CodeInvalidRedirect, "redirect_uri is not registered for this client", nil)
	}

	// The redirect is trusted from here on, so errors go back to the client
	clientState := r.Form.Get("state")
	toClient := func(e *FlowError) *FlowError {
		e.RedirectURI = redirectURI
		e.ClientState = clientState
		return e
	}

	ar, err := m.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		fe := fromFosite(err)
		return nil, toClient(flow.fail(ctx, fe.Code, fe.Description, err))
	}

	challenge := ar.GetRequestForm().Get("code_challenge")
	method := ar.GetRequestForm().Get("code_challenge_method")
	if client.Public && challenge == "" {
		return nil, toClient(flow.fail(ctx, CodeInvalidRequest, "PKCE code_challenge is required for public clients", nil))
	}
	if challenge != "" && method != "S256" {
		return nil, toClient(flow.fail(ctx, CodeInvalidRequest, "only code_challenge_method=S256 is supported", nil))
	}

	resources, err := ExtractResourceParameters(r)
	if err != nil {
		return nil, toClient(flow.fail(ctx, CodeInvalidTarget, err.Error(), err))
	}
	for _, resource := range resources {
		if err := ValidateResourceURI(resource, m.issuer); err != nil {
			return nil, toClient(flow.fail(ctx, CodeInvalidTarget, fmt.Sprintf("invalid resource: %v", err), err))
		}
	}

	binding, err := m.bindings.Generate()
	if err != nil {
		return nil, toClient(flow.fail(ctx, CodeServerError, "failed to generate flow binding", err))
	}

	cont := Continuation{
		FlowID:              flow.ID,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               ar.GetState(),
		Scopes:              ar.GetRequestedScopes(),
		Audience:            resources,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Binding:             binding,
		RequestedAt:         m.now().UTC(),
	}
	if err := flow.advance(ctx, AwaitingUpstreamRedirect); err != nil {
		return nil, toClient(flow.fail(ctx, CodeServerError, "invalid flow state", err))
	}

	signed, err := m.continuations.Sign(cont)
	if err != nil {
		return nil, toClient(flow.fail(ctx, CodeServerError, "failed to sign continuation", err))
	}
	authURL := m.upstream.AuthURL(signed)

	if err := flow.advance(ctx, AwaitingUpstreamCallback); err != nil {
		return nil, toClient(flow.fail(ctx, CodeServerError, "invalid flow state", err))
	}

	log.LogInfoWithFields("flow", "Redirecting to upstream provider", map[string]any{
		"flow":     flow.ID,
		"client":   clientID,
		"provider": m.upstream.Type(),
		"scopes":   cont.Scopes,
	})
	return &Redirect{Flow: flow, URL: authURL, Binding: binding}, nil
}

// ensureDevState fills in a missing state in development mode. Some MCP
// clients omit it and fosite rejects the request otherwise.
func ensureDevState(r *http.Request) {
	if !envutil.IsDev() || r.Form.Get("state") != "" {
		return
	}
	generated, err := crypto.GenerateSecureToken()
	if err != nil {
		return
	}
	log.LogWarn("Development mode: generating state parameter for client without one")
	q := r.URL.Query()
	q.Set("state", generated)
	r.URL.RawQuery = q.Encode()
	r.Form.Set("state", generated)
}

// CallbackParams is what the upstream provider and the user agent present at
// the callback.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	// Binding is the value of the flow's cookie.
	Binding string
}

// Exchanged is a flow that has a verified upstream grant and is ready to issue.
type Exchanged struct {
	Flow         *Flow
	Continuation *Continuation
	Grant        *idp.UpstreamGrant
}

// PendingFlow returns the flow id carried by a validly signed, unexpired
// continuation, or "" for anything else.
func (m *Machine) PendingFlow(state string) string {
	var cont Continuation
	if err := m.continuations.Verify(state, &cont); err != nil {
		return ""
	}
	return cont.FlowID
}

// Callback resumes a flow from the upstream provider's redirect. The
// continuation and its binding are checked before anything else; the code
// is only exchanged once it has been recorded as consumed.
func (m *Machine) Callback(ctx context.Context, p CallbackParams) (*Exchanged, error) {
	flow := newFlow("", AwaitingUpstreamCallback, m.metrics)

	var cont Continuation
	if err := m.continuations.Verify(p.State, &cont); err != nil {
		if errors.Is(err, crypto.ErrTokenExpired) {
			return nil, flow.fail(ctx, CodeFlowExpired, "authorization flow expired, start again at /authorize", err)
		}
		return nil, flow.fail(ctx, CodeStateMismatch, "state does not match any pending authorization", err)
	}
	flow.ID = cont.FlowID
	flow.ClientID = cont.ClientID

	if !m.bindings.Matches(p.Binding, cont.Binding) {
		return nil, flow.fail(ctx, CodeStateMismatch, "state is not bound to this user agent", nil)
	}

	if p.Error != "" {
		desc := "upstream provider returned " + p.Error
		if p.ErrorDescription != "" {
			desc += ": " + p.ErrorDescription
		}
		return nil, flow.fail(ctx, CodeAccessDenied, desc, nil)
	}
	if p.Code == "" {
		return nil, flow.fail(ctx, CodeInvalidRequest, "callback is missing the authorization code", nil)
	}

	if err := flow.advance(ctx, ExchangingCode); err != nil {
		return nil, flow.fail(ctx, CodeServerError, "invalid flow state", err)
	}

	codeHash := crypto.HashValue(p.Code, m.codeKey)
	if err := m.store.ConsumeCode(ctx, codeHash, m.now().Add(m.codeRetention())); err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			return nil, flow.fail(ctx, CodeAlreadyUsed, "authorization code has already been used", err)
		}
		return nil, flow.fail(ctx, CodeServerError, "failed to record authorization code", err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()

	grant, err := m.upstream.Exchange(exchangeCtx, p.Code)
	if err != nil {
		return nil, flow.fail(ctx, CodeUpstreamExchangeFailed, "failed to exchange authorization code", err)
	}
	if grant.AccessToken == "" {
		return nil, flow.fail(ctx, CodeUpstreamExchangeFailed, "upstream provider returned no access token", nil)
	}

	if err := idp.ValidateDomain(grant.Identity, m.allowedDomains); err != nil {
		return nil, flow.fail(ctx, CodeAccessDenied, "account is not in an allowed domain", err)
	}

	if err := flow.advance(ctx, Issuing); err != nil {
		return nil, flow.fail(ctx, CodeServerError, "invalid flow state", err)
	}

	log.LogInfoWithFields("flow", "User authenticated", map[string]any{
		"flow":   flow.ID,
		"client": flow.ClientID,
		"user":   grant.Identity.Email,
	})
	return &Exchanged{Flow: flow, Continuation: &cont, Grant: grant}, nil
}

// Issue binds the upstream grant into Props, persists the downstream grant
// and completes the client's authorization request with a code for it.
func (m *Machine) Issue(ctx context.Context, ex *Exchanged) (fosite.AuthorizeRequester, fosite.AuthorizeResponder, error) {
	flow := ex.Flow
	if flow.State() != Issuing {
		return nil, nil, flow.fail(ctx, CodeServerError, "flow is not ready to issue", nil)
	}
	cont := ex.Continuation

	client, err := m.store.GetClient(ctx, cont.ClientID)
	if err != nil {
		return nil, nil, flow.fail(ctx, CodeInvalidClient, "client is no longer registered", err)
	}

	now := m.now()
	expiresAt := now.Add(m.tokenTTL)
	if !ex.Grant.Expiry.IsZero() && ex.Grant.Expiry.Before(expiresAt) {
		expiresAt = ex.Grant.Expiry
	}

	grant := &storage.Grant{
		ID:        uuid.NewString(),
		ClientID:  cont.ClientID,
		Props:     props.Bind(*ex.Grant),
		Scopes:    cont.Scopes,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := m.store.PutGrant(ctx, grant); err != nil {
		return nil, nil, flow.fail(ctx, CodeServerError, "failed to store grant", err)
	}

	if err := m.store.UpsertUser(ctx, ex.Grant.Identity); err != nil {
		log.LogWarnWithFields("flow", "Failed to track user", map[string]any{
			"user":  ex.Grant.Identity.Email,
			"error": err.Error(),
		})
	}

	session := NewSession(grant.ID, ex.Grant.Identity.Subject, ex.Grant.Identity.Email, expiresAt)
	ar, err := cont.authorizeRequest(client, session)
	if err != nil {
		m.revoke(ctx, grant.ID)
		return nil, nil, flow.fail(ctx, CodeServerError, "invalid redirect in continuation", err)
	}

	resp, err := m.provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		m.revoke(ctx, grant.ID)
		fe := fromFosite(err)
		return nil, nil, flow.fail(ctx, CodeServerError, fe.Description, err)
	}

	if err := flow.advance(ctx, Complete); err != nil {
		return nil, nil, flow.fail(ctx, CodeServerError, "invalid flow state", err)
	}

	log.LogInfoWithFields("flow", "Grant issued", map[string]any{
		"flow":      flow.ID,
		"client":    cont.ClientID,
		"grant":     grant.ID,
		"user":      grant.Props.Email,
		"expiresAt": expiresAt,
	})
	return ar, resp, nil
}

// revoke drops a grant whose code could not be handed out.
func (m *Machine) revoke(ctx context.Context, grantID string) {
	if err := m.store.RevokeGrant(ctx, grantID); err != nil {
		log.LogErrorWithFields("flow", "Failed to revoke orphaned grant", map[string]any{
			"grant": grantID,
			"error": err.Error(),
		})
	}
}
