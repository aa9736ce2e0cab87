package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/cookie"
	"github.com/dgellow/yt-mcp-gateway/internal/crypto"
	jsonwriter "github.com/dgellow/yt-mcp-gateway/internal/json"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/oauth"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/ory/fosite"
)

// maxRegistrationBody bounds the client metadata document accepted by /register.
const maxRegistrationBody = 64 << 10

// AuthHandlers serves the downstream authorization server: discovery,
// client registration, the authorization flow and the token endpoint.
type AuthHandlers struct {
	oauthProvider fosite.OAuth2Provider
	machine       *oauth.Machine
	clients       storage.ClientStore
	issuer        string
	resource      string
}

// NewAuthHandlers creates new auth handlers with dependency injection
func NewAuthHandlers(
	oauthProvider fosite.OAuth2Provider,
	machine *oauth.Machine,
	clients storage.ClientStore,
	issuer string,
	resource string,
) *AuthHandlers {
	return &AuthHandlers{
		oauthProvider: oauthProvider,
		machine:       machine,
		clients:       clients,
		issuer:        issuer,
		resource:      resource,
	}
}

// WellKnownHandler serves OAuth 2.0 Authorization Server Metadata (RFC 8414)
func (h *AuthHandlers) WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	log.Logf("Well-known handler called: %s %s", r.Method, r.URL.Path)

	metadata, err := oauth.AuthorizationServerMetadata(h.issuer)
	if err != nil {
		log.LogError("Failed to build authorization server metadata: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	if err := jsonwriter.Write(w, metadata); err != nil {
		log.LogError("Failed to encode well-known metadata: %v", err)
	}
}

// ProtectedResourceMetadataHandler serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
func (h *AuthHandlers) ProtectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	log.Logf("Protected resource metadata handler called: %s %s", r.Method, r.URL.Path)

	metadata, err := oauth.ProtectedResourceMetadata(h.resource, h.issuer)
	if err != nil {
		log.LogError("Failed to build protected resource metadata: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	if err := jsonwriter.Write(w, metadata); err != nil {
		log.LogError("Failed to encode protected resource metadata: %v", err)
	}
}

func (h *AuthHandlers) ClientMetadataHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		jsonwriter.WriteBadRequest(w, "Missing client_id")
		return
	}

	client, err := h.clients.GetClientWithMetadata(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			jsonwriter.WriteNotFound(w, "Client not found")
		} else {
			log.LogError("Failed to get client %s: %v", clientID, err)
			jsonwriter.WriteInternalServerError(w, "Failed to retrieve client")
		}
		return
	}

	metadata := oauth.BuildClientMetadata(
		client.ID,
		client.RedirectURIs,
		client.GrantTypes,
		client.ResponseTypes,
		client.Scopes,
		tokenEndpointAuthMethod(client),
		client.CreatedAt,
	)

	if err := jsonwriter.Write(w, metadata); err != nil {
		log.LogError("Failed to encode client metadata: %v", err)
	}
}

// AuthorizeHandler starts an authorization flow and sends the user agent to
// Google. The flow binding cookie is set on the same response.
func (h *AuthHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	redirect, err := h.machine.Start(r.Context(), r)
	if err != nil {
		oauth.WriteFlowError(w, r, err)
		return
	}

	cookie.SetFlowBinding(w, redirect.Flow.ID, redirect.Binding, h.machine.FlowTTL())
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// CallbackHandler resumes a flow when Google redirects back, then completes
// the client's authorization request with a downstream code.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	flowID := h.machine.PendingFlow(q.Get("state"))

	params := oauth.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Binding:          cookie.GetFlowBinding(r, flowID),
	}
	// The binding is single use whatever the outcome
	if flowID != "" {
		cookie.ClearFlowBinding(w, flowID)
	}

	exchanged, err := h.machine.Callback(ctx, params)
	if err != nil {
		oauth.WriteFlowError(w, r, err)
		return
	}

	ar, resp, err := h.machine.Issue(ctx, exchanged)
	if err != nil {
		oauth.WriteFlowError(w, r, err)
		return
	}

	h.oauthProvider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

// TokenHandler handles OAuth 2.0 token requests
func (h *AuthHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// fosite replaces this with the session stored under the authorization code
	session := &oauth.Session{DefaultSession: &fosite.DefaultSession{}}

	accessRequest, err := h.oauthProvider.NewAccessRequest(ctx, r, session)
	if err != nil {
		log.LogDebugWithFields("auth", "Access request rejected", map[string]any{
			"error": err.Error(),
		})
		h.oauthProvider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := h.oauthProvider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		log.LogError("Access response error: %v", err)
		h.oauthProvider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	if s, ok := accessRequest.GetSession().(*oauth.Session); ok {
		log.LogInfoWithFields("auth", "Access token issued", map[string]any{
			"client": accessRequest.GetClient().GetID(),
			"grant":  s.GrantID,
			"user":   s.Email,
		})
	}
	h.oauthProvider.WriteAccessResponse(ctx, w, accessRequest, response)
}

func (h *AuthHandlers) buildClientRegistrationResponse(client *storage.Client, clientSecret string) map[string]any {
	response := map[string]any{
		"client_id":                  client.ID,
		"client_id_issued_at":        client.CreatedAt,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scope":                      strings.Join(client.Scopes, " "),
		"token_endpoint_auth_method": tokenEndpointAuthMethod(client),
	}

	if clientSecret != "" {
		response["client_secret"] = clientSecret
	}

	return response
}

// RegisterHandler handles dynamic client registration (RFC 7591)
func (h *AuthHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var metadata map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&metadata); err != nil {
		jsonwriter.WriteError(w, http.StatusBadRequest, "invalid_client_metadata", "Invalid request body")
		return
	}

	reg, err := oauth.ParseClientRegistration(metadata)
	if err != nil {
		log.LogDebug("Client registration rejected: %v", err)
		jsonwriter.WriteError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	clientID, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogError("Failed to generate client id: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to create client")
		return
	}

	var client *storage.Client
	var plaintextSecret string

	if reg.Confidential {
		plaintextSecret, err = crypto.GenerateSecureToken()
		if err != nil {
			log.LogError("Failed to generate client secret: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
		hashedSecret, err := crypto.HashClientSecret(plaintextSecret)
		if err != nil {
			log.LogError("Failed to hash client secret: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
		client, err = h.clients.CreateConfidentialClient(r.Context(), clientID, hashedSecret, reg.RedirectURIs, reg.Scopes, h.issuer)
		if err != nil {
			log.LogError("Failed to create confidential client: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
	} else {
		client, err = h.clients.CreateClient(r.Context(), clientID, reg.RedirectURIs, reg.Scopes, h.issuer)
		if err != nil {
			log.LogError("Failed to create client: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
	}

	log.LogInfoWithFields("auth", "Client registered", map[string]any{
		"client":       client.ID,
		"confidential": reg.Confidential,
		"redirectURIs": client.RedirectURIs,
	})

	if err := jsonwriter.WriteResponse(w, http.StatusCreated, h.buildClientRegistrationResponse(client, plaintextSecret)); err != nil {
		log.LogError("Failed to encode registration response: %v", err)
	}
}

func tokenEndpointAuthMethod(client *storage.Client) string {
	if len(client.Secret) > 0 {
		return "client_secret_post"
	}
	return "none"
}
