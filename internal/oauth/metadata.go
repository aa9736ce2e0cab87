package oauth

import (
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/urlutil"
)

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResourceIndicatorsSupported       bool     `json:"resource_indicators_supported"`
}

// AuthorizationServerMetadata describes the gateway's authorization server.
// Sessions end when the Google token does, so only the authorization_code
// grant is advertised.
func AuthorizationServerMetadata(issuer string) (*ServerMetadata, error) {
	endpoints := make(map[string]string, 3)
	for _, name := range []string{"authorize", "token", "register"} {
		u, err := urlutil.JoinPath(issuer, name)
		if err != nil {
			return nil, err
		}
		endpoints[name] = u
	}

	return &ServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             endpoints["authorize"],
		TokenEndpoint:                     endpoints["token"],
		RegistrationEndpoint:              endpoints["register"],
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		ScopesSupported:                   DefaultClientScopes,
		ResourceIndicatorsSupported:       true,
	}, nil
}

func AuthorizationServerMetadataURI(issuer string) (string, error) {
	return urlutil.JoinPath(issuer, ".well-known", "oauth-authorization-server")
}

// ResourceMetadata is the RFC 9728 protected resource metadata document
// served for the tool transports.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
	Links                  struct {
		AuthorizationServer struct {
			Href string `json:"href"`
		} `json:"oauth-authorization-server"`
	} `json:"_links"`
}

// ProtectedResourceMetadata describes resource, the gateway's base URL, as
// protected by issuer.
func ProtectedResourceMetadata(resource string, issuer string) (*ResourceMetadata, error) {
	authzServerURL, err := AuthorizationServerMetadataURI(issuer)
	if err != nil {
		return nil, err
	}

	md := &ResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        DefaultClientScopes,
	}
	md.Links.AuthorizationServer.Href = authzServerURL
	return md, nil
}

// ProtectedResourceMetadataURI is advertised in WWW-Authenticate challenges
// from /sse and /mcp.
func ProtectedResourceMetadataURI(resource string) (string, error) {
	return urlutil.JoinPath(resource, ".well-known", "oauth-protected-resource")
}

// ClientMetadata represents OAuth 2.0 client metadata
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// BuildClientMetadata is the public view of a registered client served at
// /clients/{client_id}.
func BuildClientMetadata(clientID string, redirectURIs []string, grantTypes []string, responseTypes []string, scopes []string, tokenEndpointAuthMethod string, issuedAt int64) ClientMetadata {
	return ClientMetadata{
		ClientID:                clientID,
		ClientIDIssuedAt:        issuedAt,
		RedirectURIs:            redirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   strings.Join(scopes, " "),
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
	}
}
