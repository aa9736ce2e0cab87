package oauth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/urlutil"
)

// DefaultClientScopes are granted to clients that register without a scope.
var DefaultClientScopes = []string{"read", "write"}

// ClientRegistration is the subset of RFC 7591 client metadata the gateway
// honours.
type ClientRegistration struct {
	RedirectURIs []string
	Scopes       []string
	Confidential bool
}

// forbiddenRedirectSchemes can execute or read content in the user agent
// instead of delivering the code to a client.
var forbiddenRedirectSchemes = map[string]bool{
	"javascript": true,
	"vbscript":   true,
	"data":       true,
	"file":       true,
	"blob":       true,
	"about":      true,
}

// ParseClientRegistration parses dynamic client registration metadata.
// Redirect URIs must be absolute and fragment-free; they are later matched
// exactly, so they are stored as given. Web clients use https, native
// clients a loopback http URI or a private-use scheme (RFC 8252).
func ParseClientRegistration(metadata map[string]any) (*ClientRegistration, error) {
	reg := &ClientRegistration{RedirectURIs: []string{}}

	if uris, ok := metadata["redirect_uris"].([]any); ok {
		for _, uri := range uris {
			uriStr, ok := uri.(string)
			if !ok {
				continue
			}
			if err := validateRedirectURI(uriStr); err != nil {
				return nil, err
			}
			reg.RedirectURIs = append(reg.RedirectURIs, uriStr)
		}
	}

	if len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("no valid redirect URIs provided")
	}

	reg.Scopes = append([]string(nil), DefaultClientScopes...)
	if clientScopes, ok := metadata["scope"].(string); ok {
		if strings.TrimSpace(clientScopes) != "" {
			reg.Scopes = strings.Fields(clientScopes)
		}
	}

	if method, ok := metadata["token_endpoint_auth_method"].(string); ok {
		switch method {
		case "none", "":
		case "client_secret_post":
			reg.Confidential = true
		default:
			return nil, fmt.Errorf("unsupported token_endpoint_auth_method %q", method)
		}
	}

	return reg, nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute: %q", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment: %q", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "https":
		if u.Host == "" {
			return fmt.Errorf("redirect URI has no host: %q", raw)
		}
	case scheme == "http":
		if !urlutil.IsLoopback(u) {
			return fmt.Errorf("redirect URI must use https unless it targets a loopback address: %q", raw)
		}
	case forbiddenRedirectSchemes[scheme]:
		return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
	}
	return nil
}
