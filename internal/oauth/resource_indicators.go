package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Resource Indicators for OAuth 2.0 (RFC 8707)
// https://datatracker.ietf.org/doc/html/rfc8707
//
// A client may name the resource it wants a token for. The gateway is a
// single resource (its base URL) reached over /sse and /mcp, so any resource
// at or below the issuer is accepted and carried as the token's audience.
// The bearer middleware then checks the audience still points at us.

// MaxResourceParameters bounds how many resource values one request may carry.
const MaxResourceParameters = 100

// ExtractResourceParameters returns the deduplicated resource values of r.
// The parameter is optional; no values is not an error.
//
// Example:
//
//	GET /authorize?resource=https://yt.example.com&resource=https://yt.example.com/mcp
//	Returns: []string{"https://yt.example.com", "https://yt.example.com/mcp"}
func ExtractResourceParameters(r *http.Request) ([]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	resources := r.Form["resource"]
	if len(resources) == 0 {
		return []string{}, nil
	}

	if len(resources) > MaxResourceParameters {
		return nil, fmt.Errorf("too many resource parameters: %d (maximum: %d)", len(resources), MaxResourceParameters)
	}

	seen := make(map[string]bool)
	unique := make([]string, 0, len(resources))
	for _, resource := range resources {
		if resource == "" || seen[resource] {
			continue
		}
		seen[resource] = true
		unique = append(unique, resource)
	}

	return unique, nil
}

// ValidateResourceURI checks resourceURI is absolute, fragment-free and
// under the issuer's authority, so tokens are never minted for somebody
// else's API.
//
// Example valid URI: "https://yt.example.com/mcp"
// Example invalid URI: "/mcp" (not absolute)
// Example invalid URI: "https://external.com/api" (different authority)
func ValidateResourceURI(resourceURI string, issuer string) error {
	u, err := url.Parse(resourceURI)
	if err != nil {
		return fmt.Errorf("resource URI is not a valid URI: %w", err)
	}

	if !u.IsAbs() {
		return fmt.Errorf("resource URI must be absolute (include scheme and host), got: %s", resourceURI)
	}

	if u.Fragment != "" {
		return fmt.Errorf("resource URI must not contain fragment, got: %s", resourceURI)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("resource URI scheme must be http or https, got: %s", u.Scheme)
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URI: %w", err)
	}

	if u.Scheme != issuerURL.Scheme {
		return fmt.Errorf("resource URI scheme must match issuer (%s), got: %s", issuerURL.Scheme, u.Scheme)
	}

	if u.Host != issuerURL.Host {
		return fmt.Errorf("resource URI host must match issuer (%s), got: %s", issuerURL.Host, u.Host)
	}

	if !pathWithin(u.Path, issuerURL.Path) {
		return fmt.Errorf("resource URI path '%s' is not a valid subpath of issuer path '%s'", u.Path, issuerURL.Path)
	}

	return nil
}

// pathWithin reports whether path equals base or lies below it. "/api" does
// not contain "/api-admin".
func pathWithin(path, base string) bool {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return true
	}
	path = strings.TrimSuffix(path, "/")
	return path == base || strings.HasPrefix(path, base+"/")
}

// ValidateAudience checks that a token's audience claim allows it to be used
// against resource. A token with no audience was issued without resource
// indicators and is accepted.
//
// Example:
//
//	ValidateAudience([]string{"https://yt.example.com/mcp"}, "https://yt.example.com")
//	Returns: nil
//
//	ValidateAudience([]string{"https://other.example.com"}, "https://yt.example.com")
//	Returns: error
func ValidateAudience(tokenAudience []string, resource string) error {
	if len(tokenAudience) == 0 {
		return nil
	}
	for _, aud := range tokenAudience {
		if ValidateResourceURI(aud, resource) == nil {
			return nil
		}
	}
	return fmt.Errorf("token audience %v does not include resource %s", tokenAudience, resource)
}
