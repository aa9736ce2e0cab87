package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrDomainNotAllowed is returned when the identity's domain is outside the
// configured allow list.
var ErrDomainNotAllowed = errors.New("domain not allowed")

// Identity is who the user is according to the upstream provider.
type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture,omitempty"`
	Domain        string `json:"domain"`
}

// UpstreamGrant is the result of a successful code exchange: the upstream
// token set plus the identity it belongs to.
type UpstreamGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
	Identity     Identity
}

// Expired reports whether the access token is past its expiry at now.
// A zero expiry never expires.
func (g *UpstreamGrant) Expired(now time.Time) bool {
	return !g.Expiry.IsZero() && !now.Before(g.Expiry)
}

// Provider abstracts the upstream identity provider.
type Provider interface {
	// Type returns the provider type identifier, e.g. "google".
	Type() string

	// AuthURL builds the URL the user agent is redirected to. state is
	// echoed back verbatim on the callback.
	AuthURL(state string) string

	// Exchange trades an authorization code for tokens and resolves the
	// identity they belong to. It makes exactly one token request.
	Exchange(ctx context.Context, code string) (*UpstreamGrant, error)
}

// ValidateDomain checks identity against allowedDomains. An empty list
// admits everyone.
func ValidateDomain(identity Identity, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, identity.Domain) {
		return fmt.Errorf("%w: '%s'", ErrDomainNotAllowed, identity.Domain)
	}
	return nil
}
