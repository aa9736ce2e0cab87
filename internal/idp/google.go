package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/emailutil"
	"github.com/dgellow/yt-mcp-gateway/internal/envutil"
	"github.com/dgellow/yt-mcp-gateway/internal/ioutil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleProvider signs users in with Google and requests the YouTube scopes
// the tools need. Google reports the Workspace domain as `hd` and uses
// `verified_email` instead of the OIDC `email_verified`.
type GoogleProvider struct {
	config      oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	offline     bool
}

type googleUserInfoResponse struct {
	ID            string `json:"id"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HostedDomain  string `json:"hd"`
}

// GoogleOption customises a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithEndpoints points the provider at other authorize, token and userinfo
// endpoints. Empty values keep the current setting.
func WithEndpoints(authURL, tokenURL, userInfoURL string) GoogleOption {
	return func(p *GoogleProvider) {
		if authURL != "" {
			p.config.Endpoint.AuthURL = authURL
		}
		if tokenURL != "" {
			p.config.Endpoint.TokenURL = tokenURL
		}
		if userInfoURL != "" {
			p.userInfoURL = userInfoURL
		}
	}
}

// WithHTTPClient sets the client used for token and userinfo requests.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(p *GoogleProvider) { p.httpClient = c }
}

// WithOfflineAccess asks Google for a refresh token.
func WithOfflineAccess() GoogleOption {
	return func(p *GoogleProvider) { p.offline = true }
}

// NewGoogleProvider creates the Google provider. GOOGLE_OAUTH_AUTH_URL,
// GOOGLE_OAUTH_TOKEN_URL and GOOGLE_USERINFO_URL override the endpoints so
// integration environments can point at a fake.
func NewGoogleProvider(clientID, clientSecret, redirectURI string, scopes []string, opts ...GoogleOption) *GoogleProvider {
	p := &GoogleProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		userInfoURL: defaultUserInfoURL,
		httpClient:  http.DefaultClient,
	}
	WithEndpoints(
		envutil.GetOr("GOOGLE_OAUTH_AUTH_URL", ""),
		envutil.GetOr("GOOGLE_OAUTH_TOKEN_URL", ""),
		envutil.GetOr("GOOGLE_USERINFO_URL", ""),
	)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the provider type.
func (p *GoogleProvider) Type() string {
	return "google"
}

// AuthURL generates the authorization URL. Consent is always prompted so the
// user sees the YouTube scopes being granted.
func (p *GoogleProvider) AuthURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.ApprovalForce}
	if p.offline {
		opts = append(opts, oauth2.AccessTypeOffline)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange trades the code for tokens and fetches the userinfo document.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*UpstreamGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	identity, err := p.userInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	grant := &UpstreamGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		Expiry:       token.Expiry,
		Scopes:       p.config.Scopes,
		Identity:     identity,
	}
	// Google reports the scopes actually granted, which can be fewer than requested
	if granted, ok := token.Extra("scope").(string); ok && granted != "" {
		grant.Scopes = strings.Fields(granted)
	}
	return grant, nil
}

func (p *GoogleProvider) userInfo(ctx context.Context, token *oauth2.Token) (Identity, error) {
	client := p.config.Client(ctx, token)

	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}

	var u googleUserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Identity{}, fmt.Errorf("failed to decode user info: %w", err)
	}

	subject := u.Sub
	if subject == "" {
		subject = u.ID // v2 userinfo uses "id"
	}
	domain := u.HostedDomain
	if domain == "" {
		domain = emailutil.ExtractDomain(u.Email)
	}

	return Identity{
		Subject:       subject,
		Email:         emailutil.Normalize(u.Email),
		EmailVerified: u.VerifiedEmail,
		Name:          u.Name,
		Picture:       u.Picture,
		Domain:        domain,
	}, nil
}
