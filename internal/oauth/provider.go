package oauth

import (
	"fmt"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/config"
	"github.com/dgellow/yt-mcp-gateway/internal/envutil"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/urlutil"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
)

// AuthorizeCodeLifespan bounds how long a downstream client may wait before
// redeeming the code it got back from the callback.
const AuthorizeCodeLifespan = 10 * time.Minute

// NewOAuthProvider creates the downstream OAuth 2.1 provider: authorization
// code with mandatory PKCE for public clients, and token introspection for
// the tool transports. No refresh tokens are issued.
func NewOAuthProvider(authConfig config.AuthConfig, store fosite.Storage, secret []byte) (fosite.OAuth2Provider, error) {
	// HMAC-SHA512/256 strategy needs 32 bytes
	if len(secret) < 32 {
		return nil, fmt.Errorf("JWT secret must be at least 32 bytes long for security, got %d bytes", len(secret))
	}

	tokenTTL := authConfig.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = config.DefaultTokenTTL
	}

	tokenURL, err := urlutil.JoinPath(authConfig.Issuer, "token")
	if err != nil {
		return nil, fmt.Errorf("building token URL: %w", err)
	}

	minEntropy := 8 // production default: state must carry at least 8 characters
	if envutil.IsDev() {
		minEntropy = 0
		log.LogWarn("Development mode enabled - OAuth security checks relaxed (state parameter entropy: %d)", minEntropy)
	}

	fositeConfig := &fosite.Config{
		AccessTokenLifespan:            tokenTTL,
		AuthorizeCodeLifespan:          AuthorizeCodeLifespan,
		AccessTokenIssuer:              authConfig.Issuer,
		TokenURL:                       tokenURL,
		GlobalSecret:                   secret,
		ScopeStrategy:                  fosite.HierarchicScopeStrategy,
		AudienceMatchingStrategy:       fosite.DefaultAudienceMatchingStrategy,
		EnforcePKCEForPublicClients:    true,
		EnablePKCEPlainChallengeMethod: false,
		MinParameterEntropy:            minEntropy,
		SendDebugMessagesToClients:     envutil.IsDev(),
	}

	provider := compose.Compose(
		fositeConfig,
		store,
		&compose.CommonStrategy{
			CoreStrategy: compose.NewOAuth2HMACStrategy(fositeConfig),
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenIntrospectionFactory,
	)

	log.LogInfoWithFields("oauth", "OAuth provider initialized", map[string]any{
		"issuer":   authConfig.Issuer,
		"tokenTtl": tokenTTL.String(),
	})
	return provider, nil
}
