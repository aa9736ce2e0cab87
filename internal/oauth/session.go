package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ory/fosite"
)

// Session is what fosite stores alongside authorization codes and access
// tokens. It points at the grant rather than carrying Props, so upstream
// credentials never sit in fosite's token storage.
type Session struct {
	*fosite.DefaultSession
	GrantID string `json:"grant_id"`
	Email   string `json:"email"`
}

// NewSession creates a session for grantID whose access token expires at
// accessExpiry.
func NewSession(grantID, subject, email string, accessExpiry time.Time) *Session {
	return &Session{
		DefaultSession: &fosite.DefaultSession{
			Subject:  subject,
			Username: email,
			ExpiresAt: map[fosite.TokenType]time.Time{
				fosite.AccessToken: accessExpiry,
			},
		},
		GrantID: grantID,
		Email:   email,
	}
}

// Clone implements fosite.Session
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}
	clone := &Session{GrantID: s.GrantID, Email: s.Email}
	if s.DefaultSession != nil {
		clone.DefaultSession = s.DefaultSession.Clone().(*fosite.DefaultSession)
	}
	return clone
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IntrospectAccessToken validates token and returns the session it was
// issued with.
//
// fosite does not populate the session passed to IntrospectToken; the stored
// one has to be read from the returned AccessRequester.
func IntrospectAccessToken(ctx context.Context, provider fosite.OAuth2Provider, token string) (*Session, fosite.AccessRequester, error) {
	probe := &Session{DefaultSession: &fosite.DefaultSession{}}
	_, ar, err := provider.IntrospectToken(ctx, token, fosite.AccessToken, probe)
	if err != nil {
		return nil, nil, err
	}
	if ar == nil {
		return nil, nil, fmt.Errorf("introspection returned no request")
	}
	session, ok := ar.GetSession().(*Session)
	if !ok || session.GrantID == "" {
		return nil, nil, fmt.Errorf("token session has no grant")
	}
	return session, ar, nil
}
