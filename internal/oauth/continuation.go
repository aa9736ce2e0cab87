package oauth

import (
	"net/url"
	"time"

	"github.com/ory/fosite"
)

// Continuation is the downstream authorization request, carried through the
// upstream provider inside the signed state parameter. Nothing about a
// pending flow is stored server-side.
type Continuation struct {
	FlowID              string    `json:"fid"`
	ClientID            string    `json:"cid"`
	RedirectURI         string    `json:"ruri"`
	State               string    `json:"st"`
	Scopes              []string  `json:"scp,omitempty"`
	Audience            []string  `json:"aud,omitempty"`
	CodeChallenge       string    `json:"cc,omitempty"`
	CodeChallengeMethod string    `json:"ccm,omitempty"`
	Binding             string    `json:"bnd"`
	RequestedAt         time.Time `json:"iat"`
}

// authorizeRequest rebuilds the fosite request the continuation was taken
// from. The form keeps redirect_uri and the PKCE challenge so the token
// endpoint enforces both.
func (c *Continuation) authorizeRequest(client fosite.Client, session fosite.Session) (*fosite.AuthorizeRequest, error) {
	redirectURI, err := url.Parse(c.RedirectURI)
	if err != nil {
		return nil, err
	}

	ar := fosite.NewAuthorizeRequest()
	ar.Form = url.Values{
		"redirect_uri":          {c.RedirectURI},
		"code_challenge":        {c.CodeChallenge},
		"code_challenge_method": {c.CodeChallengeMethod},
	}
	ar.Client = client
	ar.Session = session
	ar.RequestedAt = c.RequestedAt
	ar.RedirectURI = redirectURI
	ar.ResponseTypes = fosite.Arguments{"code"}
	ar.State = c.State

	for _, scope := range c.Scopes {
		ar.RequestedScope = append(ar.RequestedScope, scope)
		ar.GrantedScope = append(ar.GrantedScope, scope)
	}
	for _, aud := range c.Audience {
		ar.GrantedAudience = append(ar.GrantedAudience, aud)
	}
	return ar, nil
}
