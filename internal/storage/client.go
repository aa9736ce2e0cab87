package storage

import "github.com/ory/fosite"

// Client is a registered OAuth client plus the metadata fosite doesn't track.
// Clients only ever get the authorization_code grant: the gateway issues no
// refresh tokens.
type Client struct {
	ID            string   `json:"client_id"`
	Secret        []byte   `json:"-"`
	RedirectURIs  []string `json:"redirect_uris"`
	Scopes        []string `json:"scopes"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Audience      []string `json:"audience"`
	Public        bool     `json:"public"`

	CreatedAt int64 `json:"created_at"`
}

func newClient(clientID string, hashedSecret []byte, redirectURIs, scopes []string, issuer string, createdAt int64) *Client {
	return &Client{
		ID:            clientID,
		Secret:        hashedSecret,
		RedirectURIs:  redirectURIs,
		Scopes:        scopes,
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
		Audience:      []string{issuer},
		Public:        len(hashedSecret) == 0,
		CreatedAt:     createdAt,
	}
}

// HasRedirectURI reports whether uri is registered, compared exactly.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

func (c *Client) ToFositeClient() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ID,
		Secret:        c.Secret,
		RedirectURIs:  c.RedirectURIs,
		Scopes:        c.Scopes,
		GrantTypes:    c.GrantTypes,
		ResponseTypes: c.ResponseTypes,
		Audience:      c.Audience,
		Public:        c.Public,
	}
}
