// Package props defines the per-grant context handed to tools and the pure
// binder that derives it from an upstream grant.
package props

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgellow/yt-mcp-gateway/internal/idp"
)

// Props is everything a tool invocation may know about the user. It is
// written once at issuance and never mutated.
type Props struct {
	AccessToken string `json:"accessToken"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Subject     string `json:"sub,omitempty"`
}

// Bind projects an upstream grant onto Props. It is a pure function: the
// refresh token is deliberately not carried, and no I/O happens here.
func Bind(grant idp.UpstreamGrant) Props {
	return Props{
		AccessToken: grant.AccessToken,
		Email:       grant.Identity.Email,
		Name:        grant.Identity.Name,
		Subject:     grant.Identity.Subject,
	}
}

// Valid reports whether p can authenticate upstream calls.
func (p Props) Valid() bool {
	return p.AccessToken != ""
}

// String never prints the access token.
func (p Props) String() string {
	return fmt.Sprintf("Props{Email:%s Name:%s}", p.Email, p.Name)
}

// GoString keeps %#v from leaking the token too.
func (p Props) GoString() string {
	return p.String()
}

// Encode serialises p for the credential store.
func (p Props) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Props, error) {
	var p Props
	if err := json.Unmarshal(data, &p); err != nil {
		return Props{}, fmt.Errorf("decoding props: %w", err)
	}
	return p, nil
}

type contextKey struct{}

// WithContext returns ctx carrying p.
func WithContext(ctx context.Context, p Props) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the Props stored by WithContext.
func FromContext(ctx context.Context) (Props, bool) {
	p, ok := ctx.Value(contextKey{}).(Props)
	return p, ok
}
