package testutil

import (
	"context"
	"net/url"

	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of idp.Provider. AuthURL is answered without
// recording a call so tests only need expectations on Exchange.
type MockProvider struct {
	mock.Mock
	AuthorizeEndpoint string
}

var _ idp.Provider = (*MockProvider)(nil)

func (m *MockProvider) Type() string { return "mock" }

func (m *MockProvider) AuthURL(state string) string {
	endpoint := m.AuthorizeEndpoint
	if endpoint == "" {
		endpoint = "https://accounts.example.com/o/oauth2/auth"
	}
	return endpoint + "?" + url.Values{"state": {state}}.Encode()
}

func (m *MockProvider) Exchange(ctx context.Context, code string) (*idp.UpstreamGrant, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.UpstreamGrant), args.Error(1)
}
