package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
	"google.golang.org/api/youtubeanalytics/v2"
)

var errNoCredentials = errors.New("no upstream access token; re-run the authorization flow")

// Clients are the Google API services for one tool call.
type Clients struct {
	YouTube   *youtube.Service
	Analytics *youtubeanalytics.Service
}

// clientFactory builds Clients from Props.
type clientFactory func(ctx context.Context, p props.Props) (*Clients, error)

// NewClients constructs the YouTube Data and Analytics services authenticated
// with the access token in p. Nothing is cached; each call gets fresh
// services.
func NewClients(ctx context.Context, p props.Props, opts ...option.ClientOption) (*Clients, error) {
	if !p.Valid() {
		return nil, errNoCredentials
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.AccessToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, ts)
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)

	yt, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating YouTube client: %w", err)
	}
	an, err := youtubeanalytics.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating YouTube Analytics client: %w", err)
	}
	return &Clients{YouTube: yt, Analytics: an}, nil
}

func (r *Registry) newClients(ctx context.Context, p props.Props) (*Clients, error) {
	if r.baseClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.baseClient)
	}
	return NewClients(ctx, p, r.clientOptions...)
}
