package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/ory/fosite"
	fosite_storage "github.com/ory/fosite/storage"
)

var (
	// ErrGrantNotFound is returned for unknown, revoked or expired grants.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrCodeConsumed is returned when an upstream authorization code has
	// already been redeemed once.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = errors.New("user not found")
)

// Grant is the downstream grant record: an opaque id bound to the Props the
// tools will see. It is written once, at the end of a successful flow.
type Grant struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"client_id"`
	Props     props.Props `json:"props"`
	Scopes    []string    `json:"scopes"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the grant is past ExpiresAt at now.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// User is a person who completed at least one authorization.
type User struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Grants    int       `json:"grants"`
}

// GrantStore is the credential store contract: put and get by opaque id.
type GrantStore interface {
	PutGrant(ctx context.Context, grant *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	RevokeGrant(ctx context.Context, id string) error
}

// CodeLedger remembers upstream authorization codes already redeemed.
// ConsumeCode is an atomic put-if-absent keyed by a hash of the code.
type CodeLedger interface {
	ConsumeCode(ctx context.Context, codeHash string, expiresAt time.Time) error
}

// ClientStore manages dynamically registered OAuth clients.
type ClientStore interface {
	CreateClient(ctx context.Context, clientID string, redirectURIs []string, scopes []string, issuer string) (*Client, error)
	CreateConfidentialClient(ctx context.Context, clientID string, hashedSecret []byte, redirectURIs []string, scopes []string, issuer string) (*Client, error)
	GetClientWithMetadata(ctx context.Context, clientID string) (*Client, error)
	GetAllClients(ctx context.Context) ([]*Client, error)
}

// UserStore tracks who has authorized.
type UserStore interface {
	UpsertUser(ctx context.Context, identity idp.Identity) error
	GetUser(ctx context.Context, email string) (*User, error)
}

// Storage combines everything the gateway persists. fosite's own state
// (authorization codes, access token sessions, PKCE) lives in the embedded
// MemoryStore.
type Storage interface {
	fosite.Storage
	GrantStore
	CodeLedger
	ClientStore
	UserStore

	// CleanupExpired drops expired grants and consumed-code markers.
	CleanupExpired(ctx context.Context) (int, error)

	GetMemoryStore() *fosite_storage.MemoryStore
}
