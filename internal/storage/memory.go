package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/emailutil"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/ory/fosite"
	"github.com/ory/fosite/storage"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process. Grants do not survive a restart.
type MemoryStorage struct {
	*storage.MemoryStore
	now func() time.Time

	clientsMu sync.RWMutex
	clients   map[string]*Client

	grantsMu sync.RWMutex
	grants   map[string]*Grant

	codesMu sync.Mutex
	codes   map[string]time.Time // code hash -> marker expiry

	usersMu sync.RWMutex
	users   map[string]*User
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) { s.now = now }
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		MemoryStore: storage.NewMemoryStore(),
		now:         time.Now,
		clients:     make(map[string]*Client),
		grants:      make(map[string]*Grant),
		codes:       make(map[string]time.Time),
		users:       make(map[string]*User),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStorage) GetMemoryStore() *storage.MemoryStore {
	return s.MemoryStore
}

// GetClient implements fosite.ClientManager.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return client.ToFositeClient(), nil
}

func (s *MemoryStorage) GetClientWithMetadata(_ context.Context, clientID string) (*Client, error) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return client, nil
}

func (s *MemoryStorage) GetAllClients(_ context.Context) ([]*Client, error) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStorage) CreateClient(ctx context.Context, clientID string, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	return s.putClient(newClient(clientID, nil, redirectURIs, scopes, issuer, s.now().Unix()))
}

func (s *MemoryStorage) CreateConfidentialClient(ctx context.Context, clientID string, hashedSecret []byte, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	if len(hashedSecret) == 0 {
		return nil, fmt.Errorf("confidential client %s needs a secret", clientID)
	}
	return s.putClient(newClient(clientID, hashedSecret, redirectURIs, scopes, issuer, s.now().Unix()))
}

func (s *MemoryStorage) putClient(client *Client) (*Client, error) {
	s.clientsMu.Lock()
	s.clients[client.ID] = client
	count := len(s.clients)
	s.clientsMu.Unlock()

	log.LogInfoWithFields("storage", "Registered client", map[string]any{
		"client_id":     client.ID,
		"public":        client.Public,
		"redirect_uris": client.RedirectURIs,
		"total_clients": count,
	})
	return client, nil
}

// PutGrant stores grant. Grants are immutable, so an existing id is an error.
func (s *MemoryStorage) PutGrant(_ context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant id is required")
	}

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s already exists", grant.ID)
	}
	stored := *grant
	s.grants[grant.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.grantsMu.RLock()
	grant, ok := s.grants[id]
	s.grantsMu.RUnlock()

	if !ok || grant.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	out := *grant
	return &out, nil
}

func (s *MemoryStorage) RevokeGrant(_ context.Context, id string) error {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	delete(s.grants, id)
	return nil
}

// ConsumeCode records codeHash, failing with ErrCodeConsumed if it is already
// present and unexpired.
func (s *MemoryStorage) ConsumeCode(_ context.Context, codeHash string, expiresAt time.Time) error {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	if exp, seen := s.codes[codeHash]; seen && s.now().Before(exp) {
		return ErrCodeConsumed
	}
	s.codes[codeHash] = expiresAt
	return nil
}

func (s *MemoryStorage) UpsertUser(_ context.Context, identity idp.Identity) error {
	email := emailutil.Normalize(identity.Email)
	if email == "" {
		return fmt.Errorf("user email is required")
	}
	now := s.now()

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	user, exists := s.users[email]
	if !exists {
		user = &User{Email: email, FirstSeen: now}
		s.users[email] = user
	}
	user.Subject = identity.Subject
	user.Name = identity.Name
	user.LastSeen = now
	user.Grants++
	return nil
}

func (s *MemoryStorage) GetUser(_ context.Context, email string) (*User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	user, ok := s.users[emailutil.Normalize(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (s *MemoryStorage) CleanupExpired(_ context.Context) (int, error) {
	now := s.now()
	removed := 0

	s.grantsMu.Lock()
	for id, g := range s.grants {
		if g.Expired(now) {
			delete(s.grants, id)
			removed++
		}
	}
	s.grantsMu.Unlock()

	s.codesMu.Lock()
	for hash, exp := range s.codes {
		if !now.Before(exp) {
			delete(s.codes, hash)
			removed++
		}
	}
	s.codesMu.Unlock()

	return removed, nil
}
