package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/yt-mcp-gateway/internal/crypto"
	"github.com/dgellow/yt-mcp-gateway/internal/emailutil"
	"github.com/dgellow/yt-mcp-gateway/internal/idp"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/ory/fosite"
	"github.com/ory/fosite/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage persists clients, grants, consumed codes and users in
// Firestore. Clients are cached in memory; grants are always read through so
// a revocation on one replica is seen by all.
//
// Secrets at rest (client secret hashes, Props) are sealed with the
// configured Encryptor.
type FirestoreStorage struct {
	*storage.MemoryStore
	client    *firestore.Client
	encryptor crypto.Encryptor
	now       func() time.Time

	clientsMu sync.RWMutex
	clients   map[string]*Client

	clientCollection string
	grantCollection  string
	codeCollection   string
	userCollection   string
}

var _ Storage = (*FirestoreStorage)(nil)

// OAuthClientEntity is the Firestore document for a registered client.
type OAuthClientEntity struct {
	ID            string   `firestore:"id"`
	Secret        *string  `firestore:"secret,omitempty"` // nil for public clients
	RedirectURIs  []string `firestore:"redirect_uris"`
	Scopes        []string `firestore:"scopes"`
	GrantTypes    []string `firestore:"grant_types"`
	ResponseTypes []string `firestore:"response_types"`
	Audience      []string `firestore:"audience"`
	Public        bool     `firestore:"public"`
	CreatedAt     int64    `firestore:"created_at"`
}

// GrantDoc is the Firestore document for a grant. Props are sealed as one blob.
type GrantDoc struct {
	ID          string    `firestore:"id"`
	ClientID    string    `firestore:"client_id"`
	SealedProps string    `firestore:"props"`
	Email       string    `firestore:"email"`
	Scopes      []string  `firestore:"scopes"`
	CreatedAt   time.Time `firestore:"created_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

type codeDoc struct {
	ConsumedAt time.Time `firestore:"consumed_at"`
	ExpiresAt  time.Time `firestore:"expires_at"`
}

type userDoc struct {
	Subject   string    `firestore:"sub"`
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name"`
	FirstSeen time.Time `firestore:"first_seen"`
	LastSeen  time.Time `firestore:"last_seen"`
	Grants    int       `firestore:"grants"`
}

func (e *OAuthClientEntity) toClient(encryptor crypto.Encryptor) (*Client, error) {
	var secret []byte
	if e.Secret != nil {
		decrypted, err := encryptor.Decrypt(*e.Secret)
		if err != nil {
			return nil, fmt.Errorf("decrypting client secret: %w", err)
		}
		secret = []byte(decrypted)
	}
	return &Client{
		ID:            e.ID,
		Secret:        secret,
		RedirectURIs:  e.RedirectURIs,
		Scopes:        e.Scopes,
		GrantTypes:    e.GrantTypes,
		ResponseTypes: e.ResponseTypes,
		Audience:      e.Audience,
		Public:        e.Public,
		CreatedAt:     e.CreatedAt,
	}, nil
}

func clientEntity(c *Client, encryptor crypto.Encryptor) (*OAuthClientEntity, error) {
	var secret *string
	if len(c.Secret) > 0 {
		encrypted, err := encryptor.Encrypt(string(c.Secret))
		if err != nil {
			return nil, fmt.Errorf("encrypting client secret: %w", err)
		}
		secret = &encrypted
	}
	return &OAuthClientEntity{
		ID:            c.ID,
		Secret:        secret,
		RedirectURIs:  c.RedirectURIs,
		Scopes:        c.Scopes,
		GrantTypes:    c.GrantTypes,
		ResponseTypes: c.ResponseTypes,
		Audience:      c.Audience,
		Public:        c.Public,
		CreatedAt:     c.CreatedAt,
	}, nil
}

// NewFirestoreStorage connects to Firestore and warms the client cache.
// collection is the prefix for the four collections the store uses.
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	s := newFirestoreStorage(client, collection, encryptor)

	if err := s.loadClients(ctx); err != nil {
		// Clients are also loaded lazily on a cache miss
		log.LogError("Failed to load clients from Firestore: %v", err)
	}
	return s, nil
}

func newFirestoreStorage(client *firestore.Client, collection string, encryptor crypto.Encryptor) *FirestoreStorage {
	return &FirestoreStorage{
		MemoryStore:      storage.NewMemoryStore(),
		client:           client,
		encryptor:        encryptor,
		now:              time.Now,
		clients:          make(map[string]*Client),
		clientCollection: collection + "_clients",
		grantCollection:  collection + "_grants",
		codeCollection:   collection + "_codes",
		userCollection:   collection + "_users",
	}
}

// Close releases the Firestore client.
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) GetMemoryStore() *storage.MemoryStore {
	return s.MemoryStore
}

func (s *FirestoreStorage) loadClients(ctx context.Context) error {
	iter := s.client.Collection(s.clientCollection).Documents(ctx)
	defer iter.Stop()

	loaded := 0
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating Firestore documents: %w", err)
		}

		var entity OAuthClientEntity
		if err := doc.DataTo(&entity); err != nil {
			log.LogError("Failed to unmarshal client from Firestore (client_id: %s): %v", doc.Ref.ID, err)
			continue
		}
		client, err := entity.toClient(s.encryptor)
		if err != nil {
			log.LogError("Failed to decrypt client secret (client_id: %s): %v", entity.ID, err)
			continue
		}

		s.clientsMu.Lock()
		s.clients[client.ID] = client
		s.clientsMu.Unlock()
		loaded++
	}

	log.Logf("Loaded %d OAuth clients from Firestore", loaded)
	return nil
}

// GetClient serves from the cache and falls back to Firestore for clients
// registered on another replica.
func (s *FirestoreStorage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	c, err := s.GetClientWithMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.ToFositeClient(), nil
}

func (s *FirestoreStorage) GetClientWithMetadata(ctx context.Context, clientID string) (*Client, error) {
	s.clientsMu.RLock()
	c, ok := s.clients[clientID]
	s.clientsMu.RUnlock()
	if ok {
		return c, nil
	}

	doc, err := s.client.Collection(s.clientCollection).Doc(clientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fosite.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client from Firestore: %w", err)
	}

	var entity OAuthClientEntity
	if err := doc.DataTo(&entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	client, err := entity.toClient(s.encryptor)
	if err != nil {
		return nil, err
	}

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()
	return client, nil
}

func (s *FirestoreStorage) GetAllClients(_ context.Context) ([]*Client, error) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *FirestoreStorage) CreateClient(ctx context.Context, clientID string, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	return s.putClient(ctx, newClient(clientID, nil, redirectURIs, scopes, issuer, s.now().Unix()))
}

func (s *FirestoreStorage) CreateConfidentialClient(ctx context.Context, clientID string, hashedSecret []byte, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	if len(hashedSecret) == 0 {
		return nil, fmt.Errorf("confidential client %s needs a secret", clientID)
	}
	return s.putClient(ctx, newClient(clientID, hashedSecret, redirectURIs, scopes, issuer, s.now().Unix()))
}

// putClient writes through to Firestore before caching. A registration that
// could not be persisted is reported to the caller rather than silently
// living on one replica.
func (s *FirestoreStorage) putClient(ctx context.Context, client *Client) (*Client, error) {
	entity, err := clientEntity(client, s.encryptor)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.Collection(s.clientCollection).Doc(client.ID).Set(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to store client in Firestore: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	log.LogInfoWithFields("storage", "Registered client", map[string]any{
		"client_id": client.ID,
		"public":    client.Public,
		"backend":   "firestore",
	})
	return client, nil
}

func (s *FirestoreStorage) PutGrant(ctx context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant id is required")
	}
	encoded, err := grant.Props.Encode()
	if err != nil {
		return err
	}
	sealed, err := s.encryptor.Encrypt(string(encoded))
	if err != nil {
		return fmt.Errorf("sealing props: %w", err)
	}

	doc := GrantDoc{
		ID:          grant.ID,
		ClientID:    grant.ClientID,
		SealedProps: sealed,
		Email:       grant.Props.Email,
		Scopes:      grant.Scopes,
		CreatedAt:   grant.CreatedAt,
		ExpiresAt:   grant.ExpiresAt,
	}
	// Create, not Set: grants are write-once
	if _, err := s.client.Collection(s.grantCollection).Doc(grant.ID).Create(ctx, doc); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetGrant(ctx context.Context, id string) (*Grant, error) {
	if id == "" {
		return nil, ErrGrantNotFound
	}
	snap, err := s.client.Collection(s.grantCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	var doc GrantDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}

	grant := &Grant{
		ID:        doc.ID,
		ClientID:  doc.ClientID,
		Scopes:    doc.Scopes,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}
	if grant.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}

	plain, err := s.encryptor.Decrypt(doc.SealedProps)
	if err != nil {
		return nil, fmt.Errorf("unsealing props: %w", err)
	}
	p, err := props.Decode([]byte(plain))
	if err != nil {
		return nil, err
	}
	grant.Props = p
	return grant, nil
}

func (s *FirestoreStorage) RevokeGrant(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.grantCollection).Doc(id).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	return nil
}

// ConsumeCode relies on Create failing with AlreadyExists, which Firestore
// guarantees atomically across replicas.
func (s *FirestoreStorage) ConsumeCode(ctx context.Context, codeHash string, expiresAt time.Time) error {
	ref := s.client.Collection(s.codeCollection).Doc(codeHash)
	_, err := ref.Create(ctx, codeDoc{ConsumedAt: s.now(), ExpiresAt: expiresAt})
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.AlreadyExists {
		return ErrCodeConsumed
	}
	return fmt.Errorf("failed to record code: %w", err)
}

func (s *FirestoreStorage) UpsertUser(ctx context.Context, identity idp.Identity) error {
	email := emailutil.Normalize(identity.Email)
	if email == "" {
		return fmt.Errorf("user email is required")
	}
	ref := s.client.Collection(s.userCollection).Doc(email)
	now := s.now()

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		u := userDoc{Email: email, FirstSeen: now}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&u); err != nil {
				return err
			}
		case status.Code(err) != codes.NotFound:
			return err
		}
		u.Subject = identity.Subject
		u.Name = identity.Name
		u.LastSeen = now
		u.Grants++
		return tx.Set(ref, u)
	})
}

func (s *FirestoreStorage) GetUser(ctx context.Context, email string) (*User, error) {
	snap, err := s.client.Collection(s.userCollection).Doc(emailutil.Normalize(email)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var u userDoc
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &User{
		Subject:   u.Subject,
		Email:     u.Email,
		Name:      u.Name,
		FirstSeen: u.FirstSeen,
		LastSeen:  u.LastSeen,
		Grants:    u.Grants,
	}, nil
}

// CleanupExpired deletes expired grants and code markers.
func (s *FirestoreStorage) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, collection := range []string{s.grantCollection, s.codeCollection} {
		n, err := s.deleteExpired(ctx, collection)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *FirestoreStorage) deleteExpired(ctx context.Context, collection string) (int, error) {
	iter := s.client.Collection(collection).Where("expires_at", "<", s.now()).Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return deleted, nil
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to query %s: %w", collection, err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			log.LogWarnWithFields("storage", "Failed to delete expired document", map[string]any{
				"collection": collection,
				"id":         doc.Ref.ID,
				"error":      err.Error(),
			})
			continue
		}
		deleted++
	}
}
