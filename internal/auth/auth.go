// Package auth is the authenticator collaborator: it exchanges credentials
// for bearer tokens and resolves tokens back to verified identities. The
// gateway calls Authenticate exactly once per new connection, before any
// session state is touched.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"gitlab.com/secp/services/cryptochat/internal/models"
	"gitlab.com/secp/services/cryptochat/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUsernameTaken      = errors.New("username already taken")

	// ErrSessionStoreDown reports a missing or unreachable token store.
	// Sessions cannot be verified without it, so callers get a transient
	// failure rather than a pass-through.
	ErrSessionStoreDown = errors.New("session store unavailable")
)

const tokenTTL = 24 * time.Hour

// IdentityStore is the slice of storage the authenticator needs.
type IdentityStore interface {
	GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.Identity, error)
	GetIdentityByUsername(ctx context.Context, username string) (*models.Identity, error)
	CreateIdentity(ctx context.Context, identity *models.Identity) error
}

type Service struct {
	store IdentityStore
	redis *redis.Client
}

func NewService(store IdentityStore, redis *redis.Client) *Service {
	return &Service{store: store, redis: redis}
}

// Register creates a new identity with a bcrypt-hashed password and logs it
// in, returning the first bearer token.
func (s *Service) Register(ctx context.Context, username, email, password string, phoneNumber *string) (string, *models.Identity, error) {
	if username == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash password: %w", err)
	}

	hashStr := string(hash)
	identity := &models.Identity{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: &hashStr,
		PhoneNumber:  phoneNumber,
	}
	if email != "" {
		identity.Email = &email
	}

	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", nil, ErrUsernameTaken
		}
		return "", nil, fmt.Errorf("failed to create identity: %w", err)
	}

	token, err := s.issueToken(ctx, identity.ID)
	if err != nil {
		return "", nil, err
	}
	return token, identity, nil
}

// Login verifies a password and issues a bearer token of the form
// "identityID:random". The random part lives in Redis with a TTL so tokens
// expire server-side.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.Identity, error) {
	identity, err := s.store.GetIdentityByUsername(ctx, username)
	if err != nil {
		// Unknown user reads the same as a wrong password.
		return "", nil, ErrInvalidCredentials
	}
	if identity.PasswordHash == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*identity.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, identity.ID)
	if err != nil {
		return "", nil, err
	}
	return token, identity, nil
}

func (s *Service) issueToken(ctx context.Context, identityID uuid.UUID) (string, error) {
	if s.redis == nil {
		return "", ErrSessionStoreDown
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	random := base64.URLEncoding.EncodeToString(tokenBytes)

	if err := s.redis.Set(ctx, tokenKey(identityID, random), "1", tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionStoreDown, err)
	}

	return fmt.Sprintf("%s:%s", identityID, random), nil
}

// Authenticate resolves a bearer token to its identity. Expired, revoked, and
// malformed tokens are all the same ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Identity, error) {
	identityID, random, err := splitToken(token)
	if err != nil {
		return nil, err
	}

	if s.redis == nil {
		return nil, ErrSessionStoreDown
	}
	n, err := s.redis.Exists(ctx, tokenKey(identityID, random)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStoreDown, err)
	}
	if n == 0 {
		return nil, ErrInvalidToken
	}

	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return identity, nil
}

// Revoke invalidates one token immediately.
func (s *Service) Revoke(ctx context.Context, token string) error {
	identityID, random, err := splitToken(token)
	if err != nil {
		return err
	}
	if s.redis == nil {
		return ErrSessionStoreDown
	}
	if err := s.redis.Del(ctx, tokenKey(identityID, random)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStoreDown, err)
	}
	return nil
}

func splitToken(token string) (uuid.UUID, string, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return uuid.Nil, "", ErrInvalidToken
	}
	identityID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return identityID, parts[1], nil
}

func tokenKey(identityID uuid.UUID, random string) string {
	return fmt.Sprintf("session_token:%s:%s", identityID, random)
}
