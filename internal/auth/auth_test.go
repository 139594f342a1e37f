package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gitlab.com/secp/services/cryptochat/internal/models"
	"gitlab.com/secp/services/cryptochat/internal/storage"
)

type fakeStore struct {
	byName map[string]*models.Identity
	byID   map[uuid.UUID]*models.Identity
}

func (f *fakeStore) GetIdentity(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	if ident, ok := f.byID[id]; ok {
		return ident, nil
	}
	return nil, ErrInvalidCredentials
}

func (f *fakeStore) GetIdentityByUsername(_ context.Context, username string) (*models.Identity, error) {
	if ident, ok := f.byName[username]; ok {
		return ident, nil
	}
	return nil, ErrInvalidCredentials
}

func (f *fakeStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	if f.byName == nil {
		f.byName = map[string]*models.Identity{}
		f.byID = map[uuid.UUID]*models.Identity{}
	}
	if _, ok := f.byName[identity.Username]; ok {
		return storage.ErrAlreadyExists
	}
	f.byName[identity.Username] = identity
	f.byID[identity.ID] = identity
	return nil
}

func storeWith(t *testing.T, username, password string) (*fakeStore, *models.Identity) {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	hash := string(hashed)
	ident := &models.Identity{ID: uuid.New(), Username: username, PasswordHash: &hash}
	return &fakeStore{
		byName: map[string]*models.Identity{username: ident},
		byID:   map[uuid.UUID]*models.Identity{ident.ID: ident},
	}, ident
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	store, _ := storeWith(t, "alice", "correct horse")
	svc := NewService(store, nil)

	_, _, err := svc.Login(context.Background(), "bob", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store, _ := storeWith(t, "alice", "correct horse")
	svc := NewService(store, nil)

	_, _, err := svc.Login(context.Background(), "alice", "battery staple")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsIdentityWithoutPassword(t *testing.T) {
	ident := &models.Identity{ID: uuid.New(), Username: "ghost"}
	store := &fakeStore{
		byName: map[string]*models.Identity{"ghost": ident},
		byID:   map[uuid.UUID]*models.Identity{ident.ID: ident},
	}
	svc := NewService(store, nil)

	_, _, err := svc.Login(context.Background(), "ghost", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsMalformedTokens(t *testing.T) {
	svc := NewService(&fakeStore{}, nil)

	for _, token := range []string{
		"",
		"no-separator",
		"not-a-uuid:random",
		uuid.NewString(), // uuid alone, no random part
		uuid.NewString() + ":",
	} {
		_, err := svc.Authenticate(context.Background(), token)
		require.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestRevokeRejectsMalformedToken(t *testing.T) {
	svc := NewService(&fakeStore{}, nil)
	require.ErrorIs(t, svc.Revoke(context.Background(), "bogus"), ErrInvalidToken)
}

// With no token store every session operation must fail cleanly, never panic.
func TestNilSessionStoreIsATransientError(t *testing.T) {
	store, _ := storeWith(t, "alice", "correct horse")
	svc := NewService(store, nil)
	ctx := context.Background()

	_, _, err := svc.Login(ctx, "alice", "correct horse")
	require.ErrorIs(t, err, ErrSessionStoreDown)

	_, err = svc.Authenticate(ctx, uuid.NewString()+":random")
	require.ErrorIs(t, err, ErrSessionStoreDown)

	require.ErrorIs(t, svc.Revoke(ctx, uuid.NewString()+":random"), ErrSessionStoreDown)

	_, _, err = svc.Register(ctx, "bob", "", "battery staple", nil)
	require.ErrorIs(t, err, ErrSessionStoreDown)
}

func TestRegisterRejectsTakenUsername(t *testing.T) {
	store, _ := storeWith(t, "alice", "correct horse")
	svc := NewService(store, nil)

	_, _, err := svc.Register(context.Background(), "alice", "", "another pass", nil)
	require.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegisterRejectsEmptyCredentials(t *testing.T) {
	svc := NewService(&fakeStore{}, nil)

	_, _, err := svc.Register(context.Background(), "", "", "pass", nil)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Register(context.Background(), "alice", "", "", nil)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterStoresVerifiablePassword(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, nil)

	// Token issuance fails without a session store, but the identity row and
	// its bcrypt hash must already be in place.
	_, _, err := svc.Register(context.Background(), "carol", "carol@example.com", "hunter2", nil)
	require.ErrorIs(t, err, ErrSessionStoreDown)

	ident, ok := store.byName["carol"]
	require.True(t, ok)
	require.NotNil(t, ident.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(*ident.PasswordHash), []byte("hunter2")))
	require.NotNil(t, ident.Email)
	require.Equal(t, "carol@example.com", *ident.Email)
}
