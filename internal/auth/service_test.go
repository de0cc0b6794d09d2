package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
	_ "github.com/gatehouse-auth/gatehouse/testing"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu     sync.Mutex
	users  map[int64]*User
	nextID int64

	// Call counters for asserting access patterns.
	calls map[string]int

	// Error injection
	findErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:  make(map[int64]*User),
		nextID: 1,
		calls:  make(map[string]int),
	}
}

func (m *mockRepository) count(method string) {
	m.calls[method]++
}

func (m *mockRepository) CreateUser(ctx context.Context, email, hashedPassword string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("CreateUser")
	for _, u := range m.users {
		if u.Email == email {
			return nil, shared.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	user := &User{
		ID:             m.nextID,
		Email:          email,
		HashedPassword: hashedPassword,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.users[user.ID] = user
	m.nextID++
	copied := *user
	return &copied, nil
}

func (m *mockRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindByID")
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *mockRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindByEmail")
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) FindBySessionID(ctx context.Context, sessionID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindBySessionID")
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.SessionID != nil && *u.SessionID == sessionID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) FindByResetToken(ctx context.Context, resetToken string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindByResetToken")
	for _, u := range m.users {
		if u.ResetToken != nil && *u.ResetToken == resetToken {
			copied := *u
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) SetSession(ctx context.Context, id int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SetSession")
	u, ok := m.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.SessionID = &sessionID
	return nil
}

func (m *mockRepository) ClearSession(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ClearSession")
	if u, ok := m.users[id]; ok {
		u.SessionID = nil
	}
	return nil
}

func (m *mockRepository) SetResetToken(ctx context.Context, id int64, resetToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SetResetToken")
	u, ok := m.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.ResetToken = &resetToken
	return nil
}

func (m *mockRepository) UpdatePassword(ctx context.Context, id int64, hashedPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UpdatePassword")
	u, ok := m.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.HashedPassword = hashedPassword
	u.ResetToken = nil
	return nil
}

var _ Repository = (*mockRepository)(nil)

type recordingNotifier struct {
	mu     sync.Mutex
	emails []string
	tokens []string
	err    error
}

func (n *recordingNotifier) NotifyPasswordReset(ctx context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.emails = append(n.emails, email)
	n.tokens = append(n.tokens, token)
	return nil
}

func newTestService(repo Repository, cache *SessionCache, notifier ResetNotifier) *Service {
	return NewService(repo, cache, notifier, nil, ServiceConfig{BcryptCost: bcrypt.MinCost})
}

// ============================================================================
// HASHING & TOKENS
// ============================================================================

func TestHashPasswordNeverEchoesPlaintext(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	hash, err := svc.hashPassword("hunter2hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2hunter2", hash)
	assert.True(t, checkPassword(hash, "hunter2hunter2"))
	assert.False(t, checkPassword(hash, "wrong"))
}

func TestHashPasswordSaltsEveryCall(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	first, err := svc.hashPassword("same-password")
	require.NoError(t, err)
	second, err := svc.hashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, checkPassword(first, "same-password"))
	assert.True(t, checkPassword(second, "same-password"))
}

func TestNewTokenIsUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		token := newToken()
		_, dup := seen[token]
		require.False(t, dup, "token collision after %d draws", i)
		seen[token] = struct{}{}
	}
}

// ============================================================================
// REGISTRATION & LOGIN
// ============================================================================

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	first, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a@x.com", first.Email)
	assert.Nil(t, first.SessionID)
	assert.Nil(t, first.ResetToken)

	_, err = svc.Register(ctx, "a@x.com", "password-two")
	require.ErrorIs(t, err, shared.ErrAlreadyExists)

	// The losing registration must not have touched the stored hash.
	ok, err := svc.ValidLogin(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.ValidLogin(ctx, "a@x.com", "password-two")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterSkipsExistenceLookup(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)

	_, err := svc.Register(context.Background(), "a@x.com", "password-one")
	require.NoError(t, err)
	assert.Zero(t, repo.calls["FindByEmail"])
	assert.Equal(t, 1, repo.calls["CreateUser"])
}

func TestValidLoginUnknownEmailIsFalseNotError(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	ok, err := svc.ValidLogin(context.Background(), "missing@x.com", "pw")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidLoginSurfacesInfrastructureErrors(t *testing.T) {
	repo := newMockRepository()
	repo.findErr = errors.New("connection refused")
	svc := newTestService(repo, nil, nil)

	_, err := svc.ValidLogin(context.Background(), "a@x.com", "pw")
	require.Error(t, err)
	require.NotErrorIs(t, err, shared.ErrNotFound)
}

// ============================================================================
// SESSIONS
// ============================================================================

func TestCreateSessionUnknownEmailYieldsEmptyToken(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	token, err := svc.CreateSession(context.Background(), "missing@x.com")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSessionRoundTrip(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)

	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, registered.ID, user.ID)
	assert.Equal(t, "a@x.com", user.Email)
}

func TestUserFromSessionEmptyTokenShortCircuits(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)

	user, err := svc.UserFromSession(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Empty(t, repo.calls, "empty token must not reach the store")
}

func TestUserFromSessionUnknownTokenYieldsNoUser(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	user, err := svc.UserFromSession(context.Background(), newToken())
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestDestroySessionClearsToken(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	require.NoError(t, svc.DestroySession(ctx, registered.ID))

	user, err := svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestDestroySessionIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)

	require.NoError(t, svc.DestroySession(ctx, registered.ID))
	require.NoError(t, svc.DestroySession(ctx, registered.ID))
	require.NoError(t, svc.DestroySession(ctx, 9999), "unknown user id is swallowed")
}

// ============================================================================
// SESSION CACHE
// ============================================================================

func newTestCache(t *testing.T) (*SessionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSessionCache(client, time.Hour, nil), mr
}

func TestUserFromSessionUsesCacheOnRepeatLookups(t *testing.T) {
	repo := newMockRepository()
	sessionCache, _ := newTestCache(t)
	svc := newTestService(repo, sessionCache, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		user, err := svc.UserFromSession(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, user)
	}
	assert.Zero(t, repo.calls["FindBySessionID"], "cached token must resolve by id")
	assert.Equal(t, 3, repo.calls["FindByID"])
}

func TestUserFromSessionBackfillsCacheOnMiss(t *testing.T) {
	repo := newMockRepository()
	sessionCache, mr := newTestCache(t)
	svc := newTestService(repo, sessionCache, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	mr.FlushAll()

	user, err := svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, 1, repo.calls["FindBySessionID"])

	user, err = svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, 1, repo.calls["FindBySessionID"], "second lookup must hit the cache")
}

func TestUserFromSessionSurvivesRedisOutage(t *testing.T) {
	repo := newMockRepository()
	sessionCache, mr := newTestCache(t)
	svc := newTestService(repo, sessionCache, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	mr.Close()

	user, err := svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "a@x.com", user.Email)
}

func TestDestroySessionInvalidatesCache(t *testing.T) {
	repo := newMockRepository()
	sessionCache, _ := newTestCache(t)
	svc := newTestService(repo, sessionCache, nil)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)
	token, err := svc.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	require.NoError(t, svc.DestroySession(ctx, registered.ID))

	user, err := svc.UserFromSession(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, user)
}

// ============================================================================
// PASSWORD RESET
// ============================================================================

func TestRequestPasswordResetUnknownEmailSurfacesNotFound(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	_, err := svc.RequestPasswordReset(context.Background(), "missing@x.com")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPasswordResetFlow(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "old-password-1")
	require.NoError(t, err)

	token, err := svc.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, svc.CompletePasswordReset(ctx, token, "new-password-1"))

	ok, err := svc.ValidLogin(ctx, "a@x.com", "new-password-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.ValidLogin(ctx, "a@x.com", "old-password-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The token is single-use.
	err = svc.CompletePasswordReset(ctx, token, "another-password")
	require.ErrorIs(t, err, shared.ErrInvalidToken)
}

func TestCompletePasswordResetUnknownToken(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)

	err := svc.CompletePasswordReset(context.Background(), newToken(), "new-password-1")
	require.ErrorIs(t, err, shared.ErrInvalidToken)
}

func TestRequestPasswordResetNotifiesWithIssuedToken(t *testing.T) {
	repo := newMockRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(repo, nil, notifier)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)

	token, err := svc.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err)

	require.Len(t, notifier.emails, 1)
	assert.Equal(t, "a@x.com", notifier.emails[0])
	assert.Equal(t, token, notifier.tokens[0])
}

func TestRequestPasswordResetSwallowsNotifierFailure(t *testing.T) {
	repo := newMockRepository()
	notifier := &recordingNotifier{err: errors.New("queue down")}
	svc := newTestService(repo, nil, notifier)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "password-one")
	require.NoError(t, err)

	token, err := svc.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err, "delivery failure must not fail the request")
	assert.NotEmpty(t, token)
}
