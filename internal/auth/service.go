package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// ResetNotifier delivers a freshly issued password reset token, typically by
// enqueueing an email job. Delivery is best-effort.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email, token string) error
}

// ServiceConfig tunes service internals.
type ServiceConfig struct {
	// BcryptCost overrides the hashing cost. Zero means bcrypt.DefaultCost.
	BcryptCost int
}

// Service implements the authentication state machine: registration,
// credential checks, session lifecycle and the password reset flow. It keeps
// no state of its own beyond the session cache; every mutation goes through
// the Repository.
type Service struct {
	repo     Repository
	cache    *SessionCache
	notifier ResetNotifier
	logger   *slog.Logger
	cost     int
	lookups  singleflight.Group
}

// NewService constructs a Service. The cache and notifier may be nil.
func NewService(repo Repository, cache *SessionCache, notifier ResetNotifier, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		cost:     cost,
	}
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

func newToken() string {
	return uuid.NewString()
}

// Register creates an account with a bcrypt-hashed password. Uniqueness of
// the email is enforced by the store's unique index, not by a prior lookup,
// so concurrent registrations cannot both succeed.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	hashed, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.CreateUser(ctx, email, hashed)
	if err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return nil, shared.ErrAlreadyExists
		}
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return user, nil
}

// ValidLogin reports whether the credentials match a stored account. An
// unknown email is not an error; it collapses to false so the caller cannot
// distinguish a missing account from a wrong password.
func (s *Service) ValidLogin(ctx context.Context, email, password string) (bool, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("auth: valid login: %w", err)
	}
	return checkPassword(user.HashedPassword, password), nil
}

// CreateSession issues a fresh session token for the account and persists it
// on the user row. An unknown email yields an empty token with no error.
func (s *Service) CreateSession(ctx context.Context, email string) (string, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	token := newToken()
	if err := s.repo.SetSession(ctx, user.ID, token); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	s.cache.Put(ctx, token, user.ID)
	return token, nil
}

// UserFromSession resolves a session token to its user. An empty token short
// circuits without touching the cache or the store; an unknown token yields
// (nil, nil). The Redis cache is consulted first, with the store lookup
// deduplicated per token under concurrent load.
func (s *Service) UserFromSession(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}
	if id, ok := s.cache.Get(ctx, token); ok {
		user, err := s.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				s.cache.Invalidate(ctx, token)
				return nil, nil
			}
			return nil, fmt.Errorf("auth: session lookup: %w", err)
		}
		if user.SessionID != nil && *user.SessionID == token {
			return user, nil
		}
		// Cache entry outlived the session.
		s.cache.Invalidate(ctx, token)
		return nil, nil
	}
	v, err, _ := s.lookups.Do(token, func() (any, error) {
		user, err := s.repo.FindBySessionID(ctx, token)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return (*User)(nil), nil
			}
			return nil, err
		}
		s.cache.Put(ctx, token, user.ID)
		return user, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: session lookup: %w", err)
	}
	return v.(*User), nil
}

// DestroySession clears the user's session token. Logging out a user that
// does not exist, or that has no session, is a no-op; only infrastructure
// failures surface.
func (s *Service) DestroySession(ctx context.Context, userID int64) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: destroy session: %w", err)
	}
	if err := s.repo.ClearSession(ctx, userID); err != nil {
		return fmt.Errorf("auth: destroy session: %w", err)
	}
	if user.SessionID != nil {
		s.cache.Invalidate(ctx, *user.SessionID)
	}
	return nil
}

// RequestPasswordReset issues a reset token for the account. Unlike the
// session paths, an unknown email surfaces shared.ErrNotFound so the caller
// can report the invalid request. Token delivery is handed to the notifier;
// a delivery failure is logged, never returned, because the token has
// already been persisted.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", shared.ErrNotFound
		}
		return "", fmt.Errorf("auth: request password reset: %w", err)
	}
	token := newToken()
	if err := s.repo.SetResetToken(ctx, user.ID, token); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", shared.ErrNotFound
		}
		return "", fmt.Errorf("auth: request password reset: %w", err)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyPasswordReset(ctx, email, token); err != nil {
			s.logger.Warn("enqueue reset email", slog.String("email", email), slog.Any("error", err))
		}
	}
	return token, nil
}

// CompletePasswordReset swaps the account's password for the one presented
// with a valid reset token. The token is single-use: the store clears it in
// the same statement that writes the new hash.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	user, err := s.repo.FindByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrInvalidToken
		}
		return fmt.Errorf("auth: complete password reset: %w", err)
	}
	hashed, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, hashed); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrInvalidToken
		}
		return fmt.Errorf("auth: complete password reset: %w", err)
	}
	return nil
}
