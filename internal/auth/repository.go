package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// Repository defines the user store contract required by the Service. Finders
// return shared.ErrNotFound when the predicate matches no row; mutators return
// shared.ErrNotFound when the id does not exist, except ClearSession which is
// deliberately idempotent.
type Repository interface {
	CreateUser(ctx context.Context, email, hashedPassword string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindBySessionID(ctx context.Context, sessionID string) (*User, error)
	FindByResetToken(ctx context.Context, resetToken string) (*User, error)
	SetSession(ctx context.Context, id int64, sessionID string) error
	ClearSession(ctx context.Context, id int64) error
	SetResetToken(ctx context.Context, id int64, resetToken string) error
	UpdatePassword(ctx context.Context, id int64, hashedPassword string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, hashed_password, session_id, reset_token, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.HashedPassword, &user.SessionID, &user.ResetToken, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("auth/repository: scan user: %w", err)
	}
	return &user, nil
}

// CreateUser inserts a new account. The unique index on email is the
// authority on duplicates; a violation maps to shared.ErrAlreadyExists.
func (r *PGRepository) CreateUser(ctx context.Context, email, hashedPassword string) (*User, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, hashed_password, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 RETURNING `+userColumns,
		email, hashedPassword, now)
	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, shared.ErrAlreadyExists
		}
		return nil, err
	}
	return user, nil
}

// FindByID fetches a user by primary key.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// FindByEmail fetches a user by email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// FindBySessionID fetches the user holding the given session token.
func (r *PGRepository) FindBySessionID(ctx context.Context, sessionID string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE session_id = $1`, sessionID))
}

// FindByResetToken fetches the user holding the given reset token.
func (r *PGRepository) FindByResetToken(ctx context.Context, resetToken string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE reset_token = $1`, resetToken))
}

// SetSession stores a session token on the user row.
func (r *PGRepository) SetSession(ctx context.Context, id int64, sessionID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET session_id = $2, updated_at = now() WHERE id = $1`,
		id, sessionID)
	if err != nil {
		return fmt.Errorf("auth/repository: set session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ClearSession nulls the session token. A missing id is not an error so that
// logout stays idempotent.
func (r *PGRepository) ClearSession(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET session_id = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("auth/repository: clear session: %w", err)
	}
	return nil
}

// SetResetToken stores a pending reset token on the user row.
func (r *PGRepository) SetResetToken(ctx context.Context, id int64, resetToken string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET reset_token = $2, updated_at = now() WHERE id = $1`,
		id, resetToken)
	if err != nil {
		return fmt.Errorf("auth/repository: set reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the password hash and clears any pending reset
// token in the same statement, so a reset token cannot be replayed.
func (r *PGRepository) UpdatePassword(ctx context.Context, id int64, hashedPassword string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET hashed_password = $2, reset_token = NULL, updated_at = now() WHERE id = $1`,
		id, hashedPassword)
	if err != nil {
		return fmt.Errorf("auth/repository: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
