package auth

import "time"

// User represents a registered account. SessionID and ResetToken are nil
// while no session or password reset is pending.
type User struct {
	ID             int64
	Email          string
	HashedPassword string
	SessionID      *string
	ResetToken     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
