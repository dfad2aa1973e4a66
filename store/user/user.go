package user

import (
	"context"
	"errors"
	"time"
)

// User is the profile of an account owned by the identity service. The
// messaging core only reads it for display fields.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

var (
	ErrUserNotFound = errors.New("user not found")
)

// Lookup resolves a user id to a profile.
type Lookup interface {
	GetByID(ctx context.Context, id string) (*User, error)
}

// Store defines the read operations on user profiles.
type Store interface {
	Lookup
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Search matches query as a case-insensitive substring of the username
	// or display name, skipping excludeID.
	Search(ctx context.Context, query, excludeID string, limit int) ([]User, error)
}
