// Package domain holds the identity and channel value types shared across
// the voice core. Validation only; no transport or media lifecycle logic.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

// MaxUsernameLen bounds display names as the relay stores them and
// participant lists render them.
const MaxUsernameLen = 36

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// User is one authenticated person as seen by the voice core and the relay.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser mints a user with a fresh random ID and a validated display name.
func NewUser(username string) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), Username: username}, nil
}

// SetUsername replaces the display name, keeping the current one on
// rejection.
func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
