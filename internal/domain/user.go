// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
	MaxChatIDLen   = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

// User is the identity a peer presents on the signaling channel. It travels as
// the caller field of incoming-call messages.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(name string) (*User, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), Name: name}, nil
}

// UserFromClaims rebuilds a user from an authenticated subject.
func UserFromClaims(id, name string) (*User, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return nil, ErrUserIDInvalid
	}
	if name == "" {
		name = "guest"
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &User{ID: UserID(id), Name: name}, nil
}

func (u *User) SetName(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	u.Name = name
	return nil
}

func validateName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
