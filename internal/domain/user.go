package domain

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

type User struct {
	ID           string
	Username     string
	Skills       string
	PasswordHash string
	CreatedAt    time.Time
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Skills   string `json:"skills,omitempty"`
}

type UpdateUserRequest struct {
	Skills   *string `json:"skills,omitempty"`
	Password *string `json:"password,omitempty"`
}

type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

const minPasswordLength = 8

func (r CreateUserRequest) Validate() error {
	username := strings.TrimSpace(r.Username)
	if username == "" {
		return errors.New("username is required")
	}
	for _, c := range username {
		if unicode.IsSpace(c) {
			return errors.New("username must not contain whitespace")
		}
	}
	if len(r.Password) < minPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

func (r UpdateUserRequest) Validate() error {
	if r.Skills == nil && r.Password == nil {
		return errors.New("nothing to update")
	}
	if r.Password != nil && len(*r.Password) < minPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

func (r TokenRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return errors.New("username is required")
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	return nil
}
