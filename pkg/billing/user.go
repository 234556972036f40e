package billing

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// User is an account with billing state attached. A user has at most one
// non-terminal subscription at any time.
type User struct {
	ID                   uuid.UUID
	Email                string // unique
	Name                 string
	PaymentCustomerID    string // gateway customer reference, set once
	ActiveSubscriptionID *uuid.UUID
	IsActive             bool
	CreatedAt            time.Time
}

// NewUser builds a user record with a fresh identity.
func NewUser(email, name string, now time.Time) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailRegex.MatchString(email) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	return &User{
		ID:        uuid.New(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		IsActive:  true,
		CreatedAt: now.UTC(),
	}, nil
}

func (u *User) clone() *User {
	out := *u
	if u.ActiveSubscriptionID != nil {
		id := *u.ActiveSubscriptionID
		out.ActiveSubscriptionID = &id
	}
	return &out
}
