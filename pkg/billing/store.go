package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists users and subscriptions.
//
// UpdateSubscription is the only mutation path for subscriptions after
// creation: it runs fn on the current record under a per-subscription
// exclusive lock (row lock or equivalent compare-and-swap), so every state
// transition is a read-modify-write that cannot interleave with another
// writer on the same row. fn returning ErrNoChange commits nothing and the
// current record is returned with a nil error.
type Store interface {
	// CreateUser inserts a new user. Returns ErrEmailTaken when another user
	// already owns the email address.
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user by ID or ErrUserNotFound.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	// GetUserByEmail returns the user owning the email or ErrUserNotFound.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// SaveUser updates an existing user record.
	SaveUser(ctx context.Context, user *User) error

	// CreateSubscription inserts a new subscription record.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns the subscription by ID or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetSubscriptionByExternalID looks a subscription up by the gateway's
	// subscription identifier (the webhook join key).
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// UpdateSubscription applies fn to the record under an exclusive
	// per-subscription lock and persists the result. Any other error from fn
	// aborts the update and is returned as-is.
	UpdateSubscription(ctx context.Context, id uuid.UUID, fn func(*Subscription) error) (*Subscription, error)

	// ListTrialsEndingBy returns non-terminal TRIAL subscriptions whose
	// trial_end falls at or before the cutoff.
	ListTrialsEndingBy(ctx context.Context, cutoff time.Time) ([]*Subscription, error)
}
