package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store suitable for development and tests.
// A per-subscription mutex gives UpdateSubscription the same exclusive
// read-modify-write semantics a SQL row lock provides.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*User
	usersByEmail  map[string]uuid.UUID
	subs          map[uuid.UUID]*Subscription
	subByExternal map[string]uuid.UUID
	rowLocks      map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uuid.UUID]*User),
		usersByEmail:  make(map[string]uuid.UUID),
		subs:          make(map[uuid.UUID]*Subscription),
		subByExternal: make(map[string]uuid.UUID),
		rowLocks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usersByEmail[user.Email]; taken {
		return ErrEmailTaken
	}

	s.users[user.ID] = user.clone()
	s.usersByEmail[user.Email] = user.ID
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.users[id].clone(), nil
}

func (s *MemoryStore) SaveUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	s.users[user.ID] = user.clone()
	return nil
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return ErrSubscriptionExists
	}

	s.subs[sub.ID] = sub.clone()
	if sub.ExternalID != "" {
		s.subByExternal[sub.ExternalID] = sub.ID
	}
	s.rowLocks[sub.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

func (s *MemoryStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subByExternal[externalID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.subs[id].clone(), nil
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, id uuid.UUID, fn func(*Subscription) error) (*Subscription, error) {
	s.mu.RLock()
	lock, ok := s.rowLocks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	// Row lock serializes all writers for this subscription; the global map
	// lock is only held for the short read/write sections inside.
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.subs[id].clone()
	s.mu.RUnlock()

	working := current.clone()
	if err := fn(working); err != nil {
		if err == ErrNoChange {
			return current, nil
		}
		return nil, err
	}

	// ExternalID is immutable once set.
	if current.ExternalID != "" && working.ExternalID != current.ExternalID {
		working.ExternalID = current.ExternalID
	}

	working.Version = current.Version + 1

	s.mu.Lock()
	s.subs[id] = working.clone()
	if working.ExternalID != "" {
		s.subByExternal[working.ExternalID] = id
	}
	s.mu.Unlock()

	return working, nil
}

func (s *MemoryStore) ListTrialsEndingBy(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status != StatusTrialing || sub.TrialEnd == nil {
			continue
		}
		if sub.TrialEnd.After(cutoff) {
			continue
		}
		out = append(out, sub.clone())
	}
	return out, nil
}
