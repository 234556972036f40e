package billing

import (
	"context"
	"sync"
	"time"
)

// DefaultEventRetention is how long processed event IDs are remembered for
// deduplication. Gateways redeliver for days, not months.
const DefaultEventRetention = 30 * 24 * time.Hour

// EventLog records processed gateway event IDs so redeliveries are absorbed.
// The mark is a reservation: callers that fail to apply the event afterwards
// must Unmark it, otherwise the gateway's redelivery would be swallowed as a
// duplicate and the event lost.
type EventLog interface {
	// MarkProcessed atomically records the event ID. It returns true when the
	// ID was not seen before (the caller should process the event) and false
	// on a duplicate.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)

	// Unmark releases a previously recorded event ID so a redelivery can be
	// processed again.
	Unmark(ctx context.Context, eventID string) error
}

// MemoryEventLog is an in-memory EventLog with time-based eviction.
type MemoryEventLog struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	clock     Clock
}

// NewMemoryEventLog creates an event log that forgets IDs after retention.
// A non-positive retention falls back to DefaultEventRetention.
func NewMemoryEventLog(retention time.Duration) *MemoryEventLog {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &MemoryEventLog{
		seen:      make(map[string]time.Time),
		retention: retention,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryEventLog) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.evict(now)

	if _, dup := l.seen[eventID]; dup {
		return false, nil
	}
	l.seen[eventID] = now
	return true, nil
}

func (l *MemoryEventLog) Unmark(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}

// evict drops entries older than the retention window. Called under mu.
func (l *MemoryEventLog) evict(now time.Time) {
	horizon := now.Add(-l.retention)
	for id, at := range l.seen {
		if at.Before(horizon) {
			delete(l.seen, id)
		}
	}
}
