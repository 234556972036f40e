package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription is a user's progression through the trial/paid lifecycle.
// Records are created by the service, mutated only through Store.UpdateSubscription,
// and never physically deleted - terminal records are retained for audit.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID
	PlanID string
	Status Status

	// ExternalID is the gateway's subscription identifier. Set once the
	// gateway subscription exists and immutable afterwards; it is the join
	// key used when reconciling webhook events.
	ExternalID string

	TrialStart         *time.Time
	TrialEnd           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	CancelAtPeriodEnd bool
	LastReminder      Reminder
	CancelledAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by the store on every committed mutation and backs
	// the compare-and-swap discipline of UpdateSubscription.
	Version int64
}

// NewTrialSubscription creates a TRIAL subscription for the given trial plan.
// trial_end is fixed to trial_start + plan.TrialDays at creation and is never
// recomputed afterwards.
func NewTrialSubscription(userID uuid.UUID, plan Plan, now time.Time) (*Subscription, error) {
	if !plan.IsTrial() {
		return nil, fmt.Errorf("%w: plan %q has no trial period", ErrInvalidSubscription, plan.ID)
	}

	now = now.UTC()
	trialEnd := plan.TrialEndsAt(now)
	if !trialEnd.After(now) {
		return nil, fmt.Errorf("%w: trial_end must be after trial_start", ErrInvalidSubscription)
	}

	start := now
	end := trialEnd
	return &Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             StatusTrialing,
		TrialStart:         &start,
		TrialEnd:           &end,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		LastReminder:       ReminderNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// IsTrialExpiredAt reports whether the trial window has elapsed at the given time.
func (s *Subscription) IsTrialExpiredAt(now time.Time) bool {
	if s.TrialEnd == nil {
		return false
	}
	return !now.Before(*s.TrialEnd)
}

// TrialDaysRemainingAt returns the number of days remaining in the trial at
// the given time, rounding partial days up. Returns 0 once expired or when
// the subscription never had a trial.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if s.Status != StatusTrialing || s.TrialEnd == nil {
		return 0
	}

	remaining := s.TrialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}

	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// HasAccessAt reports whether the subscription grants feature access at the
// given time. PAST_DUE retains access (grace period): access is only revoked
// once the gateway gives up and the record moves to EXPIRED.
func (s *Subscription) HasAccessAt(now time.Time) bool {
	switch s.Status {
	case StatusTrialing:
		return !s.IsTrialExpiredAt(now)
	case StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

func (s *Subscription) clone() *Subscription {
	out := *s
	out.TrialStart = cloneTime(s.TrialStart)
	out.TrialEnd = cloneTime(s.TrialEnd)
	out.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	out.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	out.CancelledAt = cloneTime(s.CancelledAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
