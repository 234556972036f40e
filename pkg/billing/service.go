package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. Injectable for deterministic tests.
type Clock func() time.Time

// Access is the result of a subscription access check.
type Access struct {
	HasAccess    bool
	Features     FeatureSet
	NeedsUpgrade bool
}

// Service is the subscription lifecycle state machine. It owns every mutation
// of Subscription records: the web layer, the webhook reconciler, and the
// expiry scanner all converge here, and each transition is a read-modify-write
// under the store's per-subscription lock.
type Service struct {
	registry *Registry
	store    Store
	gateway  PaymentGateway
	notifier Notifier

	logger         *slog.Logger
	clock          Clock
	gatewayTimeout time.Duration
	retryAttempts  int
	backoff        BackoffStrategy
}

// NewService wires the state machine to its collaborators.
// Panics on nil dependencies to fail fast during initialization.
func NewService(registry *Registry, store Store, gateway PaymentGateway, notifier Notifier, opts ...Option) *Service {
	if registry == nil {
		panic("billing: Registry is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if notifier == nil {
		panic("billing: Notifier is required")
	}

	s := &Service{
		registry:       registry,
		store:          store,
		gateway:        gateway,
		notifier:       notifier,
		logger:         slog.Default(),
		clock:          func() time.Time { return time.Now().UTC() },
		gatewayTimeout: 10 * time.Second,
		retryAttempts:  2,
		backoff:        DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUserWithTrial registers a new user, opens the gateway customer and
// trial subscription, persists both records, and sends the welcome message.
// Gateway failure leaves nothing persisted.
func (s *Service) CreateUserWithTrial(ctx context.Context, email, name string) (*User, *Subscription, error) {
	now := s.clock()

	user, err := NewUser(email, name, now)
	if err != nil {
		return nil, nil, err
	}

	// Check the email before touching the gateway: a duplicate signup must
	// not leave an orphaned provider customer and trial behind. CreateUser's
	// unique constraint below remains the backstop for the race window.
	if _, err := s.store.GetUserByEmail(ctx, user.Email); err == nil {
		return nil, nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, nil, err
	}

	trialPlan := s.registry.TrialPlan()
	paidPlan := s.registry.PaidPlan()

	var customerID string
	if err := s.callGateway(ctx, "create_customer", func(ctx context.Context) error {
		var gerr error
		customerID, gerr = s.gateway.CreateCustomer(ctx, user)
		return gerr
	}); err != nil {
		return nil, nil, err
	}
	user.PaymentCustomerID = customerID

	var gwSub *GatewaySubscription
	if err := s.callGateway(ctx, "create_trial_subscription", func(ctx context.Context) error {
		var gerr error
		gwSub, gerr = s.gateway.CreateTrialSubscription(ctx, customerID, paidPlan, trialPlan.TrialDays)
		return gerr
	}); err != nil {
		return nil, nil, err
	}

	sub, err := NewTrialSubscription(user.ID, trialPlan, now)
	if err != nil {
		return nil, nil, err
	}
	sub.ExternalID = gwSub.ID

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}

	user.ActiveSubscriptionID = &sub.ID
	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "trial subscription created",
		slog.String("user_id", user.ID.String()),
		slog.String("subscription_id", sub.ID.String()),
		slog.Time("trial_end", *sub.TrialEnd),
	)
	s.send(ctx, user, TemplateWelcome, map[string]any{
		"trial_end":  *sub.TrialEnd,
		"trial_days": trialPlan.TrialDays,
	})

	return user, sub, nil
}

// GetSubscription returns the subscription by ID.
func (s *Service) GetSubscription(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	return s.store.GetSubscription(ctx, subID)
}

// CheckAccess is a pure query over the subscription's current state. Access
// is granted for TRIAL (before trial_end), ACTIVE, and PAST_DUE (grace
// period). NeedsUpgrade is true once the trial has elapsed while the record
// is still TRIAL.
func (s *Service) CheckAccess(sub *Subscription) Access {
	now := s.clock()

	features := FeatureSet{}
	if plan, err := s.registry.ByID(sub.PlanID); err == nil {
		features = plan.Features
	}

	return Access{
		HasAccess:    sub.HasAccessAt(now),
		Features:     features,
		NeedsUpgrade: sub.Status == StatusTrialing && sub.IsTrialExpiredAt(now),
	}
}

// UpgradeTrialToPaid converts a trial to the paid plan. Idempotent: calling
// it on an already-ACTIVE or terminal subscription is a no-op returning the
// current record. ErrGatewayRejected (no usable payment method) expires the
// trial instead of propagating; ErrGatewayUnavailable is returned so the
// caller or the next scanner pass can retry.
func (s *Service) UpgradeTrialToPaid(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusTrialing {
		s.logger.WarnContext(ctx, "upgrade requested for non-trial subscription, keeping current state",
			slog.String("subscription_id", subID.String()),
			slog.String("status", string(sub.Status)),
		)
		return sub, nil
	}

	paidPlan := s.registry.PaidPlan()

	var period *BillingPeriod
	if err := s.callGateway(ctx, "upgrade_subscription", func(ctx context.Context) error {
		var gerr error
		period, gerr = s.gateway.UpgradeSubscription(ctx, sub.ExternalID, paidPlan)
		return gerr
	}); err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			return s.ExpireTrial(ctx, subID)
		}
		return nil, err
	}

	updated, applied, err := s.transition(ctx, subID, StatusActive,
		func(cur *Subscription) bool { return cur.Status == StatusTrialing },
		func(cur *Subscription) {
			cur.PlanID = paidPlan.ID
			cur.CurrentPeriodStart = &period.Start
			cur.CurrentPeriodEnd = &period.End
			cur.CancelAtPeriodEnd = false
		})
	if err != nil {
		return nil, err
	}
	if applied {
		s.notifyUser(ctx, updated.UserID, TemplateUpgraded, map[string]any{
			"plan":       paidPlan.Name,
			"period_end": period.End,
		})
	}
	return updated, nil
}

// CancelSubscription cancels at period end (flag set, status unchanged) or
// immediately (CANCELLED). The gateway is called first: if it is unreachable
// the error surfaces and the record stays untouched - the eventual webhook is
// the source of truth, the subscription is never optimistically cancelled.
func (s *Service) CancelSubscription(ctx context.Context, subID uuid.UUID, atPeriodEnd bool) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return sub, nil
	}

	if err := s.callGateway(ctx, "cancel_subscription", func(ctx context.Context) error {
		return s.gateway.CancelSubscription(ctx, sub.ExternalID, atPeriodEnd)
	}); err != nil {
		return nil, err
	}

	if atPeriodEnd {
		applied := false
		updated, err := s.store.UpdateSubscription(ctx, subID, func(cur *Subscription) error {
			if cur.Status != StatusActive || cur.CancelAtPeriodEnd {
				return ErrNoChange
			}
			cur.CancelAtPeriodEnd = true
			cur.UpdatedAt = s.clock()
			applied = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if applied {
			s.notifyUser(ctx, updated.UserID, TemplateCancellationConfirmed, map[string]any{
				"period_end": updated.CurrentPeriodEnd,
			})
		}
		return updated, nil
	}

	updated, applied, err := s.transition(ctx, subID, StatusCancelled,
		func(cur *Subscription) bool { return cur.Status == StatusActive },
		func(cur *Subscription) {
			now := s.clock()
			cur.CancelledAt = &now
		})
	if err != nil {
		return nil, err
	}
	if applied {
		// Access ends now, not at period end, so the "cancellation
		// confirmed, access until period end" copy would be wrong here.
		s.notifyUser(ctx, updated.UserID, TemplateCancellationComplete, nil)
	}
	return updated, nil
}

// ExpireTrial moves a trial that ended without a successful payment to
// EXPIRED. Only the expiry scanner and the rejected-upgrade path call this.
func (s *Service) ExpireTrial(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	updated, applied, err := s.transition(ctx, subID, StatusExpired,
		func(cur *Subscription) bool { return cur.Status == StatusTrialing },
		func(cur *Subscription) {
			cur.LastReminder = ReminderExpired
		})
	if err != nil {
		return nil, err
	}
	if applied {
		s.notifyUser(ctx, updated.UserID, TemplateTrialExpired, nil)
	}
	return updated, nil
}

// RecordReminder advances last_reminder to r and reports whether it advanced.
// The reminder marker is strictly monotonic, which is exactly what makes
// reminder dispatch idempotent across overlapping scanner runs.
func (s *Service) RecordReminder(ctx context.Context, subID uuid.UUID, r Reminder) (*Subscription, bool, error) {
	applied := false
	updated, err := s.store.UpdateSubscription(ctx, subID, func(cur *Subscription) error {
		if cur.Status != StatusTrialing {
			return ErrNoChange
		}
		if r.Rank() <= cur.LastReminder.Rank() {
			return ErrNoChange
		}
		cur.LastReminder = r
		cur.UpdatedAt = s.clock()
		applied = true
		return nil
	})
	return updated, applied, err
}

// ApplyEvent translates a verified, deduplicated gateway event into a state
// transition. Events referencing states that do not permit the transition are
// absorbed as no-ops; only lookup and storage failures are returned.
func (s *Service) ApplyEvent(ctx context.Context, ev *Event) error {
	sub, err := s.store.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case EventPaymentFailed:
		return s.applyPaymentFailed(ctx, sub)
	case EventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, sub, ev)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, sub)
	default:
		s.logger.WarnContext(ctx, "unhandled gateway event type",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
		)
		return nil
	}
}

// applyPaymentFailed moves TRIAL or ACTIVE to PAST_DUE. Access is not revoked
// here: PAST_DUE is a grace period that ends only with subscription_deleted.
func (s *Service) applyPaymentFailed(ctx context.Context, sub *Subscription) error {
	updated, applied, err := s.transition(ctx, sub.ID, StatusPastDue, nil, nil)
	if err != nil {
		return err
	}
	if applied {
		s.notifyUser(ctx, updated.UserID, TemplatePaymentIssue, nil)
	}
	return nil
}

// applyPaymentSucceeded recovers PAST_DUE to ACTIVE, converts an elapsed
// TRIAL to ACTIVE (the gateway billed the first paid period before the
// scanner got there), or rolls the period forward on an ACTIVE renewal.
// The initial trial charge - payment_succeeded while the trial window is
// still open - is acknowledged without a state change.
func (s *Service) applyPaymentSucceeded(ctx context.Context, sub *Subscription, ev *Event) error {
	paidPlan := s.registry.PaidPlan()
	now := s.clock()

	wasTrial := false
	updated, err := s.store.UpdateSubscription(ctx, sub.ID, func(cur *Subscription) error {
		if cur.Status == StatusTrialing && !cur.IsTrialExpiredAt(now) {
			return ErrNoChange
		}
		if !canTransition(cur.Status, StatusActive) {
			return ErrNoChange
		}
		wasTrial = cur.Status == StatusTrialing
		cur.Status = StatusActive
		if wasTrial {
			cur.PlanID = paidPlan.ID
		}
		if ev.PeriodStart != nil {
			cur.CurrentPeriodStart = ev.PeriodStart
		}
		if ev.PeriodEnd != nil {
			cur.CurrentPeriodEnd = ev.PeriodEnd
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	if wasTrial {
		s.notifyUser(ctx, updated.UserID, TemplateUpgraded, map[string]any{"plan": paidPlan.Name})
	}
	return nil
}

// applySubscriptionDeleted is the gateway's final word on a subscription:
// dunning gave up (PAST_DUE, TRIAL -> EXPIRED) or a cancellation took effect
// (ACTIVE -> CANCELLED, whether or not the flag was set on our side).
func (s *Service) applySubscriptionDeleted(ctx context.Context, sub *Subscription) error {
	var target Status
	var tpl Template

	applied := false
	updated, err := s.store.UpdateSubscription(ctx, sub.ID, func(cur *Subscription) error {
		switch cur.Status {
		case StatusPastDue:
			target, tpl = StatusExpired, TemplateSubscriptionExpired
		case StatusTrialing:
			target, tpl = StatusExpired, TemplateTrialExpired
		case StatusActive:
			target, tpl = StatusCancelled, TemplateCancellationComplete
		default:
			return ErrNoChange
		}

		now := s.clock()
		cur.Status = target
		if target == StatusCancelled {
			cur.CancelledAt = &now
		}
		cur.UpdatedAt = now
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		s.notifyUser(ctx, updated.UserID, tpl, nil)
	}
	return nil
}

// transition applies a guarded move to the target status under the row lock.
// Returns the resulting record and whether the transition actually committed.
func (s *Service) transition(ctx context.Context, subID uuid.UUID, to Status, guard func(*Subscription) bool, mutate func(*Subscription)) (*Subscription, bool, error) {
	applied := false
	updated, err := s.store.UpdateSubscription(ctx, subID, func(cur *Subscription) error {
		if guard != nil && !guard(cur) {
			return ErrNoChange
		}
		if !canTransition(cur.Status, to) {
			s.logger.WarnContext(ctx, "transition not permitted, keeping current state",
				slog.String("subscription_id", subID.String()),
				slog.String("from", string(cur.Status)),
				slog.String("to", string(to)),
			)
			return ErrNoChange
		}
		cur.Status = to
		if mutate != nil {
			mutate(cur)
		}
		cur.UpdatedAt = s.clock()
		applied = true
		return nil
	})
	return updated, applied, err
}

// callGateway runs a gateway operation with a bounded timeout, retrying only
// ErrGatewayUnavailable with backoff. ErrGatewayRejected is never retried.
func (s *Service) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		err := fn(callCtx)
		cancel()

		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrGatewayUnavailable, err)
		}
		if err == nil || !errors.Is(err, ErrGatewayUnavailable) || attempt >= s.retryAttempts {
			return err
		}

		delay := s.backoff.NextInterval(attempt + 1)
		s.logger.WarnContext(ctx, "gateway unavailable, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return errors.Join(ErrGatewayUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// notifyUser resolves the user and delivers best-effort.
func (s *Service) notifyUser(ctx context.Context, userID uuid.UUID, tpl Template, data map[string]any) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "cannot resolve user for notification",
			slog.String("user_id", userID.String()),
			slog.String("template", string(tpl)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.send(ctx, user, tpl, data)
}

func (s *Service) send(ctx context.Context, user *User, tpl Template, data map[string]any) {
	if err := s.notifier.Send(ctx, user, tpl, data); err != nil {
		s.logger.ErrorContext(ctx, "notification delivery failed",
			slog.String("user_id", user.ID.String()),
			slog.String("template", string(tpl)),
			slog.String("error", err.Error()),
		)
	}
}
