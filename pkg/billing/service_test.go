package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baddiejournal/billing/pkg/billing"
)

// fakeGateway is a PaymentGateway with injectable behavior per call.
type fakeGateway struct {
	mu sync.Mutex

	createCustomerErr  error
	createTrialErr     error
	upgradeErr         error
	cancelErr          error
	createCalls        int
	upgradeCalls       int
	cancelCalls        int
	upgradePeriodStart time.Time
	upgradePeriodEnd   time.Time
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, user *billing.User) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createCustomerErr != nil {
		return "", g.createCustomerErr
	}
	return "cus_" + uuid.NewString(), nil
}

func (g *fakeGateway) CreateTrialSubscription(ctx context.Context, customerID string, plan billing.Plan, trialDays int) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createTrialErr != nil {
		return nil, g.createTrialErr
	}
	now := time.Now().UTC()
	return &billing.GatewaySubscription{
		ID:          "sub_" + uuid.NewString(),
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 0, trialDays),
	}, nil
}

func (g *fakeGateway) UpgradeSubscription(ctx context.Context, externalID string, plan billing.Plan) (*billing.BillingPeriod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upgradeCalls++
	if g.upgradeErr != nil {
		return nil, g.upgradeErr
	}
	start := g.upgradePeriodStart
	end := g.upgradePeriodEnd
	if start.IsZero() {
		start = time.Now().UTC()
		end = start.AddDate(0, 1, 0)
	}
	return &billing.BillingPeriod{Start: start, End: end}, nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancelErr
}

func (g *fakeGateway) VerifyAndDecodeWebhook(payload []byte, signature string) (*billing.Event, error) {
	panic("not used in service tests")
}

// recordingNotifier captures every delivered template.
type recordingNotifier struct {
	mu    sync.Mutex
	sends []billing.Template
}

func (n *recordingNotifier) Send(ctx context.Context, user *billing.User, tpl billing.Template, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, tpl)
	return nil
}

func (n *recordingNotifier) count(tpl billing.Template) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sends {
		if s == tpl {
			c++
		}
	}
	return c
}

type fixture struct {
	store    *billing.MemoryStore
	gateway  *fakeGateway
	notifier *recordingNotifier
	service  *billing.Service
	now      time.Time
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:    billing.NewMemoryStore(),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	registry := billing.MustNewRegistry(billing.DefaultPlans()...)
	allOpts := append([]billing.Option{
		billing.WithClock(func() time.Time { return f.now }),
		billing.WithRetryAttempts(0),
		billing.WithBackoff(billing.FixedBackoff{Interval: time.Millisecond}),
	}, opts...)
	f.service = billing.NewService(registry, f.store, f.gateway, f.notifier, allOpts...)
	return f
}

func (f *fixture) createTrial(t *testing.T) (*billing.User, *billing.Subscription) {
	t.Helper()
	user, sub, err := f.service.CreateUserWithTrial(context.Background(), "user@example.com", "Test User")
	require.NoError(t, err)
	return user, sub
}

func TestCreateUserWithTrial(t *testing.T) {
	t.Parallel()

	t.Run("creates trial with welcome notification", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		user, sub, err := f.service.CreateUserWithTrial(context.Background(), "user@example.com", "Test User")
		require.NoError(t, err)

		assert.Equal(t, billing.StatusTrialing, sub.Status)
		require.NotNil(t, sub.TrialStart)
		require.NotNil(t, sub.TrialEnd)
		assert.Equal(t, sub.TrialStart.AddDate(0, 0, 7), *sub.TrialEnd)
		assert.NotEmpty(t, sub.ExternalID)
		assert.NotEmpty(t, user.PaymentCustomerID)
		require.NotNil(t, user.ActiveSubscriptionID)
		assert.Equal(t, sub.ID, *user.ActiveSubscriptionID)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateWelcome))
	})

	t.Run("rejects invalid email", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, _, err := f.service.CreateUserWithTrial(context.Background(), "not-an-email", "X")
		require.ErrorIs(t, err, billing.ErrInvalidEmail)
	})

	t.Run("rejects duplicate email before touching the gateway", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.createTrial(t)

		_, _, err := f.service.CreateUserWithTrial(context.Background(), "user@example.com", "Again")
		require.ErrorIs(t, err, billing.ErrEmailTaken)

		// No orphaned provider customer or trial for the rejected signup.
		assert.Equal(t, 1, f.gateway.createCalls)
	})

	t.Run("gateway failure persists nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.gateway.createCustomerErr = billing.ErrGatewayUnavailable

		_, _, err := f.service.CreateUserWithTrial(context.Background(), "user@example.com", "X")
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)
		assert.Zero(t, f.notifier.count(billing.TemplateWelcome))

		// The email must still be free.
		f.gateway.createCustomerErr = nil
		_, _, err = f.service.CreateUserWithTrial(context.Background(), "user@example.com", "X")
		require.NoError(t, err)
	})
}

func TestCheckAccess(t *testing.T) {
	t.Parallel()

	t.Run("trial has access before trial end", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		access := f.service.CheckAccess(sub)
		assert.True(t, access.HasAccess)
		assert.False(t, access.NeedsUpgrade)
		assert.True(t, access.Features[billing.FeatureBasicInsights])
	})

	t.Run("elapsed trial needs upgrade", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		f.now = sub.TrialEnd.Add(time.Second)
		access := f.service.CheckAccess(sub)
		assert.False(t, access.HasAccess)
		assert.True(t, access.NeedsUpgrade)
	})

	t.Run("past due keeps access", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID:             "evt_1",
			Type:           billing.EventPaymentFailed,
			SubscriptionID: sub.ExternalID,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, current.Status)
		assert.True(t, f.service.CheckAccess(current).HasAccess)
	})
}

func TestUpgradeTrialToPaid(t *testing.T) {
	t.Parallel()

	t.Run("converts trial to paid plan", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		upgraded, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		assert.Equal(t, billing.StatusActive, upgraded.Status)
		assert.Equal(t, "basic-monthly", upgraded.PlanID)
		require.NotNil(t, upgraded.CurrentPeriodEnd)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateUpgraded))
	})

	t.Run("idempotent on already active subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		first, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		second, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
		assert.Equal(t, 1, f.gateway.upgradeCalls)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateUpgraded))
	})

	t.Run("gateway rejection expires the trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		f.gateway.upgradeErr = billing.ErrGatewayRejected

		expired, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		assert.Equal(t, billing.StatusExpired, expired.Status)
		assert.Equal(t, billing.ReminderExpired, expired.LastReminder)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateTrialExpired))
		assert.False(t, f.service.CheckAccess(expired).HasAccess)
	})

	t.Run("gateway unavailable surfaces and leaves trial intact", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		f.gateway.upgradeErr = billing.ErrGatewayUnavailable

		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, current.Status)
	})

	t.Run("retries transient gateway failures", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, billing.WithRetryAttempts(2))
		_, sub := f.createTrial(t)
		f.gateway.upgradeErr = billing.ErrGatewayUnavailable

		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)
		assert.Equal(t, 3, f.gateway.upgradeCalls)
	})

	t.Run("never retries gateway rejection", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, billing.WithRetryAttempts(2))
		_, sub := f.createTrial(t)
		f.gateway.upgradeErr = billing.ErrGatewayRejected

		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, f.gateway.upgradeCalls)
	})
}

func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	t.Run("at period end keeps active with flag set", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		cancelled, err := f.service.CancelSubscription(context.Background(), sub.ID, true)
		require.NoError(t, err)

		assert.Equal(t, billing.StatusActive, cancelled.Status)
		assert.True(t, cancelled.CancelAtPeriodEnd)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateCancellationConfirmed))
	})

	t.Run("immediate cancel moves to cancelled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		cancelled, err := f.service.CancelSubscription(context.Background(), sub.ID, false)
		require.NoError(t, err)

		assert.Equal(t, billing.StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledAt)

		// Access ends now: the "until period end" copy must not be used.
		assert.Equal(t, 1, f.notifier.count(billing.TemplateCancellationComplete))
		assert.Zero(t, f.notifier.count(billing.TemplateCancellationConfirmed))
	})

	t.Run("gateway timeout leaves subscription unchanged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		active, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		f.gateway.cancelErr = billing.ErrGatewayUnavailable
		_, err = f.service.CancelSubscription(context.Background(), sub.ID, false)
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, current.Status)
		assert.False(t, current.CancelAtPeriodEnd)
		assert.Equal(t, active.UpdatedAt, current.UpdatedAt)
	})

	t.Run("terminal subscription is a no-op without gateway call", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.ExpireTrial(context.Background(), sub.ID)
		require.NoError(t, err)

		got, err := f.service.CancelSubscription(context.Background(), sub.ID, false)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, got.Status)
		assert.Zero(t, f.gateway.cancelCalls)
	})
}

func TestApplyEvent(t *testing.T) {
	t.Parallel()

	t.Run("payment failed moves active to past due", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_pf", Type: billing.EventPaymentFailed, SubscriptionID: sub.ExternalID,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, current.Status)
		assert.Equal(t, 1, f.notifier.count(billing.TemplatePaymentIssue))
	})

	t.Run("payment succeeded recovers past due", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_pf", Type: billing.EventPaymentFailed, SubscriptionID: sub.ExternalID,
		}))

		end := f.now.AddDate(0, 1, 0)
		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_ps", Type: billing.EventPaymentSucceeded, SubscriptionID: sub.ExternalID,
			PeriodEnd: &end,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, current.Status)
		require.NotNil(t, current.CurrentPeriodEnd)
		assert.Equal(t, end, *current.CurrentPeriodEnd)
	})

	t.Run("payment succeeded converts elapsed trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		// Gateway billed the first paid period before the scanner ran.
		f.now = sub.TrialEnd.Add(time.Minute)
		end := f.now.AddDate(0, 1, 0)
		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_ps", Type: billing.EventPaymentSucceeded, SubscriptionID: sub.ExternalID,
			PeriodEnd: &end,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, current.Status)
		assert.Equal(t, "basic-monthly", current.PlanID)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateUpgraded))
	})

	t.Run("trial charge does not activate an open trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_trial_charge", Type: billing.EventPaymentSucceeded, SubscriptionID: sub.ExternalID,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, current.Status)
	})

	t.Run("subscription deleted expires past due", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_pf", Type: billing.EventPaymentFailed, SubscriptionID: sub.ExternalID,
		}))

		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_del", Type: billing.EventSubscriptionDeleted, SubscriptionID: sub.ExternalID,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, current.Status)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateSubscriptionExpired))
	})

	t.Run("subscription deleted completes pending cancellation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		_, err = f.service.CancelSubscription(context.Background(), sub.ID, true)
		require.NoError(t, err)

		require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_del", Type: billing.EventSubscriptionDeleted, SubscriptionID: sub.ExternalID,
		}))

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, current.Status)
		require.NotNil(t, current.CancelledAt)
		assert.Equal(t, 1, f.notifier.count(billing.TemplateCancellationComplete))
	})

	t.Run("unknown subscription returns not found", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		err := f.service.ApplyEvent(context.Background(), &billing.Event{
			ID: "evt_x", Type: billing.EventPaymentFailed, SubscriptionID: "sub_missing",
		})
		require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestIdempotentTransitions(t *testing.T) {
	t.Parallel()

	t.Run("undefined transitions leave status and updated_at unchanged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		expired, err := f.service.ExpireTrial(context.Background(), sub.ID)
		require.NoError(t, err)

		events := []billing.EventType{
			billing.EventPaymentSucceeded,
			billing.EventPaymentFailed,
			billing.EventSubscriptionDeleted,
		}
		for i, typ := range events {
			require.NoError(t, f.service.ApplyEvent(context.Background(), &billing.Event{
				ID: string(typ) + "_replay", Type: typ, SubscriptionID: sub.ExternalID,
			}))
			current, err := f.service.GetSubscription(context.Background(), sub.ID)
			require.NoError(t, err)
			assert.Equal(t, billing.StatusExpired, current.Status, "event %d", i)
			assert.Equal(t, expired.UpdatedAt, current.UpdatedAt, "event %d", i)
		}
	})

	t.Run("terminal states never change", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		cancelled, err := f.service.CancelSubscription(context.Background(), sub.ID, false)
		require.NoError(t, err)
		require.Equal(t, billing.StatusCancelled, cancelled.Status)

		_, err = f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)
		_, err = f.service.ExpireTrial(context.Background(), sub.ID)
		require.NoError(t, err)

		current, err := f.service.GetSubscription(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, current.Status)
	})
}

func TestTrialBoundary(t *testing.T) {
	t.Parallel()

	// A trial one second past its end with no successful payment must end up
	// EXPIRED, never ACTIVE.
	f := newFixture(t)
	_, sub := f.createTrial(t)

	f.now = sub.TrialEnd.Add(time.Second)
	assert.False(t, f.service.CheckAccess(sub).HasAccess)

	f.gateway.upgradeErr = billing.ErrGatewayRejected
	got, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusExpired, got.Status)
}

func TestRecordReminder(t *testing.T) {
	t.Parallel()

	t.Run("advances monotonically", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)

		_, advanced, err := f.service.RecordReminder(context.Background(), sub.ID, billing.ReminderThreeDay)
		require.NoError(t, err)
		assert.True(t, advanced)

		// Same threshold again: no advancement.
		_, advanced, err = f.service.RecordReminder(context.Background(), sub.ID, billing.ReminderThreeDay)
		require.NoError(t, err)
		assert.False(t, advanced)

		_, advanced, err = f.service.RecordReminder(context.Background(), sub.ID, billing.ReminderOneDay)
		require.NoError(t, err)
		assert.True(t, advanced)

		// Never regresses.
		current, advanced, err := f.service.RecordReminder(context.Background(), sub.ID, billing.ReminderThreeDay)
		require.NoError(t, err)
		assert.False(t, advanced)
		assert.Equal(t, billing.ReminderOneDay, current.LastReminder)
	})

	t.Run("ignores non-trial subscriptions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, sub := f.createTrial(t)
		_, err := f.service.UpgradeTrialToPaid(context.Background(), sub.ID)
		require.NoError(t, err)

		_, advanced, err := f.service.RecordReminder(context.Background(), sub.ID, billing.ReminderOneDay)
		require.NoError(t, err)
		assert.False(t, advanced)
	})
}
