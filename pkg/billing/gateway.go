package billing

import (
	"context"
	"time"
)

// PaymentGateway is the minimal surface the core needs from a payment
// provider. Implementations wrap the provider SDK and translate its failures
// into the ErrGatewayUnavailable / ErrGatewayRejected taxonomy so the service
// can decide between retrying and transitioning state.
type PaymentGateway interface {
	// CreateCustomer registers the user with the provider and returns the
	// provider's customer ID.
	CreateCustomer(ctx context.Context, user *User) (string, error)

	// CreateTrialSubscription opens a trial-priced subscription that will
	// bill the given plan once the trial elapses.
	CreateTrialSubscription(ctx context.Context, customerID string, plan Plan, trialDays int) (*GatewaySubscription, error)

	// UpgradeSubscription bills the first full period of the paid plan.
	// Returns ErrGatewayRejected when no usable payment method exists.
	UpgradeSubscription(ctx context.Context, externalID string, plan Plan) (*BillingPeriod, error)

	// CancelSubscription stops billing, either at period end or immediately.
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error

	// VerifyAndDecodeWebhook authenticates a raw webhook delivery against the
	// shared signing secret and decodes it into a normalized Event.
	// Returns ErrInvalidSignature when authenticity cannot be established.
	VerifyAndDecodeWebhook(payload []byte, signature string) (*Event, error)
}

// GatewaySubscription is the provider's view of a freshly created subscription.
type GatewaySubscription struct {
	ID          string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// BillingPeriod is the window covered by a successful charge.
type BillingPeriod struct {
	Start time.Time
	End   time.Time
}

// Event is a normalized billing event decoded from a webhook delivery.
// Gateways deliver at least once, so the same event ID may arrive repeatedly.
type Event struct {
	ID             string
	Type           EventType
	SubscriptionID string // gateway subscription ID (join key)
	OccurredAt     time.Time

	// Period bounds accompany payment_succeeded events and carry the
	// provider's authoritative view of the paid window.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}
