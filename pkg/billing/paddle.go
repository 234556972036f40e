package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle payment gateway.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleGateway implements PaymentGateway against Paddle Billing.
//
// Paddle reports permanent billing outcomes (declines, dunning exhaustion)
// through webhooks rather than synchronous API errors, so every failed API
// call here is classified as ErrGatewayUnavailable and left to the caller's
// retry policy; the authoritative payment_failed/subscription_deleted signal
// arrives on the webhook path.
type PaddleGateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier

	// priceIDs maps internal plan IDs to Paddle catalog price IDs.
	priceIDs map[string]string
}

// NewPaddleGateway creates a Paddle-backed gateway. priceIDs maps plan IDs
// from the Registry to Paddle price IDs; every paid plan needs an entry.
func NewPaddleGateway(config PaddleConfig, priceIDs map[string]string) (*PaddleGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleGateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		priceIDs: priceIDs,
	}, nil
}

func (g *PaddleGateway) CreateCustomer(ctx context.Context, user *User) (string, error) {
	customer, err := g.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: user.Email,
		Name:  paddle.PtrTo(user.Name),
	})
	if err != nil {
		return "", errors.Join(ErrGatewayUnavailable, err)
	}
	return customer.ID, nil
}

func (g *PaddleGateway) CreateTrialSubscription(ctx context.Context, customerID string, plan Plan, trialDays int) (*GatewaySubscription, error) {
	priceID, ok := g.priceIDs[plan.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no paddle price configured for plan %q", ErrGatewayRejected, plan.ID)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"customer_id": customerID,
			"trial_days":  trialDays,
		},
	})
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	now := time.Now().UTC()
	return &GatewaySubscription{
		ID:          txn.ID,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 0, trialDays),
	}, nil
}

// UpgradeSubscription activates a trialing Paddle subscription immediately,
// which bills the customer and starts the first paid period.
func (g *PaddleGateway) UpgradeSubscription(ctx context.Context, externalID string, plan Plan) (*BillingPeriod, error) {
	sub, err := g.client.SubscriptionsClient.ActivateSubscription(ctx, &paddle.ActivateSubscriptionRequest{
		SubscriptionID: externalID,
	})
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	period := &BillingPeriod{}
	if sub.CurrentBillingPeriod != nil {
		period.Start = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		period.End = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if period.Start.IsZero() || period.End.IsZero() {
		now := time.Now().UTC()
		period.Start = now
		period.End = now.AddDate(0, 1, 0)
	}
	return period, nil
}

func (g *PaddleGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	effective := paddle.EffectiveFromImmediately
	if atPeriodEnd {
		effective = paddle.EffectiveFromNextBillingPeriod
	}

	_, err := g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalID,
		EffectiveFrom:  &effective,
	})
	if err != nil {
		return errors.Join(ErrGatewayUnavailable, err)
	}
	return nil
}

// VerifyAndDecodeWebhook checks the Paddle-Signature header value against the
// webhook secret and maps Paddle event types onto the reconciler's event set.
func (g *PaddleGateway) VerifyAndDecodeWebhook(payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := g.verifier.Verify(req)
	if err != nil || !valid {
		return nil, ErrInvalidSignature
	}

	var raw struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		OccurredAt string `json:"occurred_at"`
		Data       struct {
			ID                   string `json:"id"`
			SubscriptionID       string `json:"subscription_id"`
			CurrentBillingPeriod *struct {
				StartsAt string `json:"starts_at"`
				EndsAt   string `json:"ends_at"`
			} `json:"current_billing_period"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if raw.EventID == "" || raw.EventType == "" {
		return nil, ErrInvalidWebhookPayload
	}

	subscriptionID := raw.Data.SubscriptionID
	if subscriptionID == "" && strings.HasPrefix(raw.EventType, "subscription.") {
		subscriptionID = raw.Data.ID
	}

	ev := &Event{
		ID:             raw.EventID,
		Type:           mapPaddleEventType(raw.EventType),
		SubscriptionID: subscriptionID,
		OccurredAt:     parsePaddleTime(raw.OccurredAt),
	}
	if raw.Data.CurrentBillingPeriod != nil {
		if start := parsePaddleTime(raw.Data.CurrentBillingPeriod.StartsAt); !start.IsZero() {
			ev.PeriodStart = &start
		}
		if end := parsePaddleTime(raw.Data.CurrentBillingPeriod.EndsAt); !end.IsZero() {
			ev.PeriodEnd = &end
		}
	}
	return ev, nil
}

func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.payment_succeeded", "transaction.completed":
		return EventPaymentSucceeded
	case "transaction.payment_failed", "subscription.past_due":
		return EventPaymentFailed
	case "subscription.canceled":
		return EventSubscriptionDeleted
	default:
		return EventType(paddleEvent)
	}
}

func parsePaddleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
