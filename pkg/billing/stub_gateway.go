package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StubGateway is a credential-free PaymentGateway used when no real provider
// is configured (development, tests, demo hosts). It fabricates provider IDs
// locally and verifies webhooks with a plain HMAC-SHA256 over the payload, so
// the full reconciliation path stays exercisable without provider access.
type StubGateway struct {
	secret []byte
	now    func() time.Time
}

// NewStubGateway creates a stub gateway. The secret signs and verifies the
// webhook envelope; it may be empty, in which case verification always fails.
func NewStubGateway(webhookSecret string) *StubGateway {
	return &StubGateway{
		secret: []byte(webhookSecret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *StubGateway) CreateCustomer(ctx context.Context, user *User) (string, error) {
	return "cus_" + uuid.NewString(), nil
}

func (g *StubGateway) CreateTrialSubscription(ctx context.Context, customerID string, plan Plan, trialDays int) (*GatewaySubscription, error) {
	start := g.now()
	return &GatewaySubscription{
		ID:          "sub_" + uuid.NewString(),
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, trialDays),
	}, nil
}

func (g *StubGateway) UpgradeSubscription(ctx context.Context, externalID string, plan Plan) (*BillingPeriod, error) {
	start := g.now()
	return &BillingPeriod{Start: start, End: start.AddDate(0, 1, 0)}, nil
}

func (g *StubGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	return nil
}

// webhookEnvelope is the wire format the stub gateway signs and decodes:
// {"id": "...", "type": "...", "data": {"subscription_id": "..."}, "created": unix}.
type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SubscriptionID string `json:"subscription_id"`
		PeriodStart    *int64 `json:"period_start,omitempty"`
		PeriodEnd      *int64 `json:"period_end,omitempty"`
	} `json:"data"`
	Created int64 `json:"created"`
}

func (g *StubGateway) VerifyAndDecodeWebhook(payload []byte, signature string) (*Event, error) {
	if len(g.secret) == 0 {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison to prevent timing-based forgery.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrInvalidSignature
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrInvalidWebhookPayload)
	}

	ev := &Event{
		ID:             env.ID,
		Type:           EventType(env.Type),
		SubscriptionID: env.Data.SubscriptionID,
		OccurredAt:     time.Unix(env.Created, 0).UTC(),
	}
	if env.Data.PeriodStart != nil {
		t := time.Unix(*env.Data.PeriodStart, 0).UTC()
		ev.PeriodStart = &t
	}
	if env.Data.PeriodEnd != nil {
		t := time.Unix(*env.Data.PeriodEnd, 0).UTC()
		ev.PeriodEnd = &t
	}

	return ev, nil
}

// SignWebhookPayload produces the signature a stub-gateway webhook delivery
// carries in its X-Signature header. Exposed for hosts that need to exercise
// the webhook endpoint end to end (demos, integration tests).
func SignWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
