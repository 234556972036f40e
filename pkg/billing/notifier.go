package billing

import (
	"context"
	"log/slog"
)

// Template names a notification message. Rendering is the sender's concern;
// the core only decides which template fires and when.
type Template string

const (
	TemplateWelcome               Template = "welcome"
	TemplateTrialEnding3Days      Template = "trial_ending_3_days"
	TemplateTrialEnding1Day       Template = "trial_ending_1_day"
	TemplateTrialExpired          Template = "trial_expired"
	TemplateUpgraded              Template = "upgraded"
	TemplatePaymentIssue          Template = "payment_issue"
	TemplateSubscriptionExpired   Template = "subscription_expired"
	TemplateCancellationConfirmed Template = "cancellation_confirmed"
	TemplateCancellationComplete  Template = "cancellation_complete"
)

// Notifier delivers a templated message to a user. Delivery is fire-and-forget
// from the core's perspective: the service logs failures and never lets them
// roll back or block a state transition.
type Notifier interface {
	Send(ctx context.Context, user *User, tpl Template, data map[string]any) error
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, user *User, tpl Template, data map[string]any) error {
	return nil
}

// LogNotifier writes notifications to the log instead of sending them.
// Useful in development and as a default when no sender is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, user *User, tpl Template, data map[string]any) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("template", string(tpl)),
		slog.String("user_id", user.ID.String()),
		slog.String("email", user.Email),
	)
	return nil
}
