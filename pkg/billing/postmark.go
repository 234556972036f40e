package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrz1836/postmark"
)

// PostmarkConfig holds configuration for the Postmark notification sender.
type PostmarkConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN,required"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN,required"`
	SenderEmail  string `env:"POSTMARK_SENDER_EMAIL,required"`
	SupportEmail string `env:"POSTMARK_SUPPORT_EMAIL,required"`
}

// ErrFailedToSendEmail wraps Postmark delivery failures.
var ErrFailedToSendEmail = errors.New("failed to send email")

// PostmarkNotifier sends lifecycle notifications as transactional email
// through Postmark. Rendering is deliberately plain: the message copy lives
// here, the decision of when to send lives in the service and scanner.
type PostmarkNotifier struct {
	client *postmark.Client
	config PostmarkConfig
}

// NewPostmarkNotifier creates a Postmark-backed Notifier.
// All tokens are required - explicit configuration beats silent failures.
func NewPostmarkNotifier(cfg PostmarkConfig) (*PostmarkNotifier, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if cfg.AccountToken == "" {
		return nil, errors.New("postmark account token is required")
	}
	if cfg.SenderEmail == "" {
		return nil, errors.New("sender email is required")
	}
	if cfg.SupportEmail == "" {
		return nil, errors.New("support email is required")
	}

	return &PostmarkNotifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

func (n *PostmarkNotifier) Send(ctx context.Context, user *User, tpl Template, data map[string]any) error {
	subject, body := renderTemplate(user, tpl, data)

	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.config.SenderEmail,
		ReplyTo:    n.config.SupportEmail,
		To:         user.Email,
		Subject:    subject,
		Tag:        string(tpl),
		HTMLBody:   body,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

func renderTemplate(user *User, tpl Template, data map[string]any) (subject, body string) {
	name := user.Name
	if name == "" {
		name = "there"
	}

	switch tpl {
	case TemplateWelcome:
		subject = "Welcome to your journaling trial"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your trial is live%s. Enjoy the full experience.</p>", name, trialEndSuffix(data))
	case TemplateTrialEnding3Days:
		subject = "Your trial ends in 3 days"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your trial ends in 3 days%s. Upgrade to keep your journal going.</p>", name, trialEndSuffix(data))
	case TemplateTrialEnding1Day:
		subject = "Your trial ends tomorrow"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Last call - your trial ends tomorrow%s.</p>", name, trialEndSuffix(data))
	case TemplateTrialExpired:
		subject = "Your trial has ended"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your trial has ended. Upgrade anytime to pick up where you left off.</p>", name)
	case TemplateUpgraded:
		subject = "You're on the full plan"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your subscription is active. Thanks for upgrading!</p>", name)
	case TemplatePaymentIssue:
		subject = "We couldn't process your payment"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your last payment didn't go through. Please update your payment method - your access continues while we retry.</p>", name)
	case TemplateSubscriptionExpired:
		subject = "Your subscription has expired"
		body = fmt.Sprintf("<p>Hi %s,</p><p>We couldn't collect payment and your subscription has expired. Resubscribe anytime.</p>", name)
	case TemplateCancellationConfirmed:
		subject = "Cancellation confirmed"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your cancellation is confirmed. You keep access until the end of the current period.</p>", name)
	case TemplateCancellationComplete:
		subject = "Your subscription has ended"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your subscription has ended. We'd love to have you back.</p>", name)
	default:
		subject = string(tpl)
		body = fmt.Sprintf("<p>Hi %s,</p>", name)
	}
	return subject, body
}

func trialEndSuffix(data map[string]any) string {
	if data == nil {
		return ""
	}
	if end, ok := data["trial_end"].(time.Time); ok {
		return fmt.Sprintf(" (on %s)", end.Format("January 2, 2006"))
	}
	return ""
}
