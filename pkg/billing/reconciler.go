package billing

import (
	"context"
	"errors"
	"log/slog"
)

// Reconciler turns raw webhook deliveries into subscription state changes.
// The pipeline is verify, deduplicate, apply: signature failures are the
// only errors a webhook endpoint should convert into a non-2xx response,
// everything past verification is acknowledged so the gateway stops
// redelivering.
type Reconciler struct {
	gateway  PaymentGateway
	eventLog EventLog
	service  *Service
	logger   *slog.Logger
}

// NewReconciler wires the webhook pipeline. Panics on nil dependencies.
func NewReconciler(gateway PaymentGateway, eventLog EventLog, service *Service, logger *slog.Logger) *Reconciler {
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if eventLog == nil {
		panic("billing: EventLog is required")
	}
	if service == nil {
		panic("billing: Service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		gateway:  gateway,
		eventLog: eventLog,
		service:  service,
		logger:   logger,
	}
}

// Handle processes one webhook delivery. It returns ErrInvalidSignature or
// ErrInvalidWebhookPayload when the delivery itself is bad; duplicates and
// events for unknown subscriptions return nil so the gateway gets its ack.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) error {
	ev, err := r.gateway.VerifyAndDecodeWebhook(payload, signature)
	if err != nil {
		r.logger.WarnContext(ctx, "webhook rejected",
			slog.String("error", err.Error()),
		)
		return err
	}

	fresh, err := r.eventLog.MarkProcessed(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !fresh {
		r.logger.InfoContext(ctx, "duplicate webhook event ignored",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
		)
		return nil
	}

	if err := r.service.ApplyEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Out-of-order delivery or a subscription created outside this
			// system. Ack it; retrying will never make the record appear.
			r.logger.WarnContext(ctx, "webhook event for unknown subscription",
				slog.String("event_id", ev.ID),
				slog.String("external_subscription_id", ev.SubscriptionID),
			)
			return nil
		}

		// The mark is only a reservation: release it so the gateway's
		// redelivery is applied instead of swallowed as a duplicate.
		if unmarkErr := r.eventLog.Unmark(ctx, ev.ID); unmarkErr != nil {
			r.logger.ErrorContext(ctx, "cannot release failed webhook event, redelivery will be dropped",
				slog.String("event_id", ev.ID),
				slog.String("error", unmarkErr.Error()),
			)
		}
		return err
	}

	r.logger.InfoContext(ctx, "webhook event applied",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("external_subscription_id", ev.SubscriptionID),
	)
	return nil
}
