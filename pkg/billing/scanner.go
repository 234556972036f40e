package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ExpiryScanner is the periodic job that walks trials nearing their end,
// sends each reminder exactly once, and converts or expires trials whose
// window has closed. It carries no state of its own: overlapping runs are
// safe because every mutation goes through the store's per-subscription
// lock and the monotonic last_reminder marker.
type ExpiryScanner struct {
	store    Store
	service  *Service
	notifier Notifier
	logger   *slog.Logger
	clock    Clock
	interval time.Duration
}

// NewExpiryScanner creates a scanner. A non-positive interval defaults to
// one hour.
func NewExpiryScanner(store Store, service *Service, notifier Notifier, logger *slog.Logger, opts ...ScannerOption) *ExpiryScanner {
	if store == nil {
		panic("billing: Store is required")
	}
	if service == nil {
		panic("billing: Service is required")
	}
	if notifier == nil {
		panic("billing: Notifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := &ExpiryScanner{
		store:    store,
		service:  service,
		notifier: notifier,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
		interval: time.Hour,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// ScannerOption configures the ExpiryScanner.
type ScannerOption func(*ExpiryScanner)

// WithScanInterval sets how often Start runs a pass.
func WithScanInterval(d time.Duration) ScannerOption {
	return func(sc *ExpiryScanner) {
		if d > 0 {
			sc.interval = d
		}
	}
}

// WithScannerClock overrides the scanner's time source.
func WithScannerClock(clock Clock) ScannerOption {
	return func(sc *ExpiryScanner) {
		if clock != nil {
			sc.clock = clock
		}
	}
}

// Start runs scan passes on the configured interval until ctx is cancelled.
// It blocks; run it in its own goroutine.
func (sc *ExpiryScanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.logger.InfoContext(ctx, "expiry scanner started",
		slog.Duration("interval", sc.interval),
	)

	// First pass runs immediately; waiting a full interval after startup
	// would delay reminders for trials that are already past a threshold.
	if err := sc.RunOnce(ctx); err != nil {
		sc.logger.ErrorContext(ctx, "scan pass failed",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			sc.logger.InfoContext(ctx, "expiry scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := sc.RunOnce(ctx); err != nil {
				sc.logger.ErrorContext(ctx, "scan pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce performs a single scan pass. Per-subscription failures are logged
// and do not stop the pass; only the store query error aborts it.
func (sc *ExpiryScanner) RunOnce(ctx context.Context) error {
	now := sc.clock()

	subs, err := sc.store.ListTrialsEndingBy(ctx, now.Add(3*24*time.Hour))
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if err := sc.processTrial(ctx, sub, now); err != nil {
			sc.logger.ErrorContext(ctx, "trial processing failed",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// processTrial handles one trial: past trials are converted or expired,
// approaching trials get the reminder for the threshold just crossed.
func (sc *ExpiryScanner) processTrial(ctx context.Context, sub *Subscription, now time.Time) error {
	if sub.TrialEnd == nil {
		return nil
	}

	if !sub.TrialEnd.After(now) {
		return sc.settleEndedTrial(ctx, sub)
	}

	remaining := sub.TrialEnd.Sub(now)
	switch {
	case remaining <= 24*time.Hour:
		return sc.sendReminder(ctx, sub, ReminderOneDay, TemplateTrialEnding1Day)
	case remaining <= 3*24*time.Hour:
		return sc.sendReminder(ctx, sub, ReminderThreeDay, TemplateTrialEnding3Days)
	default:
		return nil
	}
}

// settleEndedTrial attempts the paid conversion for a trial whose window has
// closed. The service expires the trial itself when the gateway rejects the
// payment method; an unavailable gateway leaves the record for the next pass.
func (sc *ExpiryScanner) settleEndedTrial(ctx context.Context, sub *Subscription) error {
	if sub.LastReminder == ReminderExpired {
		return nil
	}

	updated, err := sc.service.UpgradeTrialToPaid(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			sc.logger.WarnContext(ctx, "gateway unavailable, trial settlement deferred",
				slog.String("subscription_id", sub.ID.String()),
			)
			return nil
		}
		return err
	}

	sc.logger.InfoContext(ctx, "ended trial settled",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("status", string(updated.Status)),
	)
	return nil
}

// sendReminder advances the reminder marker first and sends only when the
// marker actually moved, so N overlapping runs produce one message.
func (sc *ExpiryScanner) sendReminder(ctx context.Context, sub *Subscription, r Reminder, tpl Template) error {
	updated, advanced, err := sc.service.RecordReminder(ctx, sub.ID, r)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	user, err := sc.store.GetUser(ctx, updated.UserID)
	if err != nil {
		return err
	}

	data := map[string]any{"trial_end": *updated.TrialEnd}
	if err := sc.notifier.Send(ctx, user, tpl, data); err != nil {
		sc.logger.ErrorContext(ctx, "reminder delivery failed",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("template", string(tpl)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
