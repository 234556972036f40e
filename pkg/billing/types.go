package billing

// Feature represents a plan capability that can be enabled or disabled.
type Feature string

const (
	FeatureUnlimitedEntries Feature = "unlimited_entries"
	FeatureBasicInsights    Feature = "basic_insights"
	FeatureAIAnalysis       Feature = "ai_analysis"
	FeatureAdvancedAI       Feature = "advanced_ai_analysis"
	FeatureExport           Feature = "export_data"
	FeaturePrioritySupport  Feature = "priority_support"
	FeatureCustomThemes     Feature = "custom_themes"
	FeatureTeamSharing      Feature = "team_collaboration"
	FeatureAPIAccess        Feature = "api_access"
)

// FeatureSet maps a capability name to whether the plan enables it.
type FeatureSet map[Feature]bool

// Clone returns an independent copy of the set.
func (f FeatureSet) Clone() FeatureSet {
	if f == nil {
		return nil
	}
	out := make(FeatureSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $9.99 USD would be Amount: 999, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// BillingInterval represents the billing frequency for a subscription plan.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
)

// Status represents the current state of a subscription.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Reminder tracks which trial-expiry reminder was last dispatched for a
// subscription. It exists to make reminder dispatch idempotent and only ever
// advances: none -> three_day -> one_day -> expired.
type Reminder string

const (
	ReminderNone     Reminder = "none"
	ReminderThreeDay Reminder = "three_day"
	ReminderOneDay   Reminder = "one_day"
	ReminderExpired  Reminder = "expired"
)

// Rank returns the reminder's position in the advancement order.
func (r Reminder) Rank() int {
	switch r {
	case ReminderThreeDay:
		return 1
	case ReminderOneDay:
		return 2
	case ReminderExpired:
		return 3
	default:
		return 0
	}
}

// EventType is the normalized billing event type delivered by the payment
// gateway. Gateway adapters map provider-specific event names to these.
type EventType string

const (
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventSubscriptionDeleted EventType = "subscription_deleted"
)
