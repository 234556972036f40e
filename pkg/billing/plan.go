package billing

import "time"

// Plan describes a subscription plan. Plans are immutable at runtime: they
// are constructed once at process start and handed to the Registry.
type Plan struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Price     Money           `yaml:"price"`
	Interval  BillingInterval `yaml:"interval"`
	TrialDays int             `yaml:"trial_days"`
	Features  FeatureSet      `yaml:"features"`
}

// IsTrial reports whether the plan is the introductory trial plan.
func (p Plan) IsTrial() bool {
	return p.TrialDays > 0
}

// TrialEndsAt calculates when a trial started at startedAt ends.
// Returns startedAt unchanged if the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

func (p Plan) clone() Plan {
	p.Features = p.Features.Clone()
	return p
}

// DefaultPlans returns the stock plan catalog: a 7-day $1 trial followed by
// monthly paid tiers. Hosts with a plans.yaml override this via LoadPlans.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:        "trial-7day",
			Name:      "7-Day Trial",
			Price:     Money{Amount: 100, Currency: "USD"},
			Interval:  IntervalMonth,
			TrialDays: 7,
			Features: FeatureSet{
				FeatureBasicInsights: true,
			},
		},
		{
			ID:       "basic-monthly",
			Name:     "Basic Monthly",
			Price:    Money{Amount: 999, Currency: "USD"},
			Interval: IntervalMonth,
			Features: FeatureSet{
				FeatureUnlimitedEntries: true,
				FeatureBasicInsights:    true,
				FeatureAIAnalysis:       true,
				FeatureExport:           true,
			},
		},
		{
			ID:       "pro-monthly",
			Name:     "Pro Monthly",
			Price:    Money{Amount: 1999, Currency: "USD"},
			Interval: IntervalMonth,
			Features: FeatureSet{
				FeatureUnlimitedEntries: true,
				FeatureBasicInsights:    true,
				FeatureAIAnalysis:       true,
				FeatureAdvancedAI:       true,
				FeatureExport:           true,
				FeaturePrioritySupport:  true,
				FeatureCustomThemes:     true,
			},
		},
		{
			ID:       "enterprise-monthly",
			Name:     "Enterprise Monthly",
			Price:    Money{Amount: 4999, Currency: "USD"},
			Interval: IntervalMonth,
			Features: FeatureSet{
				FeatureUnlimitedEntries: true,
				FeatureBasicInsights:    true,
				FeatureAIAnalysis:       true,
				FeatureAdvancedAI:       true,
				FeatureExport:           true,
				FeaturePrioritySupport:  true,
				FeatureCustomThemes:     true,
				FeatureTeamSharing:      true,
				FeatureAPIAccess:        true,
			},
		},
	}
}
