package billing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry is the immutable plan catalog. It is built once at process start
// and passed by reference; it is never mutated afterwards, so concurrent
// reads need no locking.
type Registry struct {
	plans      map[string]Plan
	trialID    string
	defaultID  string
	orderedIDs []string
}

// NewRegistry validates the catalog and builds a registry from it.
// The catalog must contain exactly one trial plan (trial_days > 0) and at
// least one paid plan to upgrade into after the trial; the first paid plan
// in catalog order becomes the post-trial target.
func NewRegistry(plans ...Plan) (*Registry, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidPlanConfig)
	}

	r := &Registry{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan with empty ID", ErrInvalidPlanConfig)
		}
		if _, dup := r.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan ID %q", ErrInvalidPlanConfig, p.ID)
		}
		if p.TrialDays < 0 {
			return nil, fmt.Errorf("%w: plan %q has negative trial days", ErrInvalidPlanConfig, p.ID)
		}
		if p.Price.Amount < 0 {
			return nil, fmt.Errorf("%w: plan %q has negative price", ErrInvalidPlanConfig, p.ID)
		}

		if p.IsTrial() {
			if r.trialID != "" {
				return nil, fmt.Errorf("%w: more than one trial plan (%q, %q)", ErrInvalidPlanConfig, r.trialID, p.ID)
			}
			r.trialID = p.ID
		} else if r.defaultID == "" {
			r.defaultID = p.ID
		}

		r.plans[p.ID] = p.clone()
		r.orderedIDs = append(r.orderedIDs, p.ID)
	}

	if r.trialID == "" {
		return nil, fmt.Errorf("%w: no trial plan configured", ErrInvalidPlanConfig)
	}
	if r.defaultID == "" {
		return nil, fmt.Errorf("%w: no paid plan to upgrade into after trial", ErrInvalidPlanConfig)
	}

	return r, nil
}

// MustNewRegistry builds a registry and panics on invalid configuration.
// Misconfigured plans should prevent startup rather than fail at runtime.
func MustNewRegistry(plans ...Plan) *Registry {
	r, err := NewRegistry(plans...)
	if err != nil {
		panic(err)
	}
	return r
}

// ByID returns the plan with the given ID.
func (r *Registry) ByID(id string) (Plan, error) {
	p, ok := r.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p.clone(), nil
}

// TrialPlan returns the introductory trial plan.
func (r *Registry) TrialPlan() Plan {
	return r.plans[r.trialID].clone()
}

// PaidPlan returns the plan a trial upgrades into.
func (r *Registry) PaidPlan() Plan {
	return r.plans[r.defaultID].clone()
}

// All returns the plans in catalog order.
func (r *Registry) All() []Plan {
	out := make([]Plan, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.plans[id].clone())
	}
	return out
}

type planCatalog struct {
	Plans []Plan `yaml:"plans"`
}

// LoadPlans reads a YAML plan catalog from path.
//
//	plans:
//	  - id: trial-7day
//	    name: 7-Day Trial
//	    price: {amount: 100, currency: USD}
//	    interval: month
//	    trial_days: 7
//	    features:
//	      basic_insights: true
func LoadPlans(path string) ([]Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidPlanConfig, err)
	}

	var catalog planCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Join(ErrInvalidPlanConfig, err)
	}
	if len(catalog.Plans) == 0 {
		return nil, fmt.Errorf("%w: %s contains no plans", ErrInvalidPlanConfig, path)
	}

	return catalog.Plans, nil
}
