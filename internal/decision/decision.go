// Package decision maps combined risk to a discrete action with a confidence
// and an explanation.
package decision

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in regime names.
const (
	PolicyStandard = "standard"
	PolicyStrict   = "strict"
)

// Policy is a validated threshold regime.
type Policy struct {
	Name          string
	Low           float64
	High          float64
	Labels        [3]string
	ExtremeMargin float64
}

// Outcome is the result of Decide.
type Outcome struct {
	Risk       float64
	Decision   domain.Decision
	Label      string
	Confidence float64
	Reasons    []string
}

// Standard is the permissive regime used by the direct scoring endpoint.
func Standard() *Policy {
	return &Policy{
		Name:          PolicyStandard,
		Low:           0.25,
		High:          0.60,
		Labels:        [3]string{"allow", "challenge", "block"},
		ExtremeMargin: 0.02,
	}
}

// Strict is the chat-facing regime.
func Strict() *Policy {
	return &Policy{
		Name:          PolicyStrict,
		Low:           0.01,
		High:          0.05,
		Labels:        [3]string{"legitimate", "review", "high-risk"},
		ExtremeMargin: 0.005,
	}
}

// FromConfig builds and validates a policy.
func FromConfig(cfg domain.PolicyConfig) (*Policy, error) {
	p := &Policy{
		Name:          cfg.Name,
		Low:           cfg.Low,
		High:          cfg.High,
		Labels:        cfg.Labels,
		ExtremeMargin: cfg.ExtremeMargin,
	}
	for i, def := range [3]domain.Decision{domain.DecisionAllow, domain.DecisionChallenge, domain.DecisionBlock} {
		if p.Labels[i] == "" {
			p.Labels[i] = string(def)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the policy as configuration.
func (p *Policy) Config() domain.PolicyConfig {
	return domain.PolicyConfig{
		Name:          p.Name,
		Low:           p.Low,
		High:          p.High,
		Labels:        p.Labels,
		ExtremeMargin: p.ExtremeMargin,
	}
}

// Validate enforces 0 <= Low < High <= 1.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: policy name is required", domain.ErrPolicy)
	}
	if !finite(p.Low) || !finite(p.High) || p.Low < 0 || p.High > 1 || p.Low >= p.High {
		return fmt.Errorf("%w: policy %s needs 0 <= low < high <= 1, got %v/%v", domain.ErrPolicy, p.Name, p.Low, p.High)
	}
	if !finite(p.ExtremeMargin) || p.ExtremeMargin < 0 || p.ExtremeMargin >= 0.5 {
		return fmt.Errorf("%w: policy %s extreme margin %v out of range", domain.ErrPolicy, p.Name, p.ExtremeMargin)
	}
	return nil
}

// Decide combines a model score with an overlay delta and buckets the
// result. reasons are the overlay reasons in rule order.
func (p *Policy) Decide(score, delta float64, reasons []string) (Outcome, error) {
	if !finite(score) || !finite(delta) {
		return Outcome{}, fmt.Errorf("%w: non-finite input score=%v delta=%v", domain.ErrPolicy, score, delta)
	}

	risk := math.Min(1, math.Max(0, score+delta))

	var out Outcome
	out.Risk = risk
	switch {
	case risk < p.Low:
		out.Decision, out.Label = domain.DecisionAllow, p.Labels[0]
	case risk < p.High:
		out.Decision, out.Label = domain.DecisionChallenge, p.Labels[1]
	default:
		out.Decision, out.Label = domain.DecisionBlock, p.Labels[2]
	}

	// A 0/1 regime has no outer bands to normalise by.
	out.Confidence = 1
	if span := math.Max(p.Low, 1-p.High); span > 0 {
		nearest := math.Min(math.Abs(risk-p.Low), math.Abs(risk-p.High))
		out.Confidence = math.Min(1, nearest/span)
	}

	out.Reasons = make([]string, 0, domain.MaxReasons)
	for _, r := range reasons {
		if len(out.Reasons) == domain.MaxReasons {
			break
		}
		out.Reasons = append(out.Reasons, r)
	}
	extreme := risk <= p.ExtremeMargin || risk >= 1-p.ExtremeMargin
	if extreme && len(out.Reasons) < domain.MaxReasons {
		out.Reasons = append(out.Reasons, domain.ReasonModelConfident)
	}
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
