// Package alert evaluates alert rules against snapshots, tracks the
// per-(device, code) state machine, and routes notifications by severity.
package alert

import (
	"fmt"
	"math"

	"talos"
	"talos/condition"
)

// RuleType selects how sources aggregate into the tested scalar. The
// composite type delegates to a condition tree instead.
type RuleType string

const (
	TypeThreshold RuleType = "threshold"
	TypeAverage   RuleType = "average"
	TypeSum       RuleType = "sum"
	TypeMin       RuleType = "min"
	TypeMax       RuleType = "max"
	TypeComposite RuleType = "composite"
)

// Rule is one alert definition. Code is unique per device.
type Rule struct {
	Code      string          `yaml:"code"`
	Name      string          `yaml:"name"`
	Sources   []string        `yaml:"sources,omitempty"`
	Type      RuleType        `yaml:"type"`
	Operator  condition.Op    `yaml:"operator,omitempty"`
	Threshold *float64        `yaml:"threshold,omitempty"`
	Min       *float64        `yaml:"min,omitempty"`
	Max       *float64        `yaml:"max,omitempty"`
	Severity  talos.Severity  `yaml:"severity"`
	Composite *condition.Node `yaml:"composite,omitempty"`
}

// Validate checks the rule at config load.
func (r *Rule) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("alert rule without code")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("alert %s: unknown severity %q", r.Code, r.Severity)
	}
	if r.Composite != nil {
		if r.Type != "" && r.Type != TypeComposite {
			return fmt.Errorf("alert %s: both composite and type %q", r.Code, r.Type)
		}
		return r.Composite.Validate()
	}
	switch r.Type {
	case TypeThreshold:
		if len(r.Sources) < 1 {
			return fmt.Errorf("alert %s: threshold needs a source", r.Code)
		}
	case TypeAverage, TypeSum, TypeMin, TypeMax:
		if len(r.Sources) < 2 {
			return fmt.Errorf("alert %s: %s needs at least 2 sources", r.Code, r.Type)
		}
	default:
		return fmt.Errorf("alert %s: unknown type %q", r.Code, r.Type)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("alert %s: unknown operator %q", r.Code, r.Operator)
	}
	if r.Operator == condition.OpBetween {
		if r.Min == nil || r.Max == nil {
			return fmt.Errorf("alert %s: between requires min and max", r.Code)
		}
	} else if r.Threshold == nil {
		return fmt.Errorf("alert %s: operator %s requires threshold", r.Code, r.Operator)
	}
	return nil
}

// Evaluate returns whether the rule currently triggers and the scalar that
// was tested (0 for composite rules).
func (r *Rule) Evaluate(eval *condition.Evaluator, snap talos.Snapshot) (bool, float64) {
	if r.Composite != nil {
		return eval.Evaluate(r.Code, r.Composite, snap), 0
	}

	vals := make([]float64, 0, len(r.Sources))
	for _, src := range r.Sources {
		v, ok := snap.Values[src]
		if !ok || v == talos.Sentinel || math.IsNaN(v) {
			return false, 0
		}
		vals = append(vals, v)
	}

	var v float64
	switch r.Type {
	case TypeThreshold:
		v = vals[0]
	case TypeAverage:
		for _, x := range vals {
			v += x
		}
		v /= float64(len(vals))
	case TypeSum:
		for _, x := range vals {
			v += x
		}
	case TypeMin:
		v = vals[0]
		for _, x := range vals[1:] {
			v = math.Min(v, x)
		}
	case TypeMax:
		v = vals[0]
		for _, x := range vals[1:] {
			v = math.Max(v, x)
		}
	default:
		return false, 0
	}
	return condition.Compare(v, r.Operator, r.Threshold, r.Min, r.Max, 0), v
}

// Reason renders the rule's condition for notification text.
func (r *Rule) Reason() string {
	if r.Composite != nil {
		return r.Composite.Reason()
	}
	if r.Operator == condition.OpBetween {
		return fmt.Sprintf("%s(%v) %s [%v, %v]", r.Type, r.Sources, r.Operator, *r.Min, *r.Max)
	}
	return fmt.Sprintf("%s(%v) %s %v", r.Type, r.Sources, r.Operator, *r.Threshold)
}
