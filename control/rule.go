// Package control evaluates control rules against snapshots, applies
// policy transforms, and executes the resulting actions on devices with
// constraint checks, idempotent writes, and offline deferral.
package control

import (
	"fmt"
	"math"

	"talos"
	"talos/condition"
)

// PolicyType selects the action value transform.
type PolicyType string

const (
	// DiscreteSetpoint passes the configured action value through.
	DiscreteSetpoint PolicyType = "discrete_setpoint"
	// AbsoluteLinear computes baseFreq + max(0, |src - baseTemp|) * gain.
	AbsoluteLinear PolicyType = "absolute_linear"
	// IncrementalLinear emits a relative adjust_frequency of
	// sign(x) * max(0, |x| - deadband) * gain, clamped to ±maxStep.
	IncrementalLinear PolicyType = "incremental_linear"
)

// Policy is the optional value transform attached to a rule.
type Policy struct {
	Type PolicyType `yaml:"type"`

	Source  string   `yaml:"source,omitempty"`  // scalar input
	Sources []string `yaml:"sources,omitempty"` // difference input (incremental)

	BaseFreq float64  `yaml:"base_freq,omitempty"`
	BaseTemp float64  `yaml:"base_temp,omitempty"`
	Gain     float64  `yaml:"gain,omitempty"`
	Deadband float64  `yaml:"deadband,omitempty"`
	MaxStep  *float64 `yaml:"max_step,omitempty"`
	Epsilon  float64  `yaml:"epsilon,omitempty"`
}

// Validate checks the policy shape at config load.
func (p *Policy) Validate() error {
	switch p.Type {
	case DiscreteSetpoint:
		return nil
	case AbsoluteLinear:
		if p.Source == "" {
			return fmt.Errorf("absolute_linear policy needs a source")
		}
		return nil
	case IncrementalLinear:
		if p.Source == "" && len(p.Sources) != 2 {
			return fmt.Errorf("incremental_linear policy needs a source or 2 sources")
		}
		return nil
	default:
		return fmt.Errorf("unknown policy type %q", p.Type)
	}
}

// Rule is one control definition. Lower priority value wins.
type Rule struct {
	Code      string                `yaml:"code"`
	Priority  int                   `yaml:"priority"`
	Composite *condition.Node       `yaml:"composite"`
	Policy    *Policy               `yaml:"policy,omitempty"`
	Actions   []talos.ControlAction `yaml:"actions"`
	Blocking  bool                  `yaml:"blocking,omitempty"`
}

// Validate checks the rule at config load.
func (r *Rule) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("control rule without code")
	}
	if r.Composite == nil {
		return fmt.Errorf("control %s: missing composite condition", r.Code)
	}
	if err := r.Composite.Validate(); err != nil {
		return fmt.Errorf("control %s: %w", r.Code, err)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("control %s: no actions", r.Code)
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("control %s: action %d has unknown type %q", r.Code, i, a.Type)
		}
	}
	if r.Policy != nil {
		if err := r.Policy.Validate(); err != nil {
			return fmt.Errorf("control %s: %w", r.Code, err)
		}
	}
	return nil
}

const incrementalEpsilon = 1e-9

// Transform applies the rule's policy to one action against the snapshot.
// keep=false drops the action (no-op delta, missing input, invalid policy).
func (r *Rule) Transform(action talos.ControlAction, snap talos.Snapshot) (talos.ControlAction, bool) {
	action.Priority = r.Priority
	if action.Reason == "" {
		action.Reason = fmt.Sprintf("%s: %s", r.Code, r.Composite.Reason())
	}
	if r.Policy == nil {
		return action, true
	}

	switch r.Policy.Type {
	case DiscreteSetpoint:
		return action, true

	case AbsoluteLinear:
		src, ok := snapValue(snap, r.Policy.Source)
		if !ok {
			return action, false
		}
		dev := math.Abs(src - r.Policy.BaseTemp)
		v := r.Policy.BaseFreq
		if dev >= r.Policy.Deadband || r.Policy.Deadband == 0 {
			v = r.Policy.BaseFreq + dev*r.Policy.Gain
		}
		action.Value = talos.Float(v)
		return action, true

	case IncrementalLinear:
		x, ok := r.incrementalInput(snap)
		if !ok {
			return action, false
		}
		excess := math.Abs(x) - r.Policy.Deadband
		if excess < 0 {
			excess = 0
		}
		delta := excess * r.Policy.Gain
		if x < 0 {
			delta = -delta
		}
		// An unset max_step defaults to the gain: one gain-sized nudge
		// per evaluation, converging over successive cycles.
		maxStep := math.Abs(r.Policy.Gain)
		if r.Policy.MaxStep != nil {
			maxStep = *r.Policy.MaxStep
		}
		if maxStep > 0 && math.Abs(delta) > maxStep {
			// clamp symmetrically, sign preserved
			delta = math.Copysign(maxStep, delta)
		}
		eps := r.Policy.Epsilon
		if eps <= 0 {
			eps = incrementalEpsilon
		}
		if math.Abs(delta) <= eps {
			return action, false
		}
		action.Type = talos.ActionAdjustFrequency
		action.Value = talos.Float(delta)
		return action, true

	default:
		return action, false
	}
}

func (r *Rule) incrementalInput(snap talos.Snapshot) (float64, bool) {
	if len(r.Policy.Sources) == 2 {
		a, ok1 := snapValue(snap, r.Policy.Sources[0])
		b, ok2 := snapValue(snap, r.Policy.Sources[1])
		if !ok1 || !ok2 {
			return 0, false
		}
		return a - b, true
	}
	return snapValue(snap, r.Policy.Source)
}

func snapValue(snap talos.Snapshot, name string) (float64, bool) {
	v, ok := snap.Values[name]
	if !ok || v == talos.Sentinel || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
